package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/models"
)

// InitiateConversation starts an onboarding conversation with a single
// recipient. Returns 201 when a new thread was started and 200 when the
// recipient already has one in flight.
func (h *Handlers) InitiateConversation(c *gin.Context) {
	var req models.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	recipient := models.Recipient{
		Name:  strings.TrimSpace(req.Name),
		Email: strings.ToLower(strings.TrimSpace(req.Email)),
	}

	state, created, err := h.engine.Initiate(c.Request.Context(), recipient)
	if err != nil {
		logrus.Errorf("Failed to initiate conversation with %s: %v", recipient.Email, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to initiate conversation",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	statusCode := http.StatusOK
	if created {
		statusCode = http.StatusCreated
		logrus.Infof("Started conversation with %s on thread %s", recipient.Email, state.ThreadID)
	}

	c.JSON(statusCode, h.threadResponse(*state, false))
}
