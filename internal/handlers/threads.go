package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/models"
	"onboard-mail-agent/internal/workflow"
)

// GetThreads returns conversation threads, optionally filtered by status
func (h *Handlers) GetThreads(c *gin.Context) {
	status := c.Query("status")

	states, err := h.store.ListStates(status)
	if err != nil {
		logrus.Errorf("Failed to list threads: %v", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list threads",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	threads := make([]models.ThreadResponse, 0, len(states))
	for _, state := range states {
		threads = append(threads, h.threadResponse(state, false))
	}

	c.JSON(http.StatusOK, gin.H{
		"threads": threads,
		"count":   len(threads),
	})
}

// GetThread returns a single conversation thread with its extracted profile
func (h *Handlers) GetThread(c *gin.Context) {
	threadID := c.Param("id")

	state, err := h.store.LoadState(threadID)
	if err != nil {
		logrus.Errorf("Failed to load thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load thread",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "Thread not found",
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, h.threadResponse(*state, true))
}

// GetThreadMessages returns the full transcript of a conversation thread
func (h *Handlers) GetThreadMessages(c *gin.Context) {
	threadID := c.Param("id")

	state, err := h.store.LoadState(threadID)
	if err != nil {
		logrus.Errorf("Failed to load thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load thread",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "Thread not found",
			Code:    http.StatusNotFound,
		})
		return
	}

	messages, err := h.store.ListThread(threadID)
	if err != nil {
		logrus.Errorf("Failed to list messages for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list messages",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"thread_id": threadID,
		"messages":  messages,
		"count":     len(messages),
	})
}

// GetThreadProfile returns the extracted profile for a completed thread
func (h *Handlers) GetThreadProfile(c *gin.Context) {
	threadID := c.Param("id")

	profile, err := h.store.GetProfile(threadID)
	if err != nil {
		logrus.Errorf("Failed to load profile for thread %s: %v", threadID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load profile",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "No profile extracted for this thread",
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, profile)
}

// RetryThread moves a failed thread back into the workflow
func (h *Handlers) RetryThread(c *gin.Context) {
	threadID := c.Param("id")

	state, err := h.engine.Resume(c.Request.Context(), threadID)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrUnknownThread):
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "Thread not found",
				Code:    http.StatusNotFound,
			})
		case errors.Is(err, workflow.ErrThreadNotFailed):
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Error:   "not_failed",
				Message: "Thread is not in a failed state",
				Code:    http.StatusConflict,
			})
		default:
			logrus.Errorf("Failed to retry thread %s: %v", threadID, err)
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error:   "internal_error",
				Message: "Failed to retry thread",
				Code:    http.StatusInternalServerError,
			})
		}
		return
	}

	logrus.Infof("Thread %s resumed, status now %s", threadID, state.Status)
	c.JSON(http.StatusOK, h.threadResponse(*state, false))
}

// threadResponse builds the API view of a workflow state. When withProfile is
// set the extracted profile is attached if one exists.
func (h *Handlers) threadResponse(state models.WorkflowState, withProfile bool) models.ThreadResponse {
	resp := models.ThreadResponse{
		ThreadID:      state.ThreadID,
		UserEmail:     state.UserEmail,
		Step:          state.Step,
		Status:        state.Status,
		FailureReason: state.FailureReason,
		CreatedAt:     state.CreatedAt,
		UpdatedAt:     state.UpdatedAt,
	}

	if participant, err := h.store.GetParticipant(state.UserEmail); err == nil && participant != nil {
		resp.UserName = participant.Name
	}

	if withProfile {
		if profile, err := h.store.GetProfile(state.ThreadID); err == nil && profile != nil {
			resp.Profile = profile
		}
	}

	return resp
}
