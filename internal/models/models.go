package models

import (
	"time"
)

// Sender roles recorded on stored messages.
const (
	SenderUser  = "user"
	SenderAgent = "agent"
)

// Workflow statuses. Transitions between them are owned by internal/workflow.
const (
	StatusActive        = "active"
	StatusAwaitingReply = "awaiting_reply"
	StatusExtracting    = "extracting"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
)

// Participant represents a directory entry for one external correspondent.
// Email is the identity; the display name may refresh on repeated contact.
type Participant struct {
	Email     string    `json:"email" gorm:"type:varchar(255);primaryKey"`
	Name      string    `json:"name" gorm:"type:varchar(255);not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for Participant
func (Participant) TableName() string {
	return "participants"
}

// Message represents one stored email within a conversation thread.
// MessageID is the provider-assigned id and the natural primary key, which
// makes duplicate inserts from retried notifications a no-op.
type Message struct {
	MessageID string    `json:"message_id" gorm:"type:varchar(255);primaryKey"`
	ThreadID  string    `json:"thread_id" gorm:"type:varchar(255);not null;index"`
	UserEmail string    `json:"user_email" gorm:"type:varchar(255);not null;index"`
	Sender    string    `json:"sender" gorm:"type:varchar(16);not null"`
	Body      string    `json:"body" gorm:"type:text;not null"`
	Subject   string    `json:"subject" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"not null"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}

// WorkflowState represents the durable per-thread progress record.
type WorkflowState struct {
	ThreadID      string    `json:"thread_id" gorm:"type:varchar(255);primaryKey"`
	UserEmail     string    `json:"user_email" gorm:"type:varchar(255);not null;index"`
	Step          int       `json:"step" gorm:"not null;default:0"`
	Status        string    `json:"status" gorm:"type:varchar(32);not null"`
	FailureReason string    `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for WorkflowState
func (WorkflowState) TableName() string {
	return "workflow_states"
}

// Terminal reports whether the state can no longer advance on its own.
func (s *WorkflowState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// ExtractedProfile holds the structured fields pulled out of a completed
// conversation. Absent until extraction succeeds; one row per thread.
type ExtractedProfile struct {
	ThreadID         string    `json:"thread_id" gorm:"type:varchar(255);primaryKey"`
	Major            string    `json:"major" gorm:"type:text"`
	Motivation       string    `json:"motivation" gorm:"type:text"`
	ActivityInterest string    `json:"activity_interest" gorm:"type:text"`
	ExtractedAt      time.Time `json:"extracted_at"`
}

// TableName specifies the table name for ExtractedProfile
func (ExtractedProfile) TableName() string {
	return "extracted_profiles"
}

// ProcessedNotification records a notification id that has been observed,
// so redundant deliveries can be suppressed across restarts.
type ProcessedNotification struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	NotificationID string    `json:"notification_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	ObservedAt     time.Time `json:"observed_at" gorm:"not null;index"`
}

// TableName specifies the table name for ProcessedNotification
func (ProcessedNotification) TableName() string {
	return "processed_notifications"
}

// InboundEmail is a decoded inbound message handed from the listener to the
// workflow engine. Body contains only the new content, with quoted history
// already stripped.
type InboundEmail struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name"`
	To        []string  `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Received  time.Time `json:"received"`
}

// Recipient is one (name, email) pair from the recipient list.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ThreadResponse represents the API view of a conversation thread
type ThreadResponse struct {
	ThreadID      string            `json:"thread_id"`
	UserEmail     string            `json:"user_email"`
	UserName      string            `json:"user_name,omitempty"`
	Step          int               `json:"step"`
	Status        string            `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Profile       *ExtractedProfile `json:"profile,omitempty"`
}

// InitiateRequest represents the request structure for starting a conversation
type InitiateRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Gmail     string            `json:"gmail"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
