// Package store provides the durable record of participants, messages,
// workflow states, and extracted profiles. Message and notification inserts
// are idempotent on their provider-assigned ids so retried deliveries never
// produce duplicate rows.
package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"onboard-mail-agent/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AppendMessage inserts a message, keyed by its provider-assigned id.
// Returns true when the row was inserted, false when the message was
// already recorded. A duplicate is not an error.
func (s *Store) AppendMessage(msg models.Message) (bool, error) {
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&msg)
	if result.Error != nil {
		return false, fmt.Errorf("failed to append message: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListThread returns all messages of a thread ordered by timestamp.
func (s *Store) ListThread(threadID string) ([]models.Message, error) {
	var msgs []models.Message
	result := s.db.Where("thread_id = ?", threadID).Order("timestamp asc").Find(&msgs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list thread %s: %w", threadID, result.Error)
	}
	return msgs, nil
}

// UpsertParticipant creates or refreshes a directory entry. Email is the
// identity; the name may change on repeated contact.
func (s *Store) UpsertParticipant(email, name string) error {
	participant := models.Participant{
		Email:     email,
		Name:      name,
		UpdatedAt: time.Now(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&participant)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", email, result.Error)
	}
	return nil
}

// GetParticipant returns the directory entry for an email, or nil.
func (s *Store) GetParticipant(email string) (*models.Participant, error) {
	var p models.Participant
	result := s.db.Where("email = ?", email).First(&p)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get participant %s: %w", email, result.Error)
	}
	return &p, nil
}

// SaveState upserts the workflow state row for a thread.
func (s *Store) SaveState(state models.WorkflowState) error {
	state.UpdatedAt = time.Now()
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "step", "status", "failure_reason", "updated_at"}),
	}).Create(&state)
	if result.Error != nil {
		return fmt.Errorf("failed to save workflow state for thread %s: %w", state.ThreadID, result.Error)
	}
	return nil
}

// LoadState returns the workflow state for a thread, or nil when the thread
// is unknown.
func (s *Store) LoadState(threadID string) (*models.WorkflowState, error) {
	var state models.WorkflowState
	result := s.db.Where("thread_id = ?", threadID).First(&state)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load workflow state for thread %s: %w", threadID, result.Error)
	}
	return &state, nil
}

// StatesByEmail returns all workflow states for a participant.
func (s *Store) StatesByEmail(email string) ([]models.WorkflowState, error) {
	var states []models.WorkflowState
	result := s.db.Where("user_email = ?", email).Find(&states)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load workflow states for %s: %w", email, result.Error)
	}
	return states, nil
}

// ListStates returns workflow states, optionally filtered by status,
// newest first.
func (s *Store) ListStates(status string) ([]models.WorkflowState, error) {
	var states []models.WorkflowState
	query := s.db.Order("updated_at desc")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	result := query.Find(&states)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list workflow states: %w", result.Error)
	}
	return states, nil
}

// SaveProfile persists the extracted profile for a thread, replacing any
// previous extraction result.
func (s *Store) SaveProfile(profile models.ExtractedProfile) error {
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"major", "motivation", "activity_interest", "extracted_at"}),
	}).Create(&profile)
	if result.Error != nil {
		return fmt.Errorf("failed to save profile for thread %s: %w", profile.ThreadID, result.Error)
	}
	return nil
}

// GetProfile returns the extracted profile for a thread, or nil.
func (s *Store) GetProfile(threadID string) (*models.ExtractedProfile, error) {
	var profile models.ExtractedProfile
	result := s.db.Where("thread_id = ?", threadID).First(&profile)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get profile for thread %s: %w", threadID, result.Error)
	}
	return &profile, nil
}

// SeenNotification reports whether a notification id has already been
// recorded.
func (s *Store) SeenNotification(notificationID string) (bool, error) {
	var count int64
	result := s.db.Model(&models.ProcessedNotification{}).
		Where("notification_id = ?", notificationID).Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check notification %s: %w", notificationID, result.Error)
	}
	return count > 0, nil
}

// ObserveNotification records a notification id. Recording an already seen
// id is a no-op, not an error.
func (s *Store) ObserveNotification(notificationID string) error {
	record := models.ProcessedNotification{
		NotificationID: notificationID,
		ObservedAt:     time.Now(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "notification_id"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record notification %s: %w", notificationID, result.Error)
	}
	return nil
}

// PruneNotifications deletes notification records older than the cutoff.
// Delivery systems do not retry indefinitely, so old entries are dead weight.
func (s *Store) PruneNotifications(olderThan time.Time) (int64, error) {
	result := s.db.Where("observed_at < ?", olderThan).Delete(&models.ProcessedNotification{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune notifications: %w", result.Error)
	}
	return result.RowsAffected, nil
}
