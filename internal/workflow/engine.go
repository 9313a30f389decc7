// Package workflow contains the conversation state machine. The engine
// consumes inbound messages, decides the next action (reply, extract,
// complete, fail), invokes the composer and extractor, and keeps both the
// message log and the per-thread state durable. Processing of a given thread
// is serialized; everything else runs concurrently.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"onboard-mail-agent/internal/config"
	"onboard-mail-agent/internal/extract"
	"onboard-mail-agent/internal/mailer"
	"onboard-mail-agent/internal/metrics"
	"onboard-mail-agent/internal/models"
)

const welcomeSubject = "Welcome to RAID!"

// Store is the durable record the engine writes through. Implemented by
// internal/store.
type Store interface {
	AppendMessage(msg models.Message) (bool, error)
	ListThread(threadID string) ([]models.Message, error)
	UpsertParticipant(email, name string) error
	GetParticipant(email string) (*models.Participant, error)
	SaveState(state models.WorkflowState) error
	LoadState(threadID string) (*models.WorkflowState, error)
	StatesByEmail(email string) ([]models.WorkflowState, error)
	SaveProfile(profile models.ExtractedProfile) error
}

// Composer drafts outbound Markdown bodies from the transcript.
type Composer interface {
	Welcome(ctx context.Context, name, email string) (string, error)
	Reply(ctx context.Context, transcript []models.Message, step int, name, email string) (string, error)
	Farewell(ctx context.Context, transcript []models.Message, name, email string) (string, error)
}

// Extractor pulls the structured profile out of a finished transcript.
type Extractor interface {
	Extract(ctx context.Context, transcript []models.Message) (extract.Profile, error)
}

// Mailer delivers outbound messages.
type Mailer interface {
	SendInitial(ctx context.Context, recipient, subject, markdownBody string) (mailer.SendResult, error)
	SendReply(ctx context.Context, threadID, markdownBody string) (mailer.SendResult, error)
}

// Engine is the conversation workflow engine.
type Engine struct {
	cfg            *config.WorkflowConfig
	store          Store
	composer       Composer
	extractor      Extractor
	mailer         Mailer
	metrics        *metrics.Metrics
	mailboxAddress string

	retryBackoff time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates the engine. mailboxAddress is the managed account's own
// address, used to filter self-sent messages.
func NewEngine(cfg *config.WorkflowConfig, store Store, composer Composer, extractor Extractor, m Mailer, met *metrics.Metrics, mailboxAddress string) *Engine {
	return &Engine{
		cfg:            cfg,
		store:          store,
		composer:       composer,
		extractor:      extractor,
		mailer:         m,
		metrics:        met,
		mailboxAddress: strings.ToLower(mailboxAddress),
		retryBackoff:   time.Second,
		locks:          make(map[string]*sync.Mutex),
	}
}

// lock serializes work keyed by thread id (state transitions) or recipient
// email (initiation). Work on distinct keys proceeds in parallel.
func (e *Engine) lock(key string) func() {
	e.mu.Lock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// dropLock removes a key's lock entry. Called once a thread is terminal:
// terminal threads never advance again, so keeping their entries would only
// grow the map. A late duplicate racing the removal is harmless because
// terminal-thread handling is append-only and idempotent.
func (e *Engine) dropLock(key string) {
	e.mu.Lock()
	delete(e.locks, key)
	e.mu.Unlock()
}

// Initiate starts a conversation with a recipient: compose the welcome
// message, send it, and record the new thread at step 0 awaiting a reply.
// When the recipient already has a live or completed thread no new one is
// opened and the existing state is returned with created=false.
func (e *Engine) Initiate(ctx context.Context, recipient models.Recipient) (*models.WorkflowState, bool, error) {
	email := strings.ToLower(strings.TrimSpace(recipient.Email))
	if email == "" {
		return nil, false, fmt.Errorf("recipient email is required")
	}

	// Serialize per recipient so concurrent initiation requests for the
	// same address cannot both pass the existing-thread check and
	// double-send the welcome.
	unlock := e.lock(email)
	defer unlock()

	existing, err := e.store.StatesByEmail(email)
	if err != nil {
		return nil, false, &StoreError{Err: err}
	}
	for i := range existing {
		if existing[i].Status != models.StatusFailed {
			return &existing[i], false, nil
		}
	}

	body, err := e.retryCompose(ctx, "compose", func() (string, error) {
		return e.composer.Welcome(ctx, recipient.Name, email)
	})
	if err != nil {
		return nil, false, &AdapterError{Op: "compose", Err: err}
	}

	result, err := e.retrySend(ctx, func() (mailer.SendResult, error) {
		return e.mailer.SendInitial(ctx, email, welcomeSubject, body)
	})
	if err != nil {
		e.metrics.SendFailures.Inc()
		return nil, false, &SendError{Err: err}
	}

	if err := e.store.UpsertParticipant(email, recipient.Name); err != nil {
		return nil, false, &StoreError{Err: err}
	}

	if _, err := e.store.AppendMessage(models.Message{
		MessageID: result.MessageID,
		ThreadID:  result.ThreadID,
		UserEmail: email,
		Sender:    models.SenderAgent,
		Body:      body,
		Subject:   welcomeSubject,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, false, &StoreError{Err: err}
	}

	state := models.WorkflowState{
		ThreadID:  result.ThreadID,
		UserEmail: email,
		Step:      0,
		Status:    models.StatusAwaitingReply,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveState(state); err != nil {
		return nil, false, &StoreError{Err: err}
	}

	e.metrics.ConversationsStarted.Inc()
	e.metrics.ActiveThreads.Inc()
	logrus.Infof("Conversation started with %s, thread %s", email, result.ThreadID)
	return &state, true, nil
}

// HandleInbound applies one inbound message to its thread's state machine.
// Redelivered messages are detected through the message-id idempotency of
// the store and acknowledged without further action. The returned error is
// nil once the notification is fully handled, including the case where
// handling moved the thread to FAILED; Retryable reports whether the caller
// should leave the notification unacknowledged.
func (e *Engine) HandleInbound(ctx context.Context, email *models.InboundEmail) error {
	if email.ThreadID == "" || email.MessageID == "" {
		return fmt.Errorf("inbound message missing thread or message id")
	}

	start := time.Now()
	defer func() {
		e.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}()

	unlock := e.lock(email.ThreadID)
	defer unlock()

	state, err := e.store.LoadState(email.ThreadID)
	if err != nil {
		return &StoreError{Err: err}
	}
	if state == nil {
		state, err = e.handleUnknownThread(email)
		if err != nil || state == nil {
			return err
		}
	}
	defer func() {
		if state.Terminal() {
			e.dropLock(email.ThreadID)
		}
	}()

	from := strings.ToLower(email.From)

	// The mailbox's own messages surface through notifications too. Record
	// them for transcript completeness, never react to them.
	if strings.Contains(from, e.mailboxAddress) {
		if _, err := e.store.AppendMessage(models.Message{
			MessageID: email.MessageID,
			ThreadID:  email.ThreadID,
			UserEmail: state.UserEmail,
			Sender:    models.SenderAgent,
			Body:      email.Body,
			Subject:   email.Subject,
			Timestamp: email.Received,
		}); err != nil {
			return &StoreError{Err: err}
		}
		return nil
	}

	inserted, err := e.store.AppendMessage(models.Message{
		MessageID: email.MessageID,
		ThreadID:  email.ThreadID,
		UserEmail: state.UserEmail,
		Sender:    models.SenderUser,
		Body:      email.Body,
		Subject:   email.Subject,
		Timestamp: email.Received,
	})
	if err != nil {
		return &StoreError{Err: err}
	}
	if !inserted {
		logrus.Debugf("Message %s already recorded, ignoring redelivery", email.MessageID)
		return nil
	}

	if state.Terminal() {
		logrus.Debugf("Thread %s is %s, message recorded without advancing", email.ThreadID, state.Status)
		return nil
	}

	if strings.Contains(from, "noreply") {
		logrus.Debugf("Ignoring noreply sender %s in thread %s", email.From, email.ThreadID)
		return nil
	}

	name := email.FromName
	if name == "" {
		if p, err := e.store.GetParticipant(state.UserEmail); err == nil && p != nil {
			name = p.Name
		}
	}
	if err := e.store.UpsertParticipant(state.UserEmail, name); err != nil {
		return &StoreError{Err: err}
	}

	// AWAITING_REPLY -> ACTIVE: the inbound message is durable, advance the
	// step before any external call so a crash never replays a half-applied
	// transition.
	state.Step++
	state.Status = models.StatusActive
	if err := e.store.SaveState(*state); err != nil {
		return &StoreError{Err: err}
	}

	if state.Step < e.cfg.ExchangeLimit {
		return e.sendFollowUp(ctx, state, name)
	}
	return e.runExtraction(ctx, state, name)
}

// Resume restarts a FAILED thread, the external intervention required by the
// state machine. At the exchange limit it re-runs extraction; below it the
// thread goes back to awaiting the participant's next message.
func (e *Engine) Resume(ctx context.Context, threadID string) (*models.WorkflowState, error) {
	unlock := e.lock(threadID)
	defer unlock()

	state, err := e.store.LoadState(threadID)
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	if state == nil {
		return nil, ErrUnknownThread
	}
	if state.Status != models.StatusFailed {
		return nil, ErrThreadNotFailed
	}
	defer func() {
		if state.Terminal() {
			e.dropLock(threadID)
		}
	}()

	state.FailureReason = ""
	e.metrics.ActiveThreads.Inc()

	var name string
	if p, err := e.store.GetParticipant(state.UserEmail); err == nil && p != nil {
		name = p.Name
	}

	if state.Step >= e.cfg.ExchangeLimit {
		if err := e.runExtraction(ctx, state, name); err != nil {
			return nil, err
		}
	} else {
		state.Status = models.StatusAwaitingReply
		if err := e.store.SaveState(*state); err != nil {
			return nil, &StoreError{Err: err}
		}
	}

	return e.store.LoadState(threadID)
}

// handleUnknownThread applies the configured policy for notifications that
// reference a thread the engine never initiated. Returns a nil state when
// the message should be dropped.
func (e *Engine) handleUnknownThread(email *models.InboundEmail) (*models.WorkflowState, error) {
	if e.cfg.UnknownThread != "bootstrap" {
		logrus.Warnf("Dropping message %s for unknown thread %s from %s",
			email.MessageID, email.ThreadID, email.From)
		return nil, nil
	}

	from := strings.ToLower(email.From)
	if strings.Contains(from, e.mailboxAddress) || strings.Contains(from, "noreply") {
		return nil, nil
	}

	logrus.Infof("Bootstrapping thread %s for %s", email.ThreadID, email.From)
	if err := e.store.UpsertParticipant(from, email.FromName); err != nil {
		return nil, &StoreError{Err: err}
	}
	state := models.WorkflowState{
		ThreadID:  email.ThreadID,
		UserEmail: from,
		Step:      0,
		Status:    models.StatusAwaitingReply,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveState(state); err != nil {
		return nil, &StoreError{Err: err}
	}
	e.metrics.ActiveThreads.Inc()
	return &state, nil
}

// sendFollowUp handles ACTIVE below the exchange limit: draft the next
// reply from the full transcript, send it, record it, and await the next
// inbound message.
func (e *Engine) sendFollowUp(ctx context.Context, state *models.WorkflowState, name string) error {
	transcript, err := e.store.ListThread(state.ThreadID)
	if err != nil {
		return &StoreError{Err: err}
	}

	body, err := e.retryCompose(ctx, "compose", func() (string, error) {
		return e.composer.Reply(ctx, transcript, state.Step, name, state.UserEmail)
	})
	if err != nil {
		return e.failThread(state, fmt.Sprintf("compose failed: %v", err))
	}

	result, err := e.retrySend(ctx, func() (mailer.SendResult, error) {
		return e.mailer.SendReply(ctx, state.ThreadID, body)
	})
	if err != nil {
		e.metrics.SendFailures.Inc()
		return e.failThread(state, fmt.Sprintf("send failed: %v", err))
	}

	if _, err := e.store.AppendMessage(models.Message{
		MessageID: result.MessageID,
		ThreadID:  state.ThreadID,
		UserEmail: state.UserEmail,
		Sender:    models.SenderAgent,
		Body:      body,
		Timestamp: time.Now(),
	}); err != nil {
		return &StoreError{Err: err}
	}

	state.Status = models.StatusAwaitingReply
	if err := e.store.SaveState(*state); err != nil {
		return &StoreError{Err: err}
	}

	e.metrics.RepliesSent.Inc()
	logrus.Infof("Follow-up %d sent in thread %s", state.Step, state.ThreadID)
	return nil
}

// runExtraction handles reaching the exchange limit: extract the profile
// from the transcript, persist it, send the farewell, and complete the
// thread. Exhausting the retry budget fails the thread.
func (e *Engine) runExtraction(ctx context.Context, state *models.WorkflowState, name string) error {
	state.Status = models.StatusExtracting
	if err := e.store.SaveState(*state); err != nil {
		return &StoreError{Err: err}
	}

	transcript, err := e.store.ListThread(state.ThreadID)
	if err != nil {
		return &StoreError{Err: err}
	}

	var profile extract.Profile
	profile, err = e.retryExtract(ctx, func() (extract.Profile, error) {
		return e.extractor.Extract(ctx, transcript)
	})
	if err != nil {
		e.metrics.ExtractionFailures.Inc()
		return e.failThread(state, fmt.Sprintf("extraction failed: %v", err))
	}

	if err := e.store.SaveProfile(models.ExtractedProfile{
		ThreadID:         state.ThreadID,
		Major:            profile.Major,
		Motivation:       profile.Motivation,
		ActivityInterest: profile.ActivityInterest,
		ExtractedAt:      time.Now(),
	}); err != nil {
		return &StoreError{Err: err}
	}
	e.metrics.ExtractionSuccesses.Inc()

	// The farewell is a courtesy: the profile is already durable, so a
	// failed send is logged rather than failing the thread.
	e.sendFarewell(ctx, state, transcript, name)

	state.Status = models.StatusCompleted
	if err := e.store.SaveState(*state); err != nil {
		return &StoreError{Err: err}
	}
	e.metrics.ActiveThreads.Dec()
	logrus.Infof("Conversation completed for thread %s", state.ThreadID)
	return nil
}

func (e *Engine) sendFarewell(ctx context.Context, state *models.WorkflowState, transcript []models.Message, name string) {
	body, err := e.retryCompose(ctx, "compose", func() (string, error) {
		return e.composer.Farewell(ctx, transcript, name, state.UserEmail)
	})
	if err != nil {
		logrus.Errorf("Failed to draft farewell for thread %s: %v", state.ThreadID, err)
		return
	}

	result, err := e.retrySend(ctx, func() (mailer.SendResult, error) {
		return e.mailer.SendReply(ctx, state.ThreadID, body)
	})
	if err != nil {
		e.metrics.SendFailures.Inc()
		logrus.Errorf("Failed to send farewell for thread %s: %v", state.ThreadID, err)
		return
	}

	if _, err := e.store.AppendMessage(models.Message{
		MessageID: result.MessageID,
		ThreadID:  state.ThreadID,
		UserEmail: state.UserEmail,
		Sender:    models.SenderAgent,
		Body:      body,
		Timestamp: time.Now(),
	}); err != nil {
		logrus.Errorf("Failed to record farewell for thread %s: %v", state.ThreadID, err)
	}
	e.metrics.RepliesSent.Inc()
}

// failThread records an unrecoverable failure. The notification itself is
// considered handled; redelivery cannot resurrect a FAILED thread.
func (e *Engine) failThread(state *models.WorkflowState, reason string) error {
	state.Status = models.StatusFailed
	state.FailureReason = reason
	if err := e.store.SaveState(*state); err != nil {
		return &StoreError{Err: err}
	}
	e.metrics.ThreadsFailed.Inc()
	e.metrics.ActiveThreads.Dec()
	logrus.Errorf("Thread %s failed: %s", state.ThreadID, reason)
	return nil
}

// retryCompose runs an adapter call with the bounded retry budget and
// exponential backoff.
func (e *Engine) retryCompose(ctx context.Context, op string, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		logrus.Warnf("%s attempt %d/%d failed: %v", op, attempt+1, e.cfg.MaxRetries+1, err)
	}
	return "", lastErr
}

func (e *Engine) retryExtract(ctx context.Context, fn func() (extract.Profile, error)) (extract.Profile, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return extract.Profile{}, err
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		logrus.Warnf("extract attempt %d/%d failed: %v", attempt+1, e.cfg.MaxRetries+1, err)
	}
	return extract.Profile{}, lastErr
}

func (e *Engine) retrySend(ctx context.Context, fn func() (mailer.SendResult, error)) (mailer.SendResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return mailer.SendResult{}, err
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		logrus.Warnf("send attempt %d/%d failed: %v", attempt+1, e.cfg.MaxRetries+1, err)
	}
	return mailer.SendResult{}, lastErr
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	wait := e.retryBackoff * time.Duration(1<<(attempt-1))
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(wait):
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
