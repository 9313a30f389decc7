package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboard-mail-agent/internal/config"
	"onboard-mail-agent/internal/extract"
	"onboard-mail-agent/internal/mailer"
	"onboard-mail-agent/internal/metrics"
	"onboard-mail-agent/internal/models"
)

const testMailbox = "rafael@raidclub.org"

// Prometheus collectors register globally, so the metrics struct is built
// once for the whole test binary.
var testMetrics = metrics.NewMetrics()

// memStore is an in-memory Store. It is safe for concurrent use so the
// serialization guarantees of the engine itself can be exercised.
type memStore struct {
	mu           sync.Mutex
	messages     map[string]models.Message
	order        []string
	states       map[string]models.WorkflowState
	participants map[string]string
	profiles     map[string]models.ExtractedProfile

	saveStateErr error
	appendErr    error
}

func newMemStore() *memStore {
	return &memStore{
		messages:     make(map[string]models.Message),
		states:       make(map[string]models.WorkflowState),
		participants: make(map[string]string),
		profiles:     make(map[string]models.ExtractedProfile),
	}
}

func (s *memStore) AppendMessage(msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return false, s.appendErr
	}
	if _, ok := s.messages[msg.MessageID]; ok {
		return false, nil
	}
	s.messages[msg.MessageID] = msg
	s.order = append(s.order, msg.MessageID)
	return true, nil
}

func (s *memStore) ListThread(threadID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, id := range s.order {
		if s.messages[id].ThreadID == threadID {
			out = append(out, s.messages[id])
		}
	}
	return out, nil
}

func (s *memStore) UpsertParticipant(email, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[email] = name
	return nil
}

func (s *memStore) GetParticipant(email string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.participants[email]
	if !ok {
		return nil, nil
	}
	return &models.Participant{Email: email, Name: name}, nil
}

func (s *memStore) SaveState(state models.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveStateErr != nil {
		return s.saveStateErr
	}
	state.UpdatedAt = time.Now()
	s.states[state.ThreadID] = state
	return nil
}

func (s *memStore) LoadState(threadID string) (*models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[threadID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *memStore) StatesByEmail(email string) ([]models.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WorkflowState
	for _, state := range s.states {
		if state.UserEmail == email {
			out = append(out, state)
		}
	}
	return out, nil
}

func (s *memStore) SaveProfile(profile models.ExtractedProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ThreadID] = profile
	return nil
}

func (s *memStore) userMessageCount(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.messages {
		if msg.ThreadID == threadID && msg.Sender == models.SenderUser {
			n++
		}
	}
	return n
}

type fakeComposer struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (c *fakeComposer) next(kind string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failures > 0 {
		c.failures--
		return "", fmt.Errorf("draft service unavailable")
	}
	return "Hi there!\n\nThis is a " + kind + " message from Rafael.", nil
}

func (c *fakeComposer) Welcome(ctx context.Context, name, email string) (string, error) {
	return c.next("welcome")
}

func (c *fakeComposer) Reply(ctx context.Context, transcript []models.Message, step int, name, email string) (string, error) {
	return c.next(fmt.Sprintf("step %d", step))
}

func (c *fakeComposer) Farewell(ctx context.Context, transcript []models.Message, name, email string) (string, error) {
	return c.next("farewell")
}

type fakeExtractor struct {
	mu       sync.Mutex
	calls    int
	failures int
	profile  extract.Profile
}

func (e *fakeExtractor) Extract(ctx context.Context, transcript []models.Message) (extract.Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		return extract.Profile{}, fmt.Errorf("malformed extraction response")
	}
	return e.profile, nil
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     int
	failures int
}

func (m *fakeMailer) send(threadID string) (mailer.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return mailer.SendResult{}, fmt.Errorf("quota exceeded")
	}
	m.sent++
	return mailer.SendResult{
		ThreadID:  threadID,
		MessageID: fmt.Sprintf("agent-msg-%d", m.sent),
	}, nil
}

func (m *fakeMailer) SendInitial(ctx context.Context, recipient, subject, markdownBody string) (mailer.SendResult, error) {
	return m.send("thread-" + recipient)
}

func (m *fakeMailer) SendReply(ctx context.Context, threadID, markdownBody string) (mailer.SendResult, error) {
	return m.send(threadID)
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type testEnv struct {
	engine    *Engine
	store     *memStore
	composer  *fakeComposer
	extractor *fakeExtractor
	mailer    *fakeMailer
}

func newTestEnv() *testEnv {
	cfg := &config.WorkflowConfig{
		ExchangeLimit: 3,
		MaxRetries:    2,
		UnknownThread: "drop",
	}
	st := newMemStore()
	comp := &fakeComposer{}
	ext := &fakeExtractor{profile: extract.Profile{
		Major:            "Computer Science",
		Motivation:       "meet people building agents",
		ActivityInterest: "hack nights",
	}}
	ml := &fakeMailer{}
	engine := NewEngine(cfg, st, comp, ext, ml, testMetrics, testMailbox)
	engine.retryBackoff = 0
	return &testEnv{engine: engine, store: st, composer: comp, extractor: ext, mailer: ml}
}

func (env *testEnv) seedThread(threadID, email string, step int, status string) {
	env.store.states[threadID] = models.WorkflowState{
		ThreadID:  threadID,
		UserEmail: email,
		Step:      step,
		Status:    status,
		CreatedAt: time.Now(),
	}
	env.store.participants[email] = "Jane Smith"
}

func inbound(threadID, messageID, from, body string) *models.InboundEmail {
	return &models.InboundEmail{
		MessageID: messageID,
		ThreadID:  threadID,
		From:      from,
		FromName:  "Jane Smith",
		To:        []string{testMailbox},
		Subject:   "Re: Welcome to RAID!",
		Body:      body,
		Received:  time.Now(),
	}
}

func TestInitiateStartsConversation(t *testing.T) {
	env := newTestEnv()

	state, created, err := env.engine.Initiate(context.Background(), models.Recipient{
		Name:  "Jane Smith",
		Email: "jane.smith@example.com",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Equal(t, "jane.smith@example.com", state.UserEmail)
	assert.Equal(t, 1, env.mailer.sentCount())

	transcript, err := env.store.ListThread(state.ThreadID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, models.SenderAgent, transcript[0].Sender)
	assert.Equal(t, "Welcome to RAID!", transcript[0].Subject)

	// Initiating again for the same address must not open a second thread.
	again, created, err := env.engine.Initiate(context.Background(), models.Recipient{
		Name:  "Jane Smith",
		Email: "Jane.Smith@Example.com",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, state.ThreadID, again.ThreadID)
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestInitiateRequiresEmail(t *testing.T) {
	env := newTestEnv()

	_, _, err := env.engine.Initiate(context.Background(), models.Recipient{Name: "No Address"})
	assert.Error(t, err)
	assert.Equal(t, 0, env.mailer.sentCount())
}

func TestInitiateRetriesAfterFailedThread(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t-failed", "jane.smith@example.com", 1, models.StatusFailed)

	state, created, err := env.engine.Initiate(context.Background(), models.Recipient{
		Name:  "Jane Smith",
		Email: "jane.smith@example.com",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "t-failed", state.ThreadID)
}

func TestHandleInboundAdvancesStep(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m1", "jane.smith@example.com", "I'm studying Computer Science and love robotics."))
	require.NoError(t, err)

	state, err := env.store.LoadState("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Equal(t, 1, env.mailer.sentCount())

	transcript, err := env.store.ListThread("t1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, models.SenderUser, transcript[0].Sender)
	assert.Equal(t, models.SenderAgent, transcript[1].Sender)
}

func TestHandleInboundDuplicateDelivery(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	msg := inbound("t1", "m1", "jane.smith@example.com", "Hello!")
	require.NoError(t, env.engine.HandleInbound(context.Background(), msg))
	require.NoError(t, env.engine.HandleInbound(context.Background(), msg))

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, 1, env.store.userMessageCount("t1"))
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestHandleInboundSelfMessage(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m-self", testMailbox, "Copy of our own outbound message."))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Equal(t, 0, env.mailer.sentCount())

	transcript, _ := env.store.ListThread("t1")
	require.Len(t, transcript, 1)
	assert.Equal(t, models.SenderAgent, transcript[0].Sender)
}

func TestHandleInboundNoreplySender(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m-auto", "noreply@mailer.example.com", "Out of office."))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 0, state.Step)
	assert.Equal(t, 0, env.mailer.sentCount())
}

func TestHandleInboundTerminalThread(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 3, models.StatusCompleted)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m-late", "jane.smith@example.com", "Thanks again!"))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 3, state.Step)
	assert.Equal(t, 0, env.mailer.sentCount())
	// The late message is still recorded in the transcript.
	assert.Equal(t, 1, env.store.userMessageCount("t1"))
}

func TestExchangeLimitTriggersExtraction(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 2, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m3", "jane.smith@example.com", "Mostly hack nights, honestly."))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 3, state.Step)
	assert.Equal(t, models.StatusCompleted, state.Status)

	profile, ok := env.store.profiles["t1"]
	require.True(t, ok)
	assert.Equal(t, "Computer Science", profile.Major)
	assert.Equal(t, 1, env.extractor.calls)
	// The farewell message went out and was recorded.
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestStepNeverExceedsLimit(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	for i := 0; i < 6; i++ {
		msg := inbound("t1", fmt.Sprintf("m%d", i), "jane.smith@example.com", "Another reply.")
		require.NoError(t, env.engine.HandleInbound(context.Background(), msg))
	}

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 3, state.Step)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 1, env.extractor.calls)
}

func TestExtractionRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv()
	env.extractor.failures = 2
	env.seedThread("t1", "jane.smith@example.com", 2, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m3", "jane.smith@example.com", "Final reply."))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 3, env.extractor.calls)
}

func TestExtractionExhaustionFailsThread(t *testing.T) {
	env := newTestEnv()
	env.extractor.failures = 10
	env.seedThread("t1", "jane.smith@example.com", 2, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m3", "jane.smith@example.com", "Final reply."))
	require.NoError(t, err)
	assert.False(t, Retryable(err))

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Contains(t, state.FailureReason, "extraction failed")
	_, ok := env.store.profiles["t1"]
	assert.False(t, ok)
}

func TestComposeExhaustionFailsThread(t *testing.T) {
	env := newTestEnv()
	env.composer.failures = 10
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m1", "jane.smith@example.com", "Hi!"))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.Contains(t, state.FailureReason, "compose failed")
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv()
	env.mailer.failures = 2
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m1", "jane.smith@example.com", "Hi!"))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestStoreFailureIsRetryable(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)
	env.store.saveStateErr = fmt.Errorf("connection reset")

	err := env.engine.HandleInbound(context.Background(),
		inbound("t1", "m1", "jane.smith@example.com", "Hi!"))
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestUnknownThreadDropped(t *testing.T) {
	env := newTestEnv()

	err := env.engine.HandleInbound(context.Background(),
		inbound("t-stranger", "m1", "stranger@example.com", "Who is this?"))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t-stranger")
	assert.Nil(t, state)
	assert.Equal(t, 0, env.mailer.sentCount())
}

func TestUnknownThreadBootstrapped(t *testing.T) {
	env := newTestEnv()
	env.engine.cfg.UnknownThread = "bootstrap"

	err := env.engine.HandleInbound(context.Background(),
		inbound("t-new", "m1", "stranger@example.com", "Hi, I heard about the club."))
	require.NoError(t, err)

	state, _ := env.store.LoadState("t-new")
	require.NotNil(t, state)
	assert.Equal(t, "stranger@example.com", state.UserEmail)
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestResumeFailedThread(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 1, models.StatusFailed)

	state, err := env.engine.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingReply, state.Status)
	assert.Empty(t, state.FailureReason)
}

func TestResumeFailedThreadAtLimit(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 3, models.StatusFailed)

	state, err := env.engine.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, 1, env.extractor.calls)
}

func TestResumeRejectsNonFailedThread(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 1, models.StatusAwaitingReply)

	_, err := env.engine.Resume(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrThreadNotFailed)

	_, err = env.engine.Resume(context.Background(), "t-missing")
	assert.ErrorIs(t, err, ErrUnknownThread)
}

func TestConcurrentInitiateSendsOneWelcome(t *testing.T) {
	env := newTestEnv()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := env.engine.Initiate(context.Background(), models.Recipient{
				Name:  "Jane Smith",
				Email: "jane.smith@example.com",
			})
			if err != nil {
				t.Errorf("Initiate failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount, "exactly one request opens the thread")
	assert.Equal(t, 1, env.mailer.sentCount(), "the welcome must not be double-sent")
}

func TestTerminalThreadReleasesLock(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 2, models.StatusAwaitingReply)

	require.NoError(t, env.engine.HandleInbound(context.Background(),
		inbound("t1", "m3", "jane.smith@example.com", "Final reply.")))

	state, _ := env.store.LoadState("t1")
	require.Equal(t, models.StatusCompleted, state.Status)

	env.engine.mu.Lock()
	_, held := env.engine.locks["t1"]
	env.engine.mu.Unlock()
	assert.False(t, held, "completed threads must not pin a lock entry")
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	env := newTestEnv()
	env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)

	msg := inbound("t1", "m1", "jane.smith@example.com", "Hello!")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.engine.HandleInbound(context.Background(), msg); err != nil {
				t.Errorf("HandleInbound failed: %v", err)
			}
		}()
	}
	wg.Wait()

	state, _ := env.store.LoadState("t1")
	assert.Equal(t, 1, state.Step)
	assert.Equal(t, 1, env.store.userMessageCount("t1"))
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestReplayFromEmptyStoreIsDeterministic(t *testing.T) {
	log := []*models.InboundEmail{
		inbound("t1", "m1", "jane.smith@example.com", "I'm studying Computer Science."),
		inbound("t1", "m2", "jane.smith@example.com", "I joined to meet people building agents."),
		inbound("t1", "m2", "jane.smith@example.com", "I joined to meet people building agents."),
		inbound("t1", "m3", "jane.smith@example.com", "Mostly hack nights."),
		inbound("t1", "m1", "jane.smith@example.com", "I'm studying Computer Science."),
	}

	run := func() (*models.WorkflowState, models.ExtractedProfile, int) {
		env := newTestEnv()
		env.seedThread("t1", "jane.smith@example.com", 0, models.StatusAwaitingReply)
		for _, msg := range log {
			require.NoError(t, env.engine.HandleInbound(context.Background(), msg))
		}
		state, err := env.store.LoadState("t1")
		require.NoError(t, err)
		return state, env.store.profiles["t1"], env.store.userMessageCount("t1")
	}

	firstState, firstProfile, firstCount := run()
	secondState, secondProfile, secondCount := run()

	assert.Equal(t, firstState.Step, secondState.Step)
	assert.Equal(t, firstState.Status, secondState.Status)
	assert.Equal(t, models.StatusCompleted, firstState.Status)
	assert.Equal(t, firstProfile.Major, secondProfile.Major)
	assert.Equal(t, firstCount, secondCount)
	assert.Equal(t, 3, firstCount)
}

func TestConcurrentThreadsProgressIndependently(t *testing.T) {
	env := newTestEnv()
	for i := 0; i < 4; i++ {
		threadID := fmt.Sprintf("t%d", i)
		email := fmt.Sprintf("member%d@example.com", i)
		env.seedThread(threadID, email, 0, models.StatusAwaitingReply)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			threadID := fmt.Sprintf("t%d", i)
			email := fmt.Sprintf("member%d@example.com", i)
			msg := inbound(threadID, fmt.Sprintf("m-%d", i), email, "A reply.")
			if err := env.engine.HandleInbound(context.Background(), msg); err != nil {
				t.Errorf("HandleInbound failed for %s: %v", threadID, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		state, _ := env.store.LoadState(fmt.Sprintf("t%d", i))
		require.NotNil(t, state)
		assert.Equal(t, 1, state.Step)
		assert.Equal(t, models.StatusAwaitingReply, state.Status)
	}
}
