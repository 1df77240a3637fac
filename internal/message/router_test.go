package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is an in-memory test implementation of Repository.
type MockRepository struct {
	mu       sync.Mutex
	messages map[string]*Message
	// For testing error paths
	appendErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{messages: make(map[string]*Message)}
}

func (m *MockRepository) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return m.appendErr
	}
	cpy := *msg
	m.messages[msg.ID] = &cpy
	return nil
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *msg
	return &cpy, nil
}

func (m *MockRepository) Transition(_ context.Context, id string, to Status, deliveredAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if !TransitionAllowed(msg.Status, to) {
		return ErrInvalidTransition
	}
	msg.Status = to
	if deliveredAt != nil {
		t := *deliveredAt
		msg.DeliveredAt = &t
	}
	return nil
}

func (m *MockRepository) ListByStatus(_ context.Context, status Status) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	for _, msg := range m.messages {
		if msg.Status == status {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *MockRepository) ExpireOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, msg := range m.messages {
		if !msg.Status.Terminal() && msg.CreatedAt.Before(cutoff) {
			msg.Status = StatusExpired
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MockRepository) CountByStatus(_ context.Context) (map[Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int64)
	for _, msg := range m.messages {
		counts[msg.Status]++
	}
	return counts, nil
}

func (m *MockRepository) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		return msg.Status
	}
	return ""
}

// mockDirectory knows a fixed set of device ids.
type mockDirectory struct {
	known map[string]bool
}

func (d *mockDirectory) Exists(_ context.Context, id string) (bool, error) {
	return d.known[id], nil
}

// mockSender scripts transport outcomes per destination.
type mockSender struct {
	mu       sync.Mutex
	outcomes map[string][]SendOutcome // consumed in order; last repeats
	sent     []string                 // message ids in send order
}

func newMockSender() *mockSender {
	return &mockSender{outcomes: make(map[string][]SendOutcome)}
}

func (s *mockSender) script(deviceID string, outcomes ...SendOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[deviceID] = outcomes
}

func (s *mockSender) Send(_ context.Context, deviceID string, msg *Message) SendOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, msg.ID)
	queue := s.outcomes[deviceID]
	if len(queue) == 0 {
		return OutcomeSessionClosed
	}
	outcome := queue[0]
	if len(queue) > 1 {
		s.outcomes[deviceID] = queue[1:]
	}
	return outcome
}

func (s *mockSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// mockPresence reports scripted liveness.
type mockPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *mockPresence) Online(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[deviceID]
}

func (p *mockPresence) set(deviceID string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online == nil {
		p.online = make(map[string]bool)
	}
	p.online[deviceID] = online
}

func testRouterConfig() Config {
	return Config{
		Workers:             2,
		RetryBudget:         3,
		RetryBackoff:        10 * time.Millisecond,
		AttemptTimeout:      time.Second,
		MaxResidency:        time.Hour,
		ExpirySweepInterval: time.Hour, // sweeps are driven manually in tests
	}
}

func startTestRouter(t *testing.T, repo Repository, sender Sender) (*Router, context.CancelFunc) {
	t.Helper()

	dir := &mockDirectory{known: map[string]bool{"valve-01": true, "sensor-01": true}}
	router := NewRouter(repo, dir, sender, testRouterConfig())

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)

	t.Cleanup(func() {
		cancel()
		router.Close()
		router.Wait()
	})

	return router, cancel
}

// waitForStatus polls until the message reaches the wanted status.
func waitForStatus(t *testing.T, repo *MockRepository, id string, want Status) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if repo.status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %s never reached %s (status %s)", id, want, repo.status(id))
}

func TestSubmitValidation(t *testing.T) {
	repo := NewMockRepository()
	dir := &mockDirectory{known: map[string]bool{"valve-01": true}}
	router := NewRouter(repo, dir, newMockSender(), testRouterConfig())
	ctx := context.Background()

	priority := func(p int) *int { return &p }

	tests := []struct {
		name    string
		sub     Submission
		wantErr error
	}{
		{
			name:    "empty source",
			sub:     Submission{Destination: "valve-01"},
			wantErr: ErrInvalidSource,
		},
		{
			name:    "unknown destination",
			sub:     Submission{Source: "sensor-01", Destination: "ghost"},
			wantErr: ErrUnknownDestination,
		},
		{
			name:    "invalid qos",
			sub:     Submission{Source: "sensor-01", Destination: "valve-01", QoS: 7},
			wantErr: ErrInvalidQoS,
		},
		{
			name:    "priority above scale",
			sub:     Submission{Source: "sensor-01", Destination: "valve-01", Priority: priority(12)},
			wantErr: ErrInvalidPriority,
		},
		{
			name:    "priority below scale",
			sub:     Submission{Source: "sensor-01", Destination: "valve-01", Priority: priority(-1)},
			wantErr: ErrInvalidPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.Submit(ctx, tt.sub)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Nothing invalid reaches the queue or the store.
	if n := router.queue.Len(); n != 0 {
		t.Errorf("queue holds %d messages after rejected submissions", n)
	}
}

func TestSubmitPersistsBeforeQueueing(t *testing.T) {
	repo := NewMockRepository()
	repo.appendErr = errors.New("store down")
	dir := &mockDirectory{known: map[string]bool{"valve-01": true}}
	router := NewRouter(repo, dir, newMockSender(), testRouterConfig())

	_, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01",
	})
	if err == nil {
		t.Fatal("Submit() should fail when the store is unavailable")
	}
	if n := router.queue.Len(); n != 0 {
		t.Errorf("queue holds %d messages after failed persistence", n)
	}
}

func TestDispatchDelivers(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	sender.script("valve-01", OutcomeDelivered)
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusDelivered)

	got, err := repo.GetByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.DeliveredAt == nil {
		t.Error("delivered_at not stamped")
	}
}

func TestFireAndForgetSettlesOnEnqueue(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	sender.script("valve-01", OutcomeEnqueued)
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSFireAndForget,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// An accepted write is terminal at this tier; no ack is waited for.
	waitForStatus(t, repo, msg.ID, StatusDelivered)

	if sent := sender.sentIDs(); len(sent) != 1 {
		t.Errorf("fire-and-forget made %d attempts, want 1", len(sent))
	}
}

func TestFireAndForgetOfflineFailsImmediately(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender() // unscripted destinations report SessionClosed
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSFireAndForget,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusFailed)

	if sent := sender.sentIDs(); len(sent) != 1 {
		t.Errorf("fire-and-forget made %d attempts, want 1", len(sent))
	}
}

func TestAtLeastOnceParksUntilReconnect(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// The destination is offline: the message parks as queued.
	deadline := time.Now().Add(2 * time.Second)
	for {
		router.parkedMu.Lock()
		parked := len(router.parked["valve-01"])
		router.parkedMu.Unlock()
		if parked == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never parked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := repo.status(msg.ID); got != StatusQueued {
		t.Fatalf("parked status = %s, want queued", got)
	}

	// Reconnect: the online hook requeues and the message delivers
	// without resubmission.
	sender.script("valve-01", OutcomeDelivered)
	router.RequeueFor("valve-01")

	waitForStatus(t, repo, msg.ID, StatusDelivered)
}

func TestTransientFailureRetriesWithinBudget(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	sender.script("valve-01", OutcomeCongested, OutcomeFailed, OutcomeDelivered)
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusDelivered)

	if sent := sender.sentIDs(); len(sent) != 3 {
		t.Errorf("made %d attempts, want 3", len(sent))
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	sender.script("valve-01", OutcomeFailed) // last outcome repeats
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusFailed)

	if sent := sender.sentIDs(); len(sent) != testRouterConfig().RetryBudget {
		t.Errorf("made %d attempts, want %d", len(sent), testRouterConfig().RetryBudget)
	}
}

func TestExpiryIsFinal(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	router, _ := startTestRouter(t, repo, sender)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// Park it, then age it past the residency horizon.
	deadline := time.Now().Add(2 * time.Second)
	for repo.status(msg.ID) != StatusQueued || router.queue.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never parked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	repo.mu.Lock()
	repo.messages[msg.ID].CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	repo.mu.Unlock()

	router.sweepExpired(context.Background())

	if got := repo.status(msg.ID); got != StatusExpired {
		t.Fatalf("status = %s, want expired", got)
	}

	// A later reconnect must never deliver an expired message.
	sender.script("valve-01", OutcomeDelivered)
	router.RequeueFor("valve-01")
	time.Sleep(50 * time.Millisecond)

	if got := repo.status(msg.ID); got != StatusExpired {
		t.Errorf("status = %s after reconnect, want expired", got)
	}
	if sent := sender.sentIDs(); len(sent) != 1 {
		t.Errorf("expired message reached the transport; sends = %v", sent)
	}
}

func TestPlatformDestination(t *testing.T) {
	repo := NewMockRepository()
	router, _ := startTestRouter(t, repo, newMockSender())

	var mu sync.Mutex
	var consumed []string
	router.SetPlatformSink(platformSinkFunc(func(_ context.Context, msg *Message) error {
		mu.Lock()
		consumed = append(consumed, msg.ID)
		mu.Unlock()
		return nil
	}))

	msg, err := router.Submit(context.Background(), Submission{
		Source:      "sensor-01",
		Destination: PlatformDestination,
		Payload:     Payload{"temperature": 21.5},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusDelivered)

	mu.Lock()
	defer mu.Unlock()
	if len(consumed) != 1 || consumed[0] != msg.ID {
		t.Errorf("sink consumed %v, want [%s]", consumed, msg.ID)
	}
}

// platformSinkFunc adapts a function to the PlatformSink interface.
type platformSinkFunc func(ctx context.Context, msg *Message) error

func (f platformSinkFunc) Consume(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

func TestRecoverRequeuesUndelivered(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()

	// State left by an abrupt restart: one in-flight, one queued.
	inflight := testMessage("msg-inflight")
	inflight.Status = StatusRouting
	if err := repo.Append(ctx, inflight); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	queued := testMessage("msg-queued")
	if err := repo.Append(ctx, queued); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	done := testMessage("msg-done")
	done.Status = StatusDelivered
	if err := repo.Append(ctx, done); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	sender := newMockSender()
	sender.script("valve-01", OutcomeDelivered)
	dir := &mockDirectory{known: map[string]bool{"valve-01": true}}
	router := NewRouter(repo, dir, sender, testRouterConfig())

	if err := router.Recover(ctx); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if n := router.queue.Len(); n != 2 {
		t.Fatalf("queue holds %d messages after recovery, want 2", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	router.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		router.Close()
		router.Wait()
	})

	waitForStatus(t, repo, "msg-inflight", StatusDelivered)
	waitForStatus(t, repo, "msg-queued", StatusDelivered)

	if got := repo.status("msg-done"); got != StatusDelivered {
		t.Errorf("terminal message disturbed by recovery: %s", got)
	}
}

func TestParkPresenceRecheck(t *testing.T) {
	repo := NewMockRepository()
	sender := newMockSender()
	router, _ := startTestRouter(t, repo, sender)

	presence := &mockPresence{}
	router.SetPresence(presence)

	// Destination flips online before the park completes; the first
	// attempt still sees a closed session, but the re-check requeues
	// and the second attempt delivers.
	presence.set("valve-01", true)
	sender.script("valve-01", OutcomeSessionClosed, OutcomeDelivered)

	msg, err := router.Submit(context.Background(), Submission{
		Source: "sensor-01", Destination: "valve-01", QoS: QoSAtLeastOnce,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	waitForStatus(t, repo, msg.ID, StatusDelivered)
}
