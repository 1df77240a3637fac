package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics defines the instrumentation hooks used by the Router.
type Metrics interface {
	RecordSubmitted(qos QoS)
	RecordStatus(status Status)
	RecordDeliveryAttempt(outcome string)
	RecordDeliveryDuration(qos QoS, d time.Duration)
	SetQueueDepth(priority, depth int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmitted(QoS)                       {}
func (noopMetrics) RecordStatus(Status)                       {}
func (noopMetrics) RecordDeliveryAttempt(string)              {}
func (noopMetrics) RecordDeliveryDuration(QoS, time.Duration) {}
func (noopMetrics) SetQueueDepth(int, int)                    {}

// Directory answers destination-existence checks at ingestion. The device
// registry implements it.
type Directory interface {
	Exists(ctx context.Context, deviceID string) (bool, error)
}

// SendOutcome is the transport-level result of one delivery attempt.
type SendOutcome int

const (
	// OutcomeDelivered means the peer acknowledged the frame.
	OutcomeDelivered SendOutcome = iota

	// OutcomeEnqueued means the frame was accepted by the transport
	// without waiting for an acknowledgment. Terminal for
	// fire-and-forget, which settles on enqueue.
	OutcomeEnqueued

	// OutcomeSessionClosed means no live session exists for the
	// destination.
	OutcomeSessionClosed

	// OutcomeCongested means the session's outbound queue is full.
	// Transient; eligible for retry.
	OutcomeCongested

	// OutcomeFailed means the write or acknowledgment failed.
	// Transient; eligible for retry.
	OutcomeFailed
)

func (o SendOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeSessionClosed:
		return "session_closed"
	case OutcomeCongested:
		return "congested"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sender delivers a message to a device's live session. The connection
// manager implements it.
type Sender interface {
	Send(ctx context.Context, deviceID string, msg *Message) SendOutcome
}

// Presence reports whether a device currently has a live session. Used
// to close the window where a destination reconnects between a failed
// send and the message reaching the parked shelf.
type Presence interface {
	Online(deviceID string) bool
}

// PlatformSink consumes messages addressed to the reserved platform
// destination (telemetry and the like).
type PlatformSink interface {
	Consume(ctx context.Context, msg *Message) error
}

// noopSink accepts and discards platform-bound messages.
type noopSink struct{}

func (noopSink) Consume(context.Context, *Message) error { return nil }

// Config carries the router's tunable policy. Zero values fall back to
// the defaults below.
type Config struct {
	Workers             int
	RetryBudget         int
	RetryBackoff        time.Duration
	AttemptTimeout      time.Duration
	MaxResidency        time.Duration
	ExpirySweepInterval time.Duration
}

const (
	defaultWorkers             = 4
	defaultRetryBudget         = 3
	defaultRetryBackoff        = 2 * time.Second
	defaultAttemptTimeout      = 3 * time.Second
	defaultMaxResidency        = 15 * time.Minute
	defaultExpirySweepInterval = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.MaxResidency <= 0 {
		c.MaxResidency = defaultMaxResidency
	}
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = defaultExpirySweepInterval
	}
}

// Router owns every message from ingestion to terminal status: it
// validates submissions, persists them, dispatches by priority through
// the connection manager, applies the QoS retry/park policy, and expires
// messages that overstay the residency horizon.
type Router struct {
	queue    *Queue
	repo     Repository
	dir      Directory
	sender   Sender
	presence Presence
	platform PlatformSink
	logger   Logger
	metrics  Metrics
	cfg      Config

	// attempts counts delivery attempts per live message id. Reset on
	// restart: recovery requeues with a fresh budget.
	attemptsMu sync.Mutex
	attempts   map[string]int

	// parked holds at-least-once messages waiting for an offline
	// destination, keyed by destination id. Requeued when the
	// destination comes back online.
	parkedMu sync.Mutex
	parked   map[string][]*Message

	// onTerminal, if set, is invoked after a message reaches a terminal
	// status. Destination is empty for sweep-expired messages. Must not
	// block.
	onTerminal func(id, destination string, status Status)

	wg sync.WaitGroup
}

// NewRouter creates a router. Call Start to launch the dispatch workers
// and sweeps.
func NewRouter(repo Repository, dir Directory, sender Sender, cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		queue:    NewQueue(),
		repo:     repo,
		dir:      dir,
		sender:   sender,
		platform: noopSink{},
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		cfg:      cfg,
		attempts: make(map[string]int),
		parked:   make(map[string][]*Message),
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics sets the metrics sink for the router.
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// SetPresence installs the liveness check used after parking a message.
func (r *Router) SetPresence(p Presence) {
	r.presence = p
}

// SetOnTerminal installs a hook invoked when a message reaches a
// terminal status. Used by the optional event feed.
func (r *Router) SetOnTerminal(fn func(id, destination string, status Status)) {
	r.onTerminal = fn
}

func (r *Router) notifyTerminal(id, destination string, status Status) {
	if r.onTerminal != nil {
		r.onTerminal(id, destination, status)
	}
}

// SetPlatformSink installs the consumer for platform-bound messages.
func (r *Router) SetPlatformSink(sink PlatformSink) {
	if sink != nil {
		r.platform = sink
	}
}

// Submit validates and ingests a message. The initial record is persisted
// before the message enters the queue; if persistence fails, the
// submission fails loudly and nothing is queued. Returns the ingested
// message with its assigned id.
func (r *Router) Submit(ctx context.Context, sub Submission) (*Message, error) {
	if sub.Source == "" {
		return nil, ErrInvalidSource
	}
	if !sub.QoS.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQoS, sub.QoS)
	}

	priority := DefaultPriority
	if sub.Priority != nil {
		priority = *sub.Priority
		if priority < MinPriority || priority > MaxPriority {
			return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPriority, priority, MinPriority, MaxPriority)
		}
	}

	if sub.Destination != PlatformDestination {
		known, err := r.dir.Exists(ctx, sub.Destination)
		if err != nil {
			return nil, fmt.Errorf("checking destination: %w", err)
		}
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, sub.Destination)
		}
	}

	msg := &Message{
		ID:          NewID(),
		Source:      sub.Source,
		Destination: sub.Destination,
		Payload:     sub.Payload,
		QoS:         sub.QoS,
		Priority:    priority,
		Status:      StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.repo.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	if err := r.queue.Push(msg); err != nil {
		return nil, err
	}

	r.metrics.RecordSubmitted(msg.QoS)
	r.metrics.RecordStatus(StatusQueued)
	r.updateDepthMetrics()

	r.logger.Debug("message submitted",
		"message_id", msg.ID,
		"source", msg.Source,
		"destination", msg.Destination,
		"qos", int(msg.QoS),
		"priority", msg.Priority)

	return msg, nil
}

// Status retrieves a message by id for status queries.
func (r *Router) Status(ctx context.Context, id string) (*Message, error) {
	return r.repo.GetByID(ctx, id)
}

// Start launches the dispatch workers and the expiry sweep. They run
// until ctx is cancelled; Wait blocks until all have stopped.
func (r *Router) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func(worker int) {
			defer r.wg.Done()
			r.runWorker(ctx, worker)
		}(i)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runExpirySweep(ctx)
	}()

	r.logger.Info("router started",
		"workers", r.cfg.Workers,
		"retry_budget", r.cfg.RetryBudget,
		"max_residency", r.cfg.MaxResidency)
}

// Wait blocks until every worker and sweep launched by Start has
// returned.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close shuts the queue down, unblocking any workers still waiting.
func (r *Router) Close() {
	r.queue.Close()
}

func (r *Router) runWorker(ctx context.Context, worker int) {
	for {
		msg, err := r.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				r.logger.Error("worker pop failed", "worker", worker, "error", err)
			}
			return
		}
		r.dispatch(ctx, msg)
		r.updateDepthMetrics()
	}
}

// dispatch drives one message through a delivery attempt. Only the worker
// that wins the queued->routing transition proceeds; losers drop the
// message, which also deduplicates redeliveries by id.
func (r *Router) dispatch(ctx context.Context, msg *Message) {
	if err := r.repo.Transition(ctx, msg.ID, StatusRouting, nil); err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			r.logger.Debug("skipping message, transition lost",
				"message_id", msg.ID, "error", err)
			return
		}
		// Store unavailable: the record is still queued durably, so
		// retry after a backoff rather than dropping it from memory.
		r.logger.Error("failed to mark message routing",
			"message_id", msg.ID, "error", err)
		r.requeueAfter(ctx, msg, r.cfg.RetryBackoff)
		return
	}
	msg.Status = StatusRouting
	r.metrics.RecordStatus(StatusRouting)

	if msg.Destination == PlatformDestination {
		r.dispatchToPlatform(ctx, msg)
		return
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	outcome := r.sender.Send(attemptCtx, msg.Destination, msg)
	cancel()

	r.metrics.RecordDeliveryAttempt(outcome.String())

	switch outcome {
	case OutcomeDelivered, OutcomeEnqueued:
		r.finalizeDelivered(ctx, msg)
		r.metrics.RecordDeliveryDuration(msg.QoS, time.Since(start))

	case OutcomeSessionClosed:
		if msg.QoS == QoSFireAndForget {
			r.finalizeFailed(ctx, msg, "destination offline")
			return
		}
		r.park(ctx, msg)

	case OutcomeCongested, OutcomeFailed:
		if msg.QoS == QoSFireAndForget {
			r.finalizeFailed(ctx, msg, "transport failure")
			return
		}
		r.retryOrFail(ctx, msg, outcome)
	}
}

func (r *Router) dispatchToPlatform(ctx context.Context, msg *Message) {
	if err := r.platform.Consume(ctx, msg); err != nil {
		if msg.QoS == QoSFireAndForget {
			r.finalizeFailed(ctx, msg, "platform sink failure")
			return
		}
		r.logger.Warn("platform sink failed",
			"message_id", msg.ID, "error", err)
		r.retryOrFail(ctx, msg, OutcomeFailed)
		return
	}
	r.finalizeDelivered(ctx, msg)
}

func (r *Router) finalizeDelivered(ctx context.Context, msg *Message) {
	now := time.Now().UTC()
	if err := r.repo.Transition(ctx, msg.ID, StatusDelivered, &now); err != nil {
		// Expired by the sweep mid-flight. Terminal states are final;
		// the delivery stands but the record keeps its expired status.
		r.logger.Warn("delivered message lost terminal race",
			"message_id", msg.ID, "error", err)
		return
	}
	msg.Status = StatusDelivered
	msg.DeliveredAt = &now
	r.clearAttempts(msg.ID)
	r.metrics.RecordStatus(StatusDelivered)
	r.notifyTerminal(msg.ID, msg.Destination, StatusDelivered)

	r.logger.Debug("message delivered",
		"message_id", msg.ID, "destination", msg.Destination)
}

func (r *Router) finalizeFailed(ctx context.Context, msg *Message, reason string) {
	if err := r.repo.Transition(ctx, msg.ID, StatusFailed, nil); err != nil {
		r.logger.Warn("failed message lost terminal race",
			"message_id", msg.ID, "error", err)
		return
	}
	msg.Status = StatusFailed
	r.clearAttempts(msg.ID)
	r.metrics.RecordStatus(StatusFailed)
	r.notifyTerminal(msg.ID, msg.Destination, StatusFailed)

	r.logger.Info("message failed",
		"message_id", msg.ID,
		"destination", msg.Destination,
		"reason", reason)
}

// retryOrFail applies the at-least-once retry policy after a transient
// failure: requeue with a backoff while budget remains, fail terminally
// once it is spent.
func (r *Router) retryOrFail(ctx context.Context, msg *Message, outcome SendOutcome) {
	r.attemptsMu.Lock()
	r.attempts[msg.ID]++
	n := r.attempts[msg.ID]
	r.attemptsMu.Unlock()

	if n >= r.cfg.RetryBudget {
		r.finalizeFailed(ctx, msg, fmt.Sprintf("retry budget exhausted after %d attempts", n))
		return
	}

	if err := r.repo.Transition(ctx, msg.ID, StatusQueued, nil); err != nil {
		r.logger.Debug("retry abandoned, transition lost",
			"message_id", msg.ID, "error", err)
		return
	}
	msg.Status = StatusQueued
	r.metrics.RecordStatus(StatusQueued)

	r.logger.Debug("message requeued for retry",
		"message_id", msg.ID,
		"attempt", n,
		"outcome", outcome.String(),
		"backoff", r.cfg.RetryBackoff)

	r.requeueAfter(ctx, msg, r.cfg.RetryBackoff)
}

// park shelves an at-least-once message while its destination is offline.
// The registry's online hook requeues it on reconnect; the expiry sweep
// bounds how long it can wait.
func (r *Router) park(ctx context.Context, msg *Message) {
	if err := r.repo.Transition(ctx, msg.ID, StatusQueued, nil); err != nil {
		r.logger.Debug("park abandoned, transition lost",
			"message_id", msg.ID, "error", err)
		return
	}
	msg.Status = StatusQueued
	r.metrics.RecordStatus(StatusQueued)

	r.parkedMu.Lock()
	r.parked[msg.Destination] = append(r.parked[msg.Destination], msg)
	r.parkedMu.Unlock()

	r.logger.Debug("message parked, destination offline",
		"message_id", msg.ID, "destination", msg.Destination)

	// The destination may have reconnected while this message was in
	// flight to the shelf; its online hook would have found an empty
	// shelf, so re-check and requeue immediately.
	if r.presence != nil && r.presence.Online(msg.Destination) {
		r.RequeueFor(msg.Destination)
	}
}

// RequeueFor pushes every parked message for a destination back into the
// dispatch queue. Wired to the registry's online hook.
func (r *Router) RequeueFor(deviceID string) {
	r.parkedMu.Lock()
	waiting := r.parked[deviceID]
	delete(r.parked, deviceID)
	r.parkedMu.Unlock()

	if len(waiting) == 0 {
		return
	}

	for _, msg := range waiting {
		if err := r.queue.Push(msg); err != nil {
			return
		}
	}
	r.updateDepthMetrics()

	r.logger.Info("requeued parked messages",
		"destination", deviceID, "count", len(waiting))
}

// requeueAfter re-pushes a message once the backoff elapses. The timer
// goroutine is abandoned if the router shuts down first.
func (r *Router) requeueAfter(ctx context.Context, msg *Message, backoff time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			if err := r.queue.Push(msg); err == nil {
				r.updateDepthMetrics()
			}
		}
	}()
}

// runExpirySweep periodically expires messages that have exceeded the
// residency horizon.
func (r *Router) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired(ctx)
		}
	}
}

// sweepExpired performs one expiry pass.
func (r *Router) sweepExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.MaxResidency)
	ids, err := r.repo.ExpireOlderThan(ctx, cutoff)
	if err != nil {
		r.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	expired := make(map[string]bool, len(ids))
	for _, id := range ids {
		expired[id] = true
		r.metrics.RecordStatus(StatusExpired)
		r.clearAttempts(id)
		r.notifyTerminal(id, "", StatusExpired)
	}

	// Drop expired messages from the parked shelves; queue copies are
	// discarded at dispatch when the routing transition loses.
	r.parkedMu.Lock()
	for dest, waiting := range r.parked {
		kept := waiting[:0]
		for _, msg := range waiting {
			if !expired[msg.ID] {
				kept = append(kept, msg)
			}
		}
		if len(kept) == 0 {
			delete(r.parked, dest)
		} else {
			r.parked[dest] = kept
		}
	}
	r.parkedMu.Unlock()

	r.logger.Info("expired messages", "count", len(ids))
}

// Recover rebuilds the dispatch queue from the durable store after a
// restart. In-flight routing messages are returned to queued and
// redispatched with a fresh retry budget; nothing is silently dropped.
func (r *Router) Recover(ctx context.Context) error {
	inflight, err := r.repo.ListByStatus(ctx, StatusRouting)
	if err != nil {
		return fmt.Errorf("listing in-flight messages: %w", err)
	}
	for i := range inflight {
		if err := r.repo.Transition(ctx, inflight[i].ID, StatusQueued, nil); err != nil {
			return fmt.Errorf("resetting in-flight message %s: %w", inflight[i].ID, err)
		}
	}

	queued, err := r.repo.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return fmt.Errorf("listing queued messages: %w", err)
	}
	for i := range queued {
		msg := queued[i]
		if err := r.queue.Push(&msg); err != nil {
			return err
		}
	}
	r.updateDepthMetrics()

	if len(inflight) > 0 || len(queued) > 0 {
		r.logger.Info("recovered undelivered messages",
			"requeued", len(queued),
			"reset_in_flight", len(inflight))
	}

	return nil
}

// Stats summarises router state for the stats endpoint.
type Stats struct {
	QueueDepth int              `json:"queue_depth"`
	Parked     int              `json:"parked"`
	ByStatus   map[Status]int64 `json:"by_status"`
}

// GetStats returns a snapshot of router counters.
func (r *Router) GetStats(ctx context.Context) (Stats, error) {
	counts, err := r.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("counting messages: %w", err)
	}

	r.parkedMu.Lock()
	parked := 0
	for _, waiting := range r.parked {
		parked += len(waiting)
	}
	r.parkedMu.Unlock()

	return Stats{
		QueueDepth: r.queue.Len(),
		Parked:     parked,
		ByStatus:   counts,
	}, nil
}

func (r *Router) clearAttempts(id string) {
	r.attemptsMu.Lock()
	delete(r.attempts, id)
	r.attemptsMu.Unlock()
}

func (r *Router) updateDepthMetrics() {
	depth := r.queue.DepthByPriority()
	for p := MinPriority; p <= MaxPriority; p++ {
		r.metrics.SetQueueDepth(p, depth[p])
	}
}
