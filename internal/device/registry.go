package device

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics defines the instrumentation hooks used by the Registry.
type Metrics interface {
	RecordRegistration(kind string) // "created", "updated", "superseded"
	RecordLivenessDemoted()
	SetConnectionsActive(n int)
}

// noopMetrics is a metrics sink that does nothing.
type noopMetrics struct{}

func (noopMetrics) RecordRegistration(string) {}
func (noopMetrics) RecordLivenessDemoted()    {}
func (noopMetrics) SetConnectionsActive(int)  {}

// Conn is the registry's view of a live transport session. The connection
// manager provides the concrete implementation; the registry only needs
// to identify a session and shut it down.
type Conn interface {
	// SessionID returns the unique identifier for this session.
	SessionID() string

	// CloseStale shuts the connection down because a newer session
	// displaced it or the liveness sweep demoted it. Must be safe to
	// call more than once.
	CloseStale(reason string)
}

// connEntry is the in-memory record for one live connection. The device
// snapshot is a cache of the durable record; lastSeen is stamped on every
// inbound frame and only persisted on transitions.
type connEntry struct {
	conn     Conn
	session  string
	device   *Device
	lastSeen time.Time
	since    time.Time
}

// registryShards spreads the connection table across independently locked
// maps so register/deregister churn on one device never serialises
// behind another. Must be a power of two.
const registryShards = 32

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

// Registry tracks device identity and live connections. Durable identity
// lives in the Repository; the in-memory connection table holds one entry
// per online device, guaranteeing at most one live session per device id.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	shards  [registryShards]*registryShard
	logger  Logger
	metrics Metrics

	onlineMu  sync.RWMutex
	onOnline  func(deviceID string)
	onOffline func(deviceID string)
}

// NewRegistry creates a new device registry backed by the given repository.
func NewRegistry(repo Repository) *Registry {
	r := &Registry{
		repo:    repo,
		logger:  noopLogger{},
		metrics: noopMetrics{},
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{conns: make(map[string]*connEntry)}
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics sets the metrics sink for the registry.
func (r *Registry) SetMetrics(m Metrics) {
	r.metrics = m
}

// OnOnline registers a hook invoked after a device transitions to online.
// The router uses this to trigger a requeue sweep for parked messages.
// The hook is called from the registering goroutine; implementations
// should hand off quickly.
func (r *Registry) OnOnline(fn func(deviceID string)) {
	r.onlineMu.Lock()
	r.onOnline = fn
	r.onlineMu.Unlock()
}

// OnOffline registers a hook invoked after a device transitions to
// offline, whether by deregistration or a liveness demotion. Same calling
// discipline as OnOnline.
func (r *Registry) OnOffline(fn func(deviceID string)) {
	r.onlineMu.Lock()
	r.onOffline = fn
	r.onlineMu.Unlock()
}

func (r *Registry) shardFor(deviceID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.shards[h.Sum32()&(registryShards-1)]
}

// Register creates or updates the identity record for the registering
// device, installs the connection, and flips status to online. If a live
// connection already exists for the id, it is superseded: the old session
// is closed asynchronously and the new one becomes authoritative. A
// superseded session is not an error.
func (r *Registry) Register(ctx context.Context, reg Registration, conn Conn) (*RegistrationResult, error) {
	if err := ValidateRegistration(reg); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record, created, err := r.upsertRecord(ctx, reg, now)
	if err != nil {
		return nil, err
	}

	entry := &connEntry{
		conn:     conn,
		session:  conn.SessionID(),
		device:   record.DeepCopy(),
		lastSeen: now,
		since:    now,
	}

	shard := r.shardFor(reg.DeviceID)
	shard.mu.Lock()
	prior := shard.conns[reg.DeviceID]
	shard.conns[reg.DeviceID] = entry
	shard.mu.Unlock()

	superseded := prior != nil
	if superseded {
		// Close outside the lock; CloseStale may block on the peer.
		go prior.conn.CloseStale("superseded by new session")
		r.logger.Info("session superseded",
			"device_id", reg.DeviceID,
			"old_session", prior.session,
			"new_session", entry.session)
	}

	switch {
	case created:
		r.metrics.RecordRegistration("created")
	case superseded:
		r.metrics.RecordRegistration("superseded")
	default:
		r.metrics.RecordRegistration("updated")
	}
	r.metrics.SetConnectionsActive(r.ConnectedCount())

	r.logger.Info("device registered",
		"device_id", reg.DeviceID,
		"session_id", entry.session,
		"type", reg.Type,
		"created", created)

	r.notifyOnline(reg.DeviceID)

	return &RegistrationResult{
		Device:     record,
		SessionID:  entry.session,
		Superseded: superseded,
		Created:    created,
	}, nil
}

// upsertRecord persists the identity fields from a registration, creating
// the record on first contact. Concurrent registrations for the same id
// race benignly: both write the same handshake content.
func (r *Registry) upsertRecord(ctx context.Context, reg Registration, now time.Time) (*Device, bool, error) {
	existing, err := r.repo.GetByID(ctx, reg.DeviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("loading device record: %w", err)
	}

	if existing == nil {
		name := reg.Name
		if name == "" {
			name = reg.DeviceID
		}
		record := &Device{
			ID:           reg.DeviceID,
			Name:         name,
			Type:         reg.Type,
			Capabilities: reg.Capabilities,
			Location:     reg.Location,
			Metadata:     reg.Metadata,
			Status:       StatusOnline,
			LastSeen:     &now,
		}
		if err := r.repo.Create(ctx, record); err != nil {
			if errors.Is(err, ErrExists) {
				// Lost the creation race; fall through to update.
				return r.updateFromRegistration(ctx, reg, now)
			}
			return nil, false, fmt.Errorf("creating device record: %w", err)
		}
		return record, true, nil
	}

	record, _, err := r.updateFromRegistration(ctx, reg, now)
	return record, false, err
}

func (r *Registry) updateFromRegistration(ctx context.Context, reg Registration, now time.Time) (*Device, bool, error) {
	record, err := r.repo.GetByID(ctx, reg.DeviceID)
	if err != nil {
		return nil, false, fmt.Errorf("loading device record: %w", err)
	}

	if reg.Name != "" {
		record.Name = reg.Name
	}
	record.Type = reg.Type
	if reg.Capabilities != nil {
		record.Capabilities = reg.Capabilities
	}
	if reg.Location != "" {
		record.Location = reg.Location
	}
	if reg.Metadata != nil {
		record.Metadata = reg.Metadata
	}
	record.Status = StatusOnline
	record.LastSeen = &now

	if err := r.repo.Update(ctx, record); err != nil {
		return nil, false, fmt.Errorf("updating device record: %w", err)
	}
	return record, false, nil
}

// Deregister removes the connection for deviceID only if sessionID still
// matches the installed session. A stale disconnect arriving after a
// newer registration is a no-op, not an error.
func (r *Registry) Deregister(ctx context.Context, deviceID, sessionID string) {
	shard := r.shardFor(deviceID)
	shard.mu.Lock()
	entry, ok := shard.conns[deviceID]
	if !ok || entry.session != sessionID {
		shard.mu.Unlock()
		return
	}
	delete(shard.conns, deviceID)
	lastSeen := entry.lastSeen
	shard.mu.Unlock()

	if err := r.repo.UpdateStatus(ctx, deviceID, StatusOffline, lastSeen); err != nil {
		r.logger.Error("failed to persist offline status",
			"device_id", deviceID, "error", err)
	}
	r.metrics.SetConnectionsActive(r.ConnectedCount())
	r.notifyOffline(deviceID)

	r.logger.Info("device deregistered",
		"device_id", deviceID, "session_id", sessionID)
}

// Lookup returns a read-only snapshot of the device: the identity record
// plus connection state. It consults the in-memory table first and falls
// back to the durable store for known-but-offline devices. Never blocks
// on network I/O.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (*View, error) {
	shard := r.shardFor(deviceID)
	shard.mu.RLock()
	entry, ok := shard.conns[deviceID]
	if ok {
		view := &View{
			Device:    *entry.device.DeepCopy(),
			Connected: true,
			SessionID: entry.session,
			LastSeen:  entry.lastSeen,
		}
		since := entry.since
		view.Since = &since
		shard.mu.RUnlock()
		view.Device.Status = StatusOnline
		return view, nil
	}
	shard.mu.RUnlock()

	record, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	view := &View{Device: *record, Connected: false}
	if record.LastSeen != nil {
		view.LastSeen = *record.LastSeen
	}
	return view, nil
}

// Connection returns the live connection handle for a device, if any.
// The router resolves destinations through this at dispatch time.
func (r *Registry) Connection(deviceID string) (Conn, bool) {
	shard := r.shardFor(deviceID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.conns[deviceID]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Online reports whether a device currently has a live connection.
func (r *Registry) Online(deviceID string) bool {
	_, ok := r.Connection(deviceID)
	return ok
}

// Exists reports whether a device id is known to the registry or the
// durable store. Used by the router to validate message destinations.
func (r *Registry) Exists(ctx context.Context, deviceID string) (bool, error) {
	shard := r.shardFor(deviceID)
	shard.mu.RLock()
	_, ok := shard.conns[deviceID]
	shard.mu.RUnlock()
	if ok {
		return true, nil
	}

	_, err := r.repo.GetByID(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Touch stamps last-seen for a device on inbound traffic. The stamp lives
// in memory only; it is persisted on the next status transition so the
// hot path never touches the database.
func (r *Registry) Touch(deviceID string) {
	shard := r.shardFor(deviceID)
	shard.mu.Lock()
	if entry, ok := shard.conns[deviceID]; ok {
		entry.lastSeen = time.Now().UTC()
	}
	shard.mu.Unlock()
}

// ConnectedCount returns the number of live connections.
func (r *Registry) ConnectedCount() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.conns)
		shard.mu.RUnlock()
	}
	return total
}

// ConnectedIDs returns the ids of all currently connected devices.
func (r *Registry) ConnectedIDs() []string {
	var ids []string
	for _, shard := range r.shards {
		shard.mu.RLock()
		for id := range shard.conns {
			ids = append(ids, id)
		}
		shard.mu.RUnlock()
	}
	return ids
}

// RunLivenessSweep demotes silent devices until ctx is cancelled. A device
// with no traffic for longer than timeout is marked offline and its
// connection closed. This is the only path that can take a device offline
// without an explicit disconnect.
func (r *Registry) RunLivenessSweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("liveness sweep started",
		"interval", interval, "timeout", timeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("liveness sweep stopped")
			return
		case <-ticker.C:
			r.sweepOnce(ctx, timeout)
		}
	}
}

// sweepOnce performs a single liveness pass.
func (r *Registry) sweepOnce(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().UTC().Add(-timeout)

	type demoted struct {
		deviceID string
		entry    *connEntry
	}
	var stale []demoted

	for _, shard := range r.shards {
		shard.mu.Lock()
		for id, entry := range shard.conns {
			if entry.lastSeen.Before(cutoff) {
				delete(shard.conns, id)
				stale = append(stale, demoted{deviceID: id, entry: entry})
			}
		}
		shard.mu.Unlock()
	}

	for _, d := range stale {
		go d.entry.conn.CloseStale("liveness timeout")

		if err := r.repo.UpdateStatus(ctx, d.deviceID, StatusOffline, d.entry.lastSeen); err != nil {
			r.logger.Error("failed to persist liveness demotion",
				"device_id", d.deviceID, "error", err)
		}
		r.metrics.RecordLivenessDemoted()
		r.notifyOffline(d.deviceID)

		r.logger.Warn("device demoted by liveness sweep",
			"device_id", d.deviceID,
			"session_id", d.entry.session,
			"last_seen", d.entry.lastSeen)
	}

	if len(stale) > 0 {
		r.metrics.SetConnectionsActive(r.ConnectedCount())
	}
}

// Recover resets presence state after a restart. No connection survives
// the process, so every device is marked offline regardless of what the
// previous run left behind.
func (r *Registry) Recover(ctx context.Context) error {
	n, err := r.repo.MarkAllOffline(ctx)
	if err != nil {
		return fmt.Errorf("recovering device presence: %w", err)
	}
	if n > 0 {
		r.logger.Info("reset stale device presence", "count", n)
	}
	return nil
}

func (r *Registry) notifyOnline(deviceID string) {
	r.onlineMu.RLock()
	fn := r.onOnline
	r.onlineMu.RUnlock()
	if fn != nil {
		fn(deviceID)
	}
}

func (r *Registry) notifyOffline(deviceID string) {
	r.onlineMu.RLock()
	fn := r.onOffline
	r.onlineMu.RUnlock()
	if fn != nil {
		fn(deviceID)
	}
}

// NewSessionID mints the session identifier installed at registration.
func NewSessionID() string {
	return uuid.NewString()
}

// Stats summarises registry state for the stats endpoint.
type Stats struct {
	Connected int `json:"connected"`
}

// GetStats returns a snapshot of registry counters.
func (r *Registry) GetStats() Stats {
	return Stats{Connected: r.ConnectedCount()}
}
