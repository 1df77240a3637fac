package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/logging"
	"github.com/conduit-hub/conduit-core/internal/message"
)

// Registry is the slice of the device registry the manager needs.
type Registry interface {
	Register(ctx context.Context, reg device.Registration, conn device.Conn) (*device.RegistrationResult, error)
	Deregister(ctx context.Context, deviceID, sessionID string)
	Touch(deviceID string)
	Connection(deviceID string) (device.Conn, bool)
}

// Router is the slice of the message router sessions submit through.
type Router interface {
	Submit(ctx context.Context, sub message.Submission) (*message.Message, error)
}

// EventsPublisher receives presence transitions for the optional event
// feed. Implementations must not block.
type EventsPublisher interface {
	DeviceOnline(deviceID string)
	DeviceOffline(deviceID string)
}

// upgrader configures the WebSocket upgrader for device links.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Devices are not browsers; origin enforcement is handled at
		// the HTTP middleware layer.
		return true
	},
}

// Manager accepts device links, runs the registration handshake, and
// exposes delivery primitives to the router. Implements message.Sender.
type Manager struct {
	cfg      config.LinkConfig
	registry Registry
	router   Router
	logger   *logging.Logger
	events   EventsPublisher
}

// NewManager creates a connection manager.
func NewManager(cfg config.LinkConfig, registry Registry, router Router, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		router:   router,
		logger:   logger,
	}
}

// SetEvents installs the optional presence event publisher.
func (m *Manager) SetEvents(events EventsPublisher) {
	m.events = events
}

// HandleConnect upgrades an HTTP request to a device link and runs the
// registration handshake. The first frame must be a register frame and
// must arrive within the handshake grace period; otherwise the transport
// is closed without a session.
func (m *Manager) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("device link upgrade failed", "error", err)
		return
	}

	reg, err := m.readHandshake(ws)
	if err != nil {
		m.logger.Debug("handshake rejected",
			"remote", r.RemoteAddr, "error", err)
		m.rejectHandshake(ws, err)
		return
	}

	session := newSession(reg.DeviceID, ws, m)
	result, err := m.registry.Register(r.Context(), *reg, session)
	if err != nil {
		m.logger.Warn("registration rejected",
			"device_id", reg.DeviceID, "error", err)
		m.rejectHandshake(ws, err)
		return
	}

	// Pumps start before the registered frame so it flows through the
	// normal outbound path.
	go session.writePump()
	go session.readPump(context.Background())

	session.sendFrame(FrameRegistered, "", RegisteredPayload{
		DeviceID:  result.Device.ID,
		SessionID: result.SessionID,
	})

	m.logger.Info("device link established",
		"device_id", reg.DeviceID,
		"session_id", result.SessionID,
		"superseded", result.Superseded)

	if m.events != nil {
		m.events.DeviceOnline(reg.DeviceID)
	}
}

// readHandshake reads and validates the registration frame within the
// grace period.
func (m *Manager) readHandshake(ws *websocket.Conn) (*device.Registration, error) {
	ws.SetReadLimit(int64(m.cfg.MaxFrameSize))
	if err := ws.SetReadDeadline(time.Now().Add(m.cfg.HandshakeGrace)); err != nil {
		return nil, err
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, ErrHandshakeFailed
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrHandshakeFailed
	}
	if frame.Type != FrameRegister {
		return nil, ErrHandshakeFailed
	}

	var payload RegisterPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil, ErrHandshakeFailed
	}

	caps, err := device.ParseCapabilities(payload.Capabilities)
	if err != nil {
		return nil, err
	}

	reg := &device.Registration{
		DeviceID:     payload.DeviceID,
		Name:         payload.Name,
		Type:         payload.Type,
		Capabilities: caps,
		Location:     payload.Location,
		Metadata:     payload.Metadata,
	}
	if err := device.ValidateRegistration(*reg); err != nil {
		return nil, err
	}

	// Handshake complete; pumps take over deadline management.
	if err := ws.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PongTimeout)); err != nil {
		return nil, err
	}

	return reg, nil
}

// rejectHandshake sends a best-effort error frame and closes the
// transport. No session exists yet, so writes go straight to the socket.
func (m *Manager) rejectHandshake(ws *websocket.Conn, cause error) {
	if frame, err := newFrame(FrameError, "", ErrorPayload{
		Code:    "handshake_failed",
		Message: cause.Error(),
	}); err == nil {
		if data, err := json.Marshal(frame); err == nil {
			ws.SetWriteDeadline(time.Now().Add(time.Second)) //nolint:errcheck // Best-effort rejection notice
			ws.WriteMessage(websocket.TextMessage, data)     //nolint:errcheck // Best-effort rejection notice
		}
	}
	ws.Close()
}

// dropSession tears a session down after its read pump exits. The
// deregistration is session-matched: if a newer session superseded this
// one, the registry entry is untouched.
func (m *Manager) dropSession(s *Session) {
	m.registry.Deregister(context.Background(), s.deviceID, s.id)
	s.close()

	if m.events != nil {
		if _, live := m.registry.Connection(s.deviceID); !live {
			m.events.DeviceOffline(s.deviceID)
		}
	}
}

// Send delivers a message to the destination's live session. Implements
// message.Sender.
func (m *Manager) Send(ctx context.Context, deviceID string, msg *message.Message) message.SendOutcome {
	conn, ok := m.registry.Connection(deviceID)
	if !ok {
		return message.OutcomeSessionClosed
	}
	session, ok := conn.(*Session)
	if !ok {
		return message.OutcomeSessionClosed
	}
	return session.Deliver(ctx, msg)
}

// SendCommand issues a correlated command to a connected device and
// waits for its response.
func (m *Manager) SendCommand(ctx context.Context, deviceID, name string, params map[string]any) (*CommandResponsePayload, error) {
	conn, ok := m.registry.Connection(deviceID)
	if !ok {
		return nil, ErrNotConnected
	}
	session, ok := conn.(*Session)
	if !ok {
		return nil, ErrNotConnected
	}
	return session.Command(ctx, name, params)
}
