package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/logging"
	"github.com/conduit-hub/conduit-core/internal/message"
)

// Session is one live device link. It owns the transport, the bounded
// outbound queue, and the correlation tables for delivery acks and
// command responses. Implements device.Conn.
type Session struct {
	id       string
	deviceID string
	conn     *websocket.Conn
	cfg      config.LinkConfig
	logger   *logging.Logger
	mgr      *Manager

	send chan []byte

	mu       sync.Mutex
	closed   bool
	acks     map[string]chan struct{}
	commands map[string]chan CommandResponsePayload

	closeOnce sync.Once
}

func newSession(deviceID string, ws *websocket.Conn, mgr *Manager) *Session {
	return &Session{
		id:       device.NewSessionID(),
		deviceID: deviceID,
		conn:     ws,
		cfg:      mgr.cfg,
		logger:   mgr.logger,
		mgr:      mgr,
		send:     make(chan []byte, mgr.cfg.SendBuffer),
		acks:     make(map[string]chan struct{}),
		commands: make(map[string]chan CommandResponsePayload),
	}
}

// SessionID returns the unique identifier for this session.
func (s *Session) SessionID() string { return s.id }

// DeviceID returns the device this session authenticated as.
func (s *Session) DeviceID() string { return s.deviceID }

// CloseStale shuts the session down after supersession or a liveness
// demotion. Safe to call more than once; the error frame is best effort.
func (s *Session) CloseStale(reason string) {
	if frame, err := newFrame(FrameError, "", ErrorPayload{
		Code:    "session_closed",
		Message: reason,
	}); err == nil {
		if data, err := json.Marshal(frame); err == nil {
			s.trySendRaw(data)
		}
	}
	s.close()
}

// close tears the session down exactly once: pending waiters are
// released, the send channel is closed so the write pump drains out, and
// the transport is closed.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, ch := range s.acks {
			close(ch)
			delete(s.acks, id)
		}
		for id, ch := range s.commands {
			close(ch)
			delete(s.commands, id)
		}
		s.mu.Unlock()

		close(s.send)
		s.conn.Close()
	})
}

// Deliver writes an addressed message frame and, for acknowledged QoS
// tiers, waits for the peer's ack.
func (s *Session) Deliver(ctx context.Context, msg *message.Message) message.SendOutcome {
	frame, err := newFrame(FrameDeliver, msg.ID, DeliverPayload{
		MessageID: msg.ID,
		Source:    msg.Source,
		Payload:   msg.Payload,
		QoS:       int(msg.QoS),
		Priority:  msg.Priority,
	})
	if err != nil {
		s.logger.Error("failed to build deliver frame",
			"message_id", msg.ID, "error", err)
		return message.OutcomeFailed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return message.OutcomeFailed
	}

	// Fire-and-forget settles on enqueue; the transport provides no
	// per-message ack worth waiting for at that tier.
	if msg.QoS == message.QoSFireAndForget {
		switch err := s.trySend(data); err {
		case nil:
			return message.OutcomeEnqueued
		case ErrCongested:
			return message.OutcomeCongested
		default:
			return message.OutcomeSessionClosed
		}
	}

	ackCh, err := s.registerAck(msg.ID)
	if err != nil {
		return message.OutcomeSessionClosed
	}
	defer s.clearAck(msg.ID)

	switch err := s.trySend(data); err {
	case nil:
	case ErrCongested:
		return message.OutcomeCongested
	default:
		return message.OutcomeSessionClosed
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-ackCh:
		if !ok {
			return message.OutcomeSessionClosed
		}
		return message.OutcomeDelivered
	case <-timer.C:
		return message.OutcomeFailed
	case <-ctx.Done():
		return message.OutcomeFailed
	}
}

// Command writes a command frame and waits for the correlated response.
func (s *Session) Command(ctx context.Context, name string, params map[string]any) (*CommandResponsePayload, error) {
	cmdID := message.NewID()
	frame, err := newFrame(FrameCommand, cmdID, CommandPayload{
		Name:   name,
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("building command frame: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshalling command frame: %w", err)
	}

	respCh, err := s.registerCommand(cmdID)
	if err != nil {
		return nil, ErrSessionClosed
	}
	defer s.clearCommand(cmdID)

	if err := s.trySend(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrSessionClosed
		}
		return &resp, nil
	case <-timer.C:
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) registerAck(id string) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan struct{}, 1)
	s.acks[id] = ch
	return ch, nil
}

func (s *Session) clearAck(id string) {
	s.mu.Lock()
	delete(s.acks, id)
	s.mu.Unlock()
}

func (s *Session) registerCommand(id string) (chan CommandResponsePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan CommandResponsePayload, 1)
	s.commands[id] = ch
	return ch, nil
}

func (s *Session) clearCommand(id string) {
	s.mu.Lock()
	delete(s.commands, id)
	s.mu.Unlock()
}

// trySend queues data for the write pump without blocking. Returns
// ErrSessionClosed after close and ErrCongested when the buffer is full.
func (s *Session) trySend(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	return s.trySendRaw(data)
}

// trySendRaw performs the non-blocking channel send, absorbing the
// send-on-closed-channel panic from a concurrent close.
func (s *Session) trySendRaw(data []byte) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrSessionClosed
		}
	}()

	select {
	case s.send <- data:
		return nil
	default:
		return ErrCongested
	}
}

// sendFrame marshals and queues a frame, logging congestion drops.
func (s *Session) sendFrame(frameType, id string, payload any) {
	frame, err := newFrame(frameType, id, payload)
	if err != nil {
		s.logger.Error("failed to build frame",
			"type", frameType, "device_id", s.deviceID, "error", err)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := s.trySend(data); err != nil {
		s.logger.Debug("frame dropped",
			"type", frameType, "device_id", s.deviceID, "error", err)
	}
}

func (s *Session) sendError(id, code, msg string) {
	s.sendFrame(FrameError, id, ErrorPayload{Code: code, Message: msg})
}

// readPump reads frames from the link until it drops. Every frame
// refreshes the device's last-seen stamp.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.mgr.dropSession(s)
	}()

	s.conn.SetReadLimit(int64(s.cfg.MaxFrameSize))
	readWait := s.cfg.PingInterval + s.cfg.PongTimeout
	s.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("device link read error",
					"device_id", s.deviceID, "error", err)
			} else {
				s.logger.Debug("device link closed",
					"device_id", s.deviceID, "error", err)
			}
			return
		}
		// Any inbound frame resets the read deadline.
		s.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // Best-effort deadline reset
		s.handleFrame(ctx, data)
	}
}

// writePump writes queued frames and keepalive pings until the send
// channel closes or a write fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // Best-effort close message
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.PongTimeout)) //nolint:errcheck // Best-effort deadline; write error caught below
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.PongTimeout)) //nolint:errcheck // Best-effort deadline; ping error caught below
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	s.mgr.registry.Touch(s.deviceID)

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("", "malformed_frame", "invalid JSON frame")
		return
	}

	switch frame.Type {
	case FrameMessage:
		s.handleSubmit(ctx, frame)
	case FrameAck:
		s.handleAck(frame)
	case FrameCommandResponse:
		s.handleCommandResponse(frame)
	case FramePing:
		s.sendFrame(FramePong, frame.ID, nil)
	case FrameRegister:
		// Already registered; a device re-registers by reconnecting.
		s.sendError(frame.ID, "already_registered", "session is already registered")
	default:
		s.sendError(frame.ID, "unknown_frame", "unknown frame type: "+frame.Type)
	}
}

// handleSubmit hands an inbound telemetry/message frame to the router.
// The source is always this session's device id.
func (s *Session) handleSubmit(ctx context.Context, frame Frame) {
	var payload SubmitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(frame.ID, "malformed_payload", "invalid message payload")
		return
	}
	if payload.Destination == "" {
		payload.Destination = message.PlatformDestination
	}

	msg, err := s.mgr.router.Submit(ctx, message.Submission{
		Source:      s.deviceID,
		Destination: payload.Destination,
		Payload:     payload.Payload,
		QoS:         message.QoS(payload.QoS),
		Priority:    payload.Priority,
	})
	if err != nil {
		s.logger.Debug("submission rejected",
			"device_id", s.deviceID, "error", err)
		s.sendError(frame.ID, "rejected", err.Error())
		return
	}

	s.sendFrame(FrameAck, frame.ID, SubmitAckPayload{MessageID: msg.ID})
}

// handleAck resolves a pending delivery waiter.
func (s *Session) handleAck(frame Frame) {
	s.mu.Lock()
	ch, ok := s.acks[frame.ID]
	if ok {
		delete(s.acks, frame.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- struct{}{}
	}
}

// handleCommandResponse resolves a pending command waiter.
func (s *Session) handleCommandResponse(frame Frame) {
	var payload CommandResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError(frame.ID, "malformed_payload", "invalid command response")
		return
	}

	s.mu.Lock()
	ch, ok := s.commands[frame.ID]
	if ok {
		delete(s.commands, frame.ID)
	}
	s.mu.Unlock()

	if ok {
		ch <- payload
	} else {
		s.logger.Debug("uncorrelated command response",
			"device_id", s.deviceID, "command_id", frame.ID)
	}
}
