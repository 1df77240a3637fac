package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conduit-hub/conduit-core/internal/device"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/infrastructure/logging"
	"github.com/conduit-hub/conduit-core/internal/message"
)

// mockRegistry records registrations and tracks the live connection per
// device id with session-matched deregistration.
type mockRegistry struct {
	mu      sync.Mutex
	conns   map[string]device.Conn
	touches int
	regErr  error
	lastReg *device.Registration
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{conns: make(map[string]device.Conn)}
}

func (r *mockRegistry) Register(_ context.Context, reg device.Registration, conn device.Conn) (*device.RegistrationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.regErr != nil {
		return nil, r.regErr
	}
	r.lastReg = &reg
	r.conns[reg.DeviceID] = conn
	return &device.RegistrationResult{
		Device:    &device.Device{ID: reg.DeviceID, Type: reg.Type, Status: device.StatusOnline},
		SessionID: conn.SessionID(),
		Created:   true,
	}, nil
}

func (r *mockRegistry) Deregister(_ context.Context, deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[deviceID]; ok && conn.SessionID() == sessionID {
		delete(r.conns, deviceID)
	}
}

func (r *mockRegistry) Touch(string) {
	r.mu.Lock()
	r.touches++
	r.mu.Unlock()
}

func (r *mockRegistry) Connection(deviceID string) (device.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[deviceID]
	return conn, ok
}

func (r *mockRegistry) registration() *device.Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReg
}

// mockRouter records submissions.
type mockRouter struct {
	mu        sync.Mutex
	submitted []message.Submission
	submitErr error
}

func (r *mockRouter) Submit(_ context.Context, sub message.Submission) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.submitErr != nil {
		return nil, r.submitErr
	}
	r.submitted = append(r.submitted, sub)
	return &message.Message{
		ID:          message.NewID(),
		Source:      sub.Source,
		Destination: sub.Destination,
		Status:      message.StatusQueued,
	}, nil
}

func (r *mockRouter) submissions() []message.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Submission(nil), r.submitted...)
}

func testLinkConfig() config.LinkConfig {
	return config.LinkConfig{
		HandshakeGrace: 500 * time.Millisecond,
		SendBuffer:     16,
		AckTimeout:     200 * time.Millisecond,
		CommandTimeout: 500 * time.Millisecond,
		MaxFrameSize:   65536,
		PingInterval:   5 * time.Second,
		PongTimeout:    5 * time.Second,
	}
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

// startManager wires a manager behind an httptest server and returns a
// dialer-ready URL.
func startManager(t *testing.T, registry Registry, router Router) (*Manager, string) {
	t.Helper()

	mgr := NewManager(testLinkConfig(), registry, router, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleConnect))
	t.Cleanup(srv.Close)

	return mgr, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAndRegister opens a client link and completes the handshake.
func dialAndRegister(t *testing.T, url, deviceID string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	sendFrame(t, ws, FrameRegister, "", RegisterPayload{
		DeviceID:     deviceID,
		Type:         "sensor",
		Capabilities: map[string]any{"temperature": true},
	})

	frame := readFrame(t, ws)
	if frame.Type != FrameRegistered {
		t.Fatalf("handshake reply = %s, want %s", frame.Type, FrameRegistered)
	}
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, frameType, id string, payload any) {
	t.Helper()

	frame, err := newFrame(frameType, id, payload)
	if err != nil {
		t.Fatalf("newFrame() error: %v", err)
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	return frame
}

func unmarshalPayload(t *testing.T, frame Frame, dst any) {
	t.Helper()
	if err := json.Unmarshal(frame.Payload, dst); err != nil {
		t.Fatalf("unmarshalling %s payload: %v", frame.Type, err)
	}
}

func TestHandshakeRegistersDevice(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	dialAndRegister(t, url, "sensor-01")

	reg := registry.registration()
	if reg == nil {
		t.Fatal("registry never saw the registration")
	}
	if reg.DeviceID != "sensor-01" || reg.Type != "sensor" {
		t.Errorf("registration = %+v, want sensor-01/sensor", reg)
	}
	if _, ok := reg.Capabilities["temperature"]; !ok {
		t.Error("capabilities not carried through handshake")
	}
	if _, live := registry.Connection("sensor-01"); !live {
		t.Error("no live connection after handshake")
	}
}

func TestHandshakeRejectsNonRegisterFrame(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	sendFrame(t, ws, FramePing, "", nil)

	frame := readFrame(t, ws)
	if frame.Type != FrameError {
		t.Fatalf("reply = %s, want %s", frame.Type, FrameError)
	}
	if reg := registry.registration(); reg != nil {
		t.Error("registry saw a registration from a rejected handshake")
	}
}

func TestHandshakeRejectsBadCapabilities(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	sendFrame(t, ws, FrameRegister, "", RegisterPayload{
		DeviceID:     "sensor-01",
		Type:         "sensor",
		Capabilities: "not-a-structure",
	})

	frame := readFrame(t, ws)
	if frame.Type != FrameError {
		t.Fatalf("reply = %s, want %s", frame.Type, FrameError)
	}

	var payload ErrorPayload
	unmarshalPayload(t, frame, &payload)
	if !strings.Contains(payload.Message, "capability") {
		t.Errorf("error message %q does not mention capabilities", payload.Message)
	}
}

func TestHandshakeGracePeriod(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	// Send nothing; the link must be closed once the grace period ends.
	ws.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return // closed as expected
		}
	}
}

func TestSubmitThroughSession(t *testing.T) {
	registry := newMockRegistry()
	router := &mockRouter{}
	_, url := startManager(t, registry, router)

	ws := dialAndRegister(t, url, "sensor-01")

	priority := 7
	sendFrame(t, ws, FrameMessage, "frame-1", SubmitPayload{
		Destination: "valve-01",
		Payload:     map[string]any{"reading": 21.5},
		QoS:         1,
		Priority:    &priority,
	})

	frame := readFrame(t, ws)
	if frame.Type != FrameAck || frame.ID != "frame-1" {
		t.Fatalf("got %s/%s, want ack/frame-1", frame.Type, frame.ID)
	}
	var ack SubmitAckPayload
	unmarshalPayload(t, frame, &ack)
	if ack.MessageID == "" {
		t.Error("ack missing assigned message id")
	}

	subs := router.submissions()
	if len(subs) != 1 {
		t.Fatalf("router saw %d submissions, want 1", len(subs))
	}
	sub := subs[0]
	if sub.Source != "sensor-01" {
		t.Errorf("source = %q, want the session's device id", sub.Source)
	}
	if sub.Destination != "valve-01" || sub.QoS != message.QoSAtLeastOnce {
		t.Errorf("submission = %+v", sub)
	}
	if sub.Priority == nil || *sub.Priority != 7 {
		t.Errorf("priority = %v, want 7", sub.Priority)
	}
}

func TestSubmitDefaultsToPlatform(t *testing.T) {
	registry := newMockRegistry()
	router := &mockRouter{}
	_, url := startManager(t, registry, router)

	ws := dialAndRegister(t, url, "sensor-01")

	sendFrame(t, ws, FrameMessage, "frame-1", SubmitPayload{
		Payload: map[string]any{"temperature": 19.0},
	})
	readFrame(t, ws) // ack

	subs := router.submissions()
	if len(subs) != 1 || subs[0].Destination != message.PlatformDestination {
		t.Errorf("submissions = %+v, want destination platform", subs)
	}
}

func TestDeliverWithAck(t *testing.T) {
	registry := newMockRegistry()
	mgr, url := startManager(t, registry, &mockRouter{})

	ws := dialAndRegister(t, url, "valve-01")

	// Device side: ack the first deliver frame.
	done := make(chan Frame, 1)
	go func() {
		frame := readFrame(t, ws)
		sendFrame(t, ws, FrameAck, frame.ID, nil)
		done <- frame
	}()

	msg := &message.Message{
		ID:          message.NewID(),
		Source:      "sensor-01",
		Destination: "valve-01",
		Payload:     message.Payload{"command": "open"},
		QoS:         message.QoSAtLeastOnce,
		Priority:    5,
	}
	outcome := mgr.Send(context.Background(), "valve-01", msg)
	if outcome != message.OutcomeDelivered {
		t.Fatalf("Send() = %s, want delivered", outcome)
	}

	frame := <-done
	if frame.Type != FrameDeliver || frame.ID != msg.ID {
		t.Errorf("device received %s/%s, want deliver/%s", frame.Type, frame.ID, msg.ID)
	}
	var payload DeliverPayload
	unmarshalPayload(t, frame, &payload)
	if payload.Source != "sensor-01" || payload.Payload["command"] != "open" {
		t.Errorf("deliver payload = %+v", payload)
	}
}

func TestDeliverAckTimeout(t *testing.T) {
	registry := newMockRegistry()
	mgr, url := startManager(t, registry, &mockRouter{})

	dialAndRegister(t, url, "valve-01") // never acks

	msg := &message.Message{
		ID:          message.NewID(),
		Source:      "sensor-01",
		Destination: "valve-01",
		QoS:         message.QoSAtLeastOnce,
	}
	outcome := mgr.Send(context.Background(), "valve-01", msg)
	if outcome != message.OutcomeFailed {
		t.Errorf("Send() = %s, want failed after ack timeout", outcome)
	}
}

func TestDeliverFireAndForget(t *testing.T) {
	registry := newMockRegistry()
	mgr, url := startManager(t, registry, &mockRouter{})

	ws := dialAndRegister(t, url, "valve-01")

	msg := &message.Message{
		ID:          message.NewID(),
		Source:      "sensor-01",
		Destination: "valve-01",
		QoS:         message.QoSFireAndForget,
	}
	outcome := mgr.Send(context.Background(), "valve-01", msg)
	if outcome != message.OutcomeEnqueued {
		t.Fatalf("Send() = %s, want enqueued", outcome)
	}

	frame := readFrame(t, ws)
	if frame.Type != FrameDeliver {
		t.Errorf("device received %s, want deliver", frame.Type)
	}
}

func TestSendToOfflineDevice(t *testing.T) {
	registry := newMockRegistry()
	mgr, _ := startManager(t, registry, &mockRouter{})

	outcome := mgr.Send(context.Background(), "ghost", &message.Message{ID: message.NewID()})
	if outcome != message.OutcomeSessionClosed {
		t.Errorf("Send() = %s, want session_closed", outcome)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	registry := newMockRegistry()
	mgr, url := startManager(t, registry, &mockRouter{})

	ws := dialAndRegister(t, url, "valve-01")

	go func() {
		frame := readFrame(t, ws)
		if frame.Type != FrameCommand {
			return
		}
		sendFrame(t, ws, FrameCommandResponse, frame.ID, CommandResponsePayload{
			Status: "ok",
			Result: map[string]any{"level": 0.5},
		})
	}()

	resp, err := mgr.SendCommand(context.Background(), "valve-01", "set_level", map[string]any{"level": 0.5})
	if err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("response status = %q, want ok", resp.Status)
	}

	t.Run("offline device", func(t *testing.T) {
		_, err := mgr.SendCommand(context.Background(), "ghost", "set_level", nil)
		if err != ErrNotConnected {
			t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("response timeout", func(t *testing.T) {
		_, err := mgr.SendCommand(context.Background(), "valve-01", "slow_op", nil)
		if err != ErrCommandTimeout {
			t.Errorf("SendCommand() error = %v, want ErrCommandTimeout", err)
		}
	})
}

func TestPingPong(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	ws := dialAndRegister(t, url, "sensor-01")

	sendFrame(t, ws, FramePing, "p-1", nil)
	frame := readFrame(t, ws)
	if frame.Type != FramePong || frame.ID != "p-1" {
		t.Errorf("got %s/%s, want pong/p-1", frame.Type, frame.ID)
	}

	registry.mu.Lock()
	touches := registry.touches
	registry.mu.Unlock()
	if touches == 0 {
		t.Error("inbound frames never touched the registry")
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	registry := newMockRegistry()
	_, url := startManager(t, registry, &mockRouter{})

	ws := dialAndRegister(t, url, "sensor-01")
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, live := registry.Connection("sensor-01"); !live {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("connection never deregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCongestedOutboundQueue(t *testing.T) {
	s := &Session{
		id:       device.NewSessionID(),
		deviceID: "sensor-1",
		cfg:      testLinkConfig(),
		logger:   testLogger(),
		send:     make(chan []byte, 1),
		acks:     make(map[string]chan struct{}),
		commands: make(map[string]chan CommandResponsePayload),
	}
	// No write pump draining: one queued frame fills the buffer.
	s.send <- []byte("occupied")

	t.Run("deliver fire-and-forget", func(t *testing.T) {
		msg := &message.Message{ID: message.NewID(), QoS: message.QoSFireAndForget}
		if got := s.Deliver(context.Background(), msg); got != message.OutcomeCongested {
			t.Fatalf("Deliver() = %v, want %v", got, message.OutcomeCongested)
		}
	})

	t.Run("deliver acknowledged", func(t *testing.T) {
		msg := &message.Message{ID: message.NewID(), QoS: message.QoSAtLeastOnce}
		if got := s.Deliver(context.Background(), msg); got != message.OutcomeCongested {
			t.Fatalf("Deliver() = %v, want %v", got, message.OutcomeCongested)
		}
	})

	t.Run("command", func(t *testing.T) {
		if _, err := s.Command(context.Background(), "reboot", nil); err != ErrCongested {
			t.Fatalf("Command() error = %v, want %v", err, ErrCongested)
		}
	})
}
