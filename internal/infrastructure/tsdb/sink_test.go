package tsdb

import (
	"context"
	"testing"

	"github.com/conduit-hub/conduit-core/internal/infrastructure/config"
	"github.com/conduit-hub/conduit-core/internal/message"
)

func testDisabledConfig() config.TelemetryConfig {
	return config.TelemetryConfig{Enabled: false}
}

func TestNumericFields(t *testing.T) {
	tests := []struct {
		name    string
		payload message.Payload
		want    map[string]interface{}
	}{
		{
			name:    "floats pass through",
			payload: message.Payload{"temp": 21.5, "humidity": 40.0},
			want:    map[string]interface{}{"temp": 21.5, "humidity": 40.0},
		},
		{
			name:    "ints become floats",
			payload: message.Payload{"count": 3},
			want:    map[string]interface{}{"count": 3.0},
		},
		{
			name:    "bools become 0 and 1",
			payload: message.Payload{"open": true, "locked": false},
			want:    map[string]interface{}{"open": 1.0, "locked": 0.0},
		},
		{
			name:    "strings and maps ignored",
			payload: message.Payload{"temp": 21.5, "unit": "celsius", "nested": map[string]any{"a": 1}},
			want:    map[string]interface{}{"temp": 21.5},
		},
		{
			name:    "nothing numeric",
			payload: message.Payload{"note": "hello"},
			want:    nil,
		},
		{
			name:    "empty payload",
			payload: message.Payload{},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := numericFields(tt.payload)
			if len(got) != len(tt.want) {
				t.Fatalf("numericFields() = %v, want %v", got, tt.want)
			}
			for key, want := range tt.want {
				if got[key] != want {
					t.Errorf("field %q = %v, want %v", key, got[key], want)
				}
			}
		})
	}
}

func TestConsumeDisconnectedClient(t *testing.T) {
	// A disconnected client drops the write; Consume still succeeds so
	// the message is not retried against a dead sink.
	sink := NewTelemetrySink(&Client{})

	err := sink.Consume(context.Background(), &message.Message{
		ID:          message.NewID(),
		Source:      "sensor-1",
		Destination: message.PlatformDestination,
		Payload:     message.Payload{"temp": 21.5},
	})
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(testDisabledConfig())
	if err != ErrDisabled {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
}
