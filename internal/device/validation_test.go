package device

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "sensor-01", false},
		{"mac derived", "aa:bb:cc:dd:ee:ff", false},
		{"dotted serial", "acme.v2.0042", false},
		{"empty", "", true},
		{"leading separator", "-sensor", true},
		{"spaces", "sensor 01", true},
		{"too long", strings.Repeat("a", maxIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestParseCapabilities(t *testing.T) {
	t.Run("map payload", func(t *testing.T) {
		caps, err := ParseCapabilities(map[string]any{
			"temperature": map[string]any{"unit": "celsius"},
		})
		if err != nil {
			t.Fatalf("ParseCapabilities() error: %v", err)
		}
		if _, ok := caps["temperature"]; !ok {
			t.Error("temperature capability missing")
		}
	})

	t.Run("list payload", func(t *testing.T) {
		caps, err := ParseCapabilities([]any{"temperature", "humidity"})
		if err != nil {
			t.Fatalf("ParseCapabilities() error: %v", err)
		}
		if len(caps) != 2 {
			t.Errorf("got %d capabilities, want 2", len(caps))
		}
		if caps["humidity"] != true {
			t.Error("list entries should map to true")
		}
	})

	t.Run("nil payload", func(t *testing.T) {
		caps, err := ParseCapabilities(nil)
		if err != nil {
			t.Fatalf("ParseCapabilities(nil) error: %v", err)
		}
		if caps == nil {
			t.Error("expected empty map, got nil")
		}
	})

	t.Run("scalar payload rejected", func(t *testing.T) {
		_, err := ParseCapabilities("temperature")
		if !errors.Is(err, ErrUnknownCapabilityFormat) {
			t.Errorf("error = %v, want ErrUnknownCapabilityFormat", err)
		}
	})

	t.Run("list with non-string rejected", func(t *testing.T) {
		_, err := ParseCapabilities([]any{"temperature", 42})
		if !errors.Is(err, ErrUnknownCapabilityFormat) {
			t.Errorf("error = %v, want ErrUnknownCapabilityFormat", err)
		}
	})
}

func TestDeviceDeepCopy(t *testing.T) {
	original := testDevice("sensor-01")

	cpy := original.DeepCopy()
	cpy.Capabilities["injected"] = true
	cpy.Metadata["firmware"] = "9.9.9"

	if _, ok := original.Capabilities["injected"]; ok {
		t.Error("capability mutation leaked into original")
	}
	if original.Metadata["firmware"] != "2.4.1" {
		t.Error("metadata mutation leaked into original")
	}

	if (*Device)(nil).DeepCopy() != nil {
		t.Error("DeepCopy of nil should be nil")
	}
}
