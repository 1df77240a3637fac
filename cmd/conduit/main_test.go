package main

import (
	"context"
	"testing"

	"github.com/conduit-hub/conduit-core/internal/message"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("CONDUIT_CONFIG", "")
		if got := getConfigPath(); got != defaultConfigPath {
			t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
		}
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv("CONDUIT_CONFIG", "/etc/conduit/config.yaml")
		if got := getConfigPath(); got != "/etc/conduit/config.yaml" {
			t.Errorf("getConfigPath() = %q, want env value", got)
		}
	})
}

func TestLinkSenderWithoutManager(t *testing.T) {
	// Before the manager is wired, deliveries report a closed session so
	// the router parks or retries instead of dropping.
	s := &linkSender{}
	outcome := s.Send(context.Background(), "sensor-1", &message.Message{ID: message.NewID()})
	if outcome != message.OutcomeSessionClosed {
		t.Errorf("Send() outcome = %v, want OutcomeSessionClosed", outcome)
	}
}
