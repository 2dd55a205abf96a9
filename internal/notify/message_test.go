package notify

import (
	"errors"
	"strings"
	"testing"

	"github.com/couchtail/couchtail/internal/feed"
)

func TestFormatTerminatedMessage(t *testing.T) {
	statuses := []feed.Status{
		{Database: "orders", State: feed.StateTerminated, Position: "44", Processed: 2},
		{Database: "users", State: feed.StateTerminated, Position: "7", Processed: 0, Malformed: 3, LastError: "connection refused"},
	}

	msg := FormatTerminatedMessage(statuses, errors.New("persisting position: disk full"))

	for _, want := range []string{"orders", "seq 44", "2 changes", "3 malformed", "connection refused", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected message to mention %q:\n%s", want, msg)
		}
	}
}

func TestFormatTerminatedMessageCleanStop(t *testing.T) {
	msg := FormatTerminatedMessage([]feed.Status{
		{Database: "orders", State: feed.StateTerminated, Position: "10", Processed: 5},
	}, nil)

	if strings.Contains(msg, "Error:") {
		t.Errorf("clean stop must not carry an error section:\n%s", msg)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Enabled: true, Server: "https://ntfy.sh", Priority: "default"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing topic")
	}

	cfg.Topic = "couchtail-alerts"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	cfg.Priority = "shouting"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid priority")
	}

	disabled := &Config{Enabled: false}
	if err := disabled.Validate(); err != nil {
		t.Errorf("disabled config must validate, got %v", err)
	}
}
