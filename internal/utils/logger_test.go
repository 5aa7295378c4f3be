// internal/utils/logger_test.go
package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestComponentLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	if err := ConfigureLogging("debug", "json", &buf); err != nil {
		t.Fatalf("ConfigureLogging: %v", err)
	}
	defer ConfigureLogging("info", "console", os.Stderr)

	logger := NewComponentLogger("proxy").WithField("proxy_id", "abc123")
	logger.Infof("recorded %d outcomes", 3)

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q (%v)", line, err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"component", "proxy"},
		{"proxy_id", "abc123"},
		{"message", "recorded 3 outcomes"},
		{"level", "info"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got, _ := entry[tt.key].(string); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	if err := ConfigureLogging("warn", "json", &buf); err != nil {
		t.Fatalf("ConfigureLogging: %v", err)
	}
	defer ConfigureLogging("info", "console", os.Stderr)

	logger := NewLogger()
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("messages below warn should be dropped: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing: %s", buf.String())
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	parent := NewComponentLogger("session").WithField("site", "a").(*ZeroLogger)
	child := parent.WithFields(map[string]interface{}{"site": "b", "id": 1}).(*ZeroLogger)

	if parent.fields["site"] != "a" {
		t.Errorf("parent field changed to %v", parent.fields["site"])
	}
	if child.fields["site"] != "b" || child.fields["id"] != 1 {
		t.Errorf("unexpected child fields %v", child.fields)
	}
}

func TestConfigureLoggingRejectsUnknownLevel(t *testing.T) {
	if err := ConfigureLogging("loud", "json", nil); err == nil {
		t.Error("expected error for unknown level")
	}
}
