package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitWriterProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := InitWriter("production", &buf)
	logger.Info().Str("room", "r1").Msg("joined")
	logger.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["room"] != "r1" || entry["message"] != "joined" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestInitWriterDevelopmentIsReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := InitWriter("development", &buf)
	logger.Debug().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug line missing: %q", buf.String())
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("development output should not be JSON: %q", buf.String())
	}
}
