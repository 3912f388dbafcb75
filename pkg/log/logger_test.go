package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "ehashd", "1.0.0", "info", "json")

	logger.WithComponent("mint").
		WithKeyset("00abcdef", "ACTIVE").
		WithError(errors.New("boom")).
		LogQuoteIssued("q-1", "00abcdef", 256, "HASH")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}

	want := map[string]any{
		"service":   "ehashd",
		"version":   "1.0.0",
		"component": "mint",
		"keyset_id": "00abcdef",
		"error":     "boom",
		"quote_id":  "q-1",
		"msg":       "mint quote issued",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "ehashd", "dev", "error", "text")

	logger.LogDrop("mint", "queue full")
	if buf.Len() != 0 {
		t.Errorf("Expected warn to be filtered at error level, got %q", buf.String())
	}

	logger.Error("fatal")
	if !strings.Contains(buf.String(), "fatal") {
		t.Errorf("Expected error line, got %q", buf.String())
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "ehashd", "dev", "info", "json")

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-9")
	logger.WithContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), `"request_id":"req-9"`) {
		t.Errorf("Expected request_id in output, got %q", buf.String())
	}

	if logger.WithContext(context.Background()) != logger {
		t.Error("Expected same logger when context carries nothing")
	}
}
