package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	bserrors "github.com/bardlex/blockseal/pkg/errors"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogBlockSealed_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "blockseal", "test", "info", "json")

	logger.WithBlock("md5", 5).LogBlockSealed("1234", 1235, 20*time.Millisecond, false)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}

	checks := map[string]any{
		"msg":        "block sealed",
		"service":    "blockseal",
		"version":    "test",
		"algorithm":  "md5",
		"difficulty": float64(5),
		"nonce":      "1234",
		"attempts":   float64(1235),
		"cached":     false,
	}
	for key, want := range checks {
		if record[key] != want {
			t.Errorf("record[%q] = %v, want %v", key, record[key], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "blockseal", "test", "warn", "text")

	logger.LogSearchProgress(0, 10, "9")
	logger.LogSealCheck(true, "sealed-valid")
	if buf.Len() != 0 {
		t.Errorf("expected debug and info records to be dropped, got %q", buf.String())
	}

	logger.WithError(errors.New("boom")).Warn("cache unavailable")
	if !strings.Contains(buf.String(), "error=boom") {
		t.Errorf("expected error field in %q", buf.String())
	}
}

func TestWithError_ServiceError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "blockseal", "test", "info", "json")

	err := bserrors.New(bserrors.ErrorTypeExhausted, "mine", "no nonce found").
		WithContext("reason", "timeout")
	logger.WithError(err).Warn("seal failed")

	var record map[string]any
	if jerr := json.Unmarshal(buf.Bytes(), &record); jerr != nil {
		t.Fatalf("invalid JSON record %q: %v", buf.String(), jerr)
	}
	if record["error_type"] != "exhausted" || record["retryable"] != true || record["reason"] != "timeout" {
		t.Errorf("record = %v", record)
	}
}

func TestWithError_Nil(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "blockseal", "test", "info", "json")
	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestLogThroughput_ZeroDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "blockseal", "test", "info", "json")

	logger.LogThroughput("nonce_search", 10, 0)
	if buf.Len() != 0 {
		t.Errorf("expected no record for zero duration, got %q", buf.String())
	}
}
