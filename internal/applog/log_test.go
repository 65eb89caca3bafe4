package applog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestEmitNormalizesLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newTestLogger(buf)

	Emit(logger, "bogus", ActorScheduler, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["level"] != "INFO" {
		t.Errorf("expected level INFO, got %v", rec["level"])
	}
}

func TestEmitNormalizesActor(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newTestLogger(buf)

	Emit(logger, "INFO", Actor("NOT_A_REAL_ACTOR"), "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["actor"] != string(ActorDB) {
		t.Errorf("expected actor DB fallback, got %v", rec["actor"])
	}
}

func TestSanitizeTruncatesAndStripsNewlines(t *testing.T) {
	long := strings.Repeat("x", 700) + "\ntrailing"
	got := sanitize(long)
	if len([]rune(got)) != maxMessageRunes {
		t.Fatalf("expected truncated length %d, got %d", maxMessageRunes, len([]rune(got)))
	}
	if strings.Contains(got, "\n") {
		t.Errorf("expected no newlines in sanitized message")
	}
}

func TestSanitizeEmptyBecomesDash(t *testing.T) {
	if got := sanitize("   "); got != "-" {
		t.Errorf("expected '-', got %q", got)
	}
}
