// Package applog is the runtime log sink (C1): a thin wrapper over log/slog
// that normalizes every record to a fixed set of levels and actors and caps
// message length, matching the single-line structured record contract the
// rest of the worker depends on.
package applog

import (
	"log/slog"
	"os"
	"strings"
)

// Actor identifies the component emitting a log record.
type Actor string

const (
	ActorScheduler   Actor = "SCHEDULER"
	ActorIngest      Actor = "INGEST"
	ActorMVRefresh   Actor = "MVREFRESH"
	ActorAdminAPI    Actor = "ADMINAPI"
	ActorGraphClient Actor = "GRAPHCLIENT"
	ActorDB          Actor = "DB"
	ActorHeartbeat   Actor = "HEARTBEAT"
)

var allowedActors = map[Actor]bool{
	ActorScheduler:   true,
	ActorIngest:      true,
	ActorMVRefresh:   true,
	ActorAdminAPI:    true,
	ActorGraphClient: true,
	ActorDB:          true,
	ActorHeartbeat:   true,
}

const maxMessageRunes = 600

// New builds a *slog.Logger from the configured format ("json" or "text")
// and level name, following the teacher's format/level switch.
func New(format, level string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Emit writes a single normalized record: unrecognized levels fall back to
// INFO, unrecognized actors fall back to DB, and the message is truncated to
// 600 runes. attrs are passed through to slog as structured key/value pairs.
func Emit(logger *slog.Logger, level string, actor Actor, message string, attrs ...any) {
	lvl := normalizeLevel(level)
	act := normalizeActor(actor)
	msg := sanitize(message)

	args := append([]any{"actor", string(act)}, attrs...)

	switch lvl {
	case "WARN":
		logger.Warn(msg, args...)
	case "ERROR":
		logger.Error(msg, args...)
	default:
		logger.Info(msg, args...)
	}
}

func normalizeLevel(level string) string {
	switch strings.ToUpper(level) {
	case "WARN", "ERROR":
		return strings.ToUpper(level)
	default:
		return "INFO"
	}
}

func normalizeActor(actor Actor) Actor {
	if allowedActors[actor] {
		return actor
	}
	return ActorDB
}

func sanitize(text string) string {
	message := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, text)
	message = strings.TrimSpace(message)
	if message == "" {
		return "-"
	}

	runes := []rune(message)
	if len(runes) > maxMessageRunes {
		return string(runes[:maxMessageRunes-3]) + "..."
	}
	return message
}
