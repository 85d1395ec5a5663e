// Package slogadapter adapts log/slog to the logging.Logger port, the same
// way common/logger/logger.go builds a JSON-handler slog.Logger tagged with
// a service name and an env-driven level.
package slogadapter

import (
	"log/slog"
	"os"

	"github.com/resilientmq/resilientmq/logging"
)

type adapter struct {
	log *slog.Logger
}

// New builds a JSON-handler slog.Logger with level taken from LOG_LEVEL
// (DEBUG/INFO/WARN/ERROR, default INFO) and tags every entry with service.
func New(service string) logging.Logger {
	opts := &slog.HandlerOptions{Level: levelFromEnv(os.Getenv("LOG_LEVEL"))}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return Wrap(slog.New(handler).With(slog.String("service", service)))
}

// Wrap adapts an already-constructed *slog.Logger.
func Wrap(l *slog.Logger) logging.Logger {
	return adapter{log: l}
}

func (a adapter) Debug(msg string, kv ...any) { a.log.Debug(msg, kv...) }
func (a adapter) Info(msg string, kv ...any)  { a.log.Info(msg, kv...) }
func (a adapter) Warn(msg string, kv ...any)  { a.log.Warn(msg, kv...) }
func (a adapter) Error(msg string, kv ...any) { a.log.Error(msg, kv...) }

func (a adapter) With(kv ...any) logging.Logger {
	return adapter{log: a.log.With(kv...)}
}

func levelFromEnv(levelStr string) slog.Level {
	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
