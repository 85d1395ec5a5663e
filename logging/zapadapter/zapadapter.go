// Package zapadapter adapts go.uber.org/zap to the logging.Logger port, for
// callers who already standardized on zap the way the teacher's stock
// service does.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/resilientmq/resilientmq/logging"
)

type adapter struct {
	log *zap.SugaredLogger
}

// New builds a production zap logger tagged with service.
func New(service string) (logging.Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return Wrap(base.Sugar().With("service", service)), nil
}

// Wrap adapts an already-constructed *zap.SugaredLogger.
func Wrap(l *zap.SugaredLogger) logging.Logger {
	return adapter{log: l}
}

func (a adapter) Debug(msg string, kv ...any) { a.log.Debugw(msg, kv...) }
func (a adapter) Info(msg string, kv ...any)  { a.log.Infow(msg, kv...) }
func (a adapter) Warn(msg string, kv ...any)  { a.log.Warnw(msg, kv...) }
func (a adapter) Error(msg string, kv ...any) { a.log.Errorw(msg, kv...) }

func (a adapter) With(kv ...any) logging.Logger {
	return adapter{log: a.log.With(kv...)}
}
