// Package logging provides a small context-carried logger facade,
// following the shape of kopia's repo/logging package: components ask
// for a named Logger via Module(), callers inject a concrete backend
// into a context.Context via WithLogger, and a context with no
// injected backend yields a no-op logger.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Logger is the subset of structured-logging verbs components use.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// Factory builds a named Logger. Module() returns one bound to a
// context so components never import zap directly.
type Factory func(module string) Logger

type contextKeyType struct{}

var contextKey = contextKeyType{}

// WithLogger attaches a Factory to ctx; components further down the
// call chain that call Module(name)(ctx) will get loggers from it.
func WithLogger(ctx context.Context, f Factory) context.Context {
	return context.WithValue(ctx, contextKey, f)
}

// Module returns a function that, given a context, produces a Logger
// named module. If no Factory was attached to the context, the
// returned Logger discards everything.
func Module(module string) func(ctx context.Context) Logger {
	return func(ctx context.Context) Logger {
		f, _ := ctx.Value(contextKey).(Factory)
		if f == nil {
			return nullLogger{}
		}

		return f(module)
	}
}

type nullLogger struct{}

func (nullLogger) Debugw(string, ...interface{}) {}
func (nullLogger) Infow(string, ...interface{})  {}
func (nullLogger) Warnw(string, ...interface{})  {}
func (nullLogger) Errorw(string, ...interface{}) {}

// NewZapFactory adapts a *zap.Logger into a Factory: each module gets
// a child logger with a "module" field, the way kopia's CLI wires its
// subsystem loggers.
func NewZapFactory(base *zap.Logger) Factory {
	if base == nil {
		base = zap.NewNop()
	}

	return func(module string) Logger {
		return &zapLogger{base.Sugar().With("module", module)}
	}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

// Broadcast fans a Factory out to multiple factories, mirroring
// kopia's logging.Broadcast used to send log lines to several sinks
// at once (e.g. a file log plus a progress-UI log).
func Broadcast(factories ...Factory) Factory {
	return func(module string) Logger {
		loggers := make([]Logger, 0, len(factories))
		for _, f := range factories {
			if f != nil {
				loggers = append(loggers, f(module))
			}
		}

		return broadcastLogger{loggers}
	}
}

type broadcastLogger struct {
	loggers []Logger
}

func (b broadcastLogger) Debugw(msg string, kv ...interface{}) {
	for _, l := range b.loggers {
		l.Debugw(msg, kv...)
	}
}

func (b broadcastLogger) Infow(msg string, kv ...interface{}) {
	for _, l := range b.loggers {
		l.Infow(msg, kv...)
	}
}

func (b broadcastLogger) Warnw(msg string, kv ...interface{}) {
	for _, l := range b.loggers {
		l.Warnw(msg, kv...)
	}
}

func (b broadcastLogger) Errorw(msg string, kv ...interface{}) {
	for _, l := range b.loggers {
		l.Errorw(msg, kv...)
	}
}
