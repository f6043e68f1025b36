// Package trace defines the sink the engine reports unit lifecycle and
// caught faults to.
package trace

import (
	"context"
	"log/slog"
)

// Sink receives engine trace messages. Calls never fail and return nothing.
type Sink interface {
	Info(ctx context.Context, msg string, args ...any)
	Warning(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Exception(ctx context.Context, msg string, err error, args ...any)
}

// SlogSink forwards trace calls to an slog.Logger. Correlation ids come from
// the context when the logger uses logging.CorrelationHandler.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger. A nil logger uses slog.Default().
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Info(ctx context.Context, msg string, args ...any) {
	s.logger.InfoContext(ctx, msg, args...)
}

func (s *SlogSink) Warning(ctx context.Context, msg string, args ...any) {
	s.logger.WarnContext(ctx, msg, args...)
}

func (s *SlogSink) Error(ctx context.Context, msg string, args ...any) {
	s.logger.ErrorContext(ctx, msg, args...)
}

func (s *SlogSink) Exception(ctx context.Context, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	s.logger.ErrorContext(ctx, msg, args...)
}

type nopSink struct{}

func (nopSink) Info(context.Context, string, ...any)             {}
func (nopSink) Warning(context.Context, string, ...any)          {}
func (nopSink) Error(context.Context, string, ...any)            {}
func (nopSink) Exception(context.Context, string, error, ...any) {}

// Nop discards everything.
var Nop Sink = nopSink{}
