package metering

import (
	"log/slog"
	"time"
)

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithReporter wires the external billing-dimension reporting client.
func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithEventStore wires the append-only usage-event audit log.
func WithEventStore(s EventStore) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.events = s
		}
	}
}

// WithBackoff overrides the submission retry backoff strategy.
func WithBackoff(b BackoffStrategy) EngineOption {
	return func(e *Engine) {
		if b != nil {
			e.backoff = b
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
