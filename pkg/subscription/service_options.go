package subscription

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithCacheInvalidator wires the entitlement cache so status changes drop the
// stale view synchronously.
func WithCacheInvalidator(inv CacheInvalidator) ServiceOption {
	return func(s *Service) {
		if inv != nil {
			s.invalidator = inv
		}
	}
}

// WithRetention overrides the window a cancelled subscription is kept before
// it becomes archivable. Default is 30 days.
func WithRetention(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
