package scheduler

import (
	"log/slog"
	"time"

	"assistant-push-go/internal/metrics"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithConcurrency caps how many users are processed at once in one firing.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithLocker makes a firing take a cluster-wide lock first, so only one
// replica sends the digest. ttl should outlast a whole batch.
func WithLocker(l Locker, key string, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		if key != "" {
			s.lockKey = key
		}
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithHistory sets how many events Events keeps.
func WithHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.historySize = n
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}
