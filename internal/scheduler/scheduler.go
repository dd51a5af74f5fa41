// Package scheduler fires the daily digest. A firing never overlaps a
// previous one: it is skipped and recorded instead of queued.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/metrics"
	"assistant-push-go/internal/models"
	"assistant-push-go/internal/notify"
)

const (
	DefaultConcurrency = 8
	DefaultLockKey     = "digest:lock"
	DefaultLockTTL     = 30 * time.Minute

	defaultHistory = 64
)

// State is Idle or Running.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// DigestBuilder supplies who gets a digest and what it says.
type DigestBuilder interface {
	Recipients(ctx context.Context) ([]string, error)
	Build(ctx context.Context, userID string) (models.Payload, error)
}

// Broadcaster is satisfied by *notify.Service.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, category models.Category, payload models.Payload) (notify.Report, error)
}

// Locker is satisfied by *store.RedisStore.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// EventKind names what happened to one firing.
type EventKind string

const (
	EventCompleted      EventKind = "completed"
	EventSkippedOverlap EventKind = "skipped_overlap"
	EventSkippedLocked  EventKind = "skipped_locked"
	EventFailed         EventKind = "failed"
)

// Event records one firing.
type Event struct {
	Kind       EventKind     `json:"kind"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Recipients int           `json:"recipients"`
	Sent       int           `json:"sent"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

type Scheduler struct {
	schedule    Daily
	builder     DigestBuilder
	broadcaster Broadcaster

	locker  Locker
	lockKey string
	lockTTL time.Duration

	concurrency int
	state       atomic.Int32
	firings     sync.WaitGroup

	mu          sync.Mutex
	events      []Event
	historySize int

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(schedule Daily, builder DigestBuilder, broadcaster Broadcaster, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedule:    schedule,
		builder:     builder,
		broadcaster: broadcaster,
		lockKey:     DefaultLockKey,
		lockTTL:     DefaultLockTTL,
		concurrency: DefaultConcurrency,
		historySize: defaultHistory,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("scheduler"))
	return s
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Events returns the most recent firings, oldest first.
func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Run fires on schedule until ctx is done, then waits for a firing in
// progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", slog.String("schedule", s.schedule.String()))
	defer s.firings.Wait()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler shutting down")
			return nil
		case <-timer.C:
			s.firings.Add(1)
			go func() {
				defer s.firings.Done()
				s.Fire(ctx)
			}()
		}
	}
}

// Fire runs one digest batch unless one is already running. It reports
// whether the batch ran. A started batch is not cancelled by ctx.
func (s *Scheduler) Fire(ctx context.Context) bool {
	if !s.state.CompareAndSwap(int32(Idle), int32(Running)) {
		s.logger.Warn("digest firing skipped: previous run still in progress")
		s.record(Event{Kind: EventSkippedOverlap, At: s.now()})
		return false
	}
	defer s.state.Store(int32(Idle))

	ctx = context.WithoutCancel(ctx)
	start := s.now()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, s.lockKey, s.lockTTL)
		if err != nil {
			s.logger.Error("failed to acquire digest lock", logger.Error(err))
			s.record(Event{Kind: EventFailed, At: start, Error: err.Error()})
			return false
		}
		if !ok {
			s.logger.Info("digest firing skipped: another replica holds the lock")
			s.record(Event{Kind: EventSkippedLocked, At: start})
			return false
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				s.logger.Warn("failed to release digest lock", logger.Error(err))
			}
		}()
	}

	ev := s.runBatch(ctx)
	ev.At = start
	ev.Duration = s.now().Sub(start)
	s.record(ev)

	s.logger.Info("digest firing finished",
		slog.String("result", string(ev.Kind)),
		slog.Int("recipients", ev.Recipients),
		slog.Int("sent", ev.Sent),
		slog.Int("skipped", ev.Skipped),
		slog.Int("failed", ev.Failed),
		slog.Duration("duration", ev.Duration),
	)
	return true
}

// runBatch broadcasts to every recipient. One user's failure is logged and
// counted; it never stops the others.
func (s *Scheduler) runBatch(ctx context.Context) Event {
	users, err := s.builder.Recipients(ctx)
	if err != nil {
		s.logger.Error("failed to list digest recipients", logger.Error(err))
		return Event{Kind: EventFailed, Error: err.Error()}
	}

	var sent, skipped, failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			switch ok, err := s.digestFor(ctx, userID); {
			case err != nil:
				failed.Add(1)
				s.logger.LogAttrs(ctx, slog.LevelError, "digest broadcast failed",
					logger.UserID(userID),
					logger.Error(err),
				)
			case ok:
				sent.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Event{
		Kind:       EventCompleted,
		Recipients: len(users),
		Sent:       int(sent.Load()),
		Skipped:    int(skipped.Load()),
		Failed:     int(failed.Load()),
	}
}

// digestFor reports whether anything was dispatched to userID.
func (s *Scheduler) digestFor(ctx context.Context, userID string) (bool, error) {
	payload, err := s.builder.Build(ctx, userID)
	if err != nil {
		return false, err
	}
	report, err := s.broadcaster.Broadcast(ctx, userID, models.CategoryDailySummary, payload)
	if err != nil {
		return false, err
	}
	return report.Dispatched > 0, nil
}

func (s *Scheduler) record(ev Event) {
	s.metrics.ObserveDigestRun(string(ev.Kind))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.historySize; over > 0 {
		s.events = append(s.events[:0], s.events[over:]...)
	}
}
