package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"assistant-push-go/internal/metrics"
	"assistant-push-go/internal/models"
	"assistant-push-go/internal/notify"
)

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) Recipients(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	users, _ := args.Get(0).([]string)
	return users, args.Error(1)
}

func (m *mockBuilder) Build(ctx context.Context, userID string) (models.Payload, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.Payload), args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, userID string, category models.Category, payload models.Payload) (notify.Report, error) {
	args := m.Called(ctx, userID, category, payload)
	return args.Get(0).(notify.Report), args.Error(1)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	args := m.Called(ctx, key, ttl)
	unlock, _ := args.Get(0).(func(context.Context) error)
	return unlock, args.Bool(1), args.Error(2)
}

// gatedBuilder blocks Recipients until release is closed.
type gatedBuilder struct {
	entered chan struct{}
	release chan struct{}
	users   []string
}

func (b *gatedBuilder) Recipients(context.Context) ([]string, error) {
	close(b.entered)
	<-b.release
	return b.users, nil
}

func (b *gatedBuilder) Build(_ context.Context, userID string) (models.Payload, error) {
	return models.Payload{Title: "Daily summary", Body: userID}, nil
}

var sentReport = notify.Report{Dispatched: 1, Succeeded: 1}

func TestScheduler_FireBroadcastsDailySummary(t *testing.T) {
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return([]string{"u1", "u2", "u3"}, nil)
	for _, u := range []string{"u1", "u2", "u3"} {
		b.On("Build", mock.Anything, u).Return(models.Payload{Title: "Your day", Body: u}, nil)
	}

	bc := new(mockBroadcaster)
	bc.On("Broadcast", mock.Anything, "u1", models.CategoryDailySummary, models.Payload{Title: "Your day", Body: "u1"}).Return(sentReport, nil)
	bc.On("Broadcast", mock.Anything, "u2", models.CategoryDailySummary, models.Payload{Title: "Your day", Body: "u2"}).Return(notify.Report{Skipped: true}, nil)
	bc.On("Broadcast", mock.Anything, "u3", models.CategoryDailySummary, models.Payload{Title: "Your day", Body: "u3"}).Return(sentReport, nil)

	m := metrics.New()
	s := New(Daily{Hour: 20}, b, bc, WithMetrics(m))

	require.True(t, s.Fire(context.Background()))
	assert.Equal(t, Idle, s.State())
	bc.AssertExpectations(t)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Kind)
	assert.Equal(t, 3, events[0].Recipients)
	assert.Equal(t, 2, events[0].Sent)
	assert.Equal(t, 1, events[0].Skipped)
	assert.Zero(t, events[0].Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DigestRuns.WithLabelValues("completed")))
}

func TestScheduler_OverlappingFiringIsSkipped(t *testing.T) {
	gb := &gatedBuilder{entered: make(chan struct{}), release: make(chan struct{}), users: []string{"u1"}}

	var broadcasts atomic.Int32
	bc := new(mockBroadcaster)
	bc.On("Broadcast", mock.Anything, "u1", models.CategoryDailySummary, mock.Anything).
		Run(func(mock.Arguments) { broadcasts.Add(1) }).
		Return(sentReport, nil)

	s := New(Daily{Hour: 20}, gb, bc)

	first := make(chan bool)
	go func() { first <- s.Fire(context.Background()) }()

	<-gb.entered
	assert.Equal(t, Running, s.State())

	// two more firings while the first is in flight
	assert.False(t, s.Fire(context.Background()))
	assert.False(t, s.Fire(context.Background()))
	assert.Zero(t, broadcasts.Load())

	close(gb.release)
	assert.True(t, <-first)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, int32(1), broadcasts.Load(), "skipped firings are never queued")

	events := s.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventSkippedOverlap, events[0].Kind)
	assert.Equal(t, EventSkippedOverlap, events[1].Kind)
	assert.Equal(t, EventCompleted, events[2].Kind)

	// idle again, so the next firing runs
	gb2 := &gatedBuilder{entered: make(chan struct{}), release: make(chan struct{})}
	close(gb2.release)
	s.builder = gb2
	assert.True(t, s.Fire(context.Background()))
}

func TestScheduler_OneUserFailureDoesNotAbortOthers(t *testing.T) {
	users := make([]string, 10)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}

	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return(users, nil)
	b.On("Build", mock.Anything, "u3").Return(models.Payload{}, errors.New("no data"))
	b.On("Build", mock.Anything, mock.Anything).Return(models.Payload{Title: "t"}, nil)

	bc := new(mockBroadcaster)
	bc.On("Broadcast", mock.Anything, "u7", mock.Anything, mock.Anything).
		Return(notify.Report{}, &models.StoreError{Op: "active_for", Err: errors.New("timeout")})
	bc.On("Broadcast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(sentReport, nil)

	s := New(Daily{}, b, bc, WithConcurrency(3))
	require.True(t, s.Fire(context.Background()))

	ev := s.Events()[0]
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.Equal(t, 10, ev.Recipients)
	assert.Equal(t, 8, ev.Sent)
	assert.Equal(t, 2, ev.Failed)
	bc.AssertNumberOfCalls(t, "Broadcast", 9)
}

func TestScheduler_BoundedUserConcurrency(t *testing.T) {
	users := make([]string, 20)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return(users, nil)
	b.On("Build", mock.Anything, mock.Anything).Return(models.Payload{}, nil)

	var inFlight, peak atomic.Int32
	bc := new(mockBroadcaster)
	bc.On("Broadcast", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}).
		Return(sentReport, nil)

	s := New(Daily{}, b, bc, WithConcurrency(4))
	require.True(t, s.Fire(context.Background()))

	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Equal(t, 20, s.Events()[0].Sent)
}

func TestScheduler_RecipientsError(t *testing.T) {
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return(nil, errors.New("db down"))
	bc := new(mockBroadcaster)

	s := New(Daily{}, b, bc)
	assert.True(t, s.Fire(context.Background()))

	ev := s.Events()[0]
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "db down", ev.Error)
	assert.Equal(t, Idle, s.State())
	bc.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestScheduler_CancelledContextStillFinishesBatch(t *testing.T) {
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return([]string{"u1"}, nil)
	b.On("Build", mock.Anything, "u1").Return(models.Payload{}, nil)

	bc := new(mockBroadcaster)
	bc.On("Broadcast", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), "u1", mock.Anything, mock.Anything).
		Return(sentReport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Daily{}, b, bc)
	require.True(t, s.Fire(ctx))
	bc.AssertExpectations(t)
}

func TestScheduler_Locker(t *testing.T) {
	newBuilder := func() *mockBuilder {
		b := new(mockBuilder)
		b.On("Recipients", mock.Anything).Return([]string{}, nil)
		return b
	}

	t.Run("acquired and released", func(t *testing.T) {
		var released atomic.Bool
		l := new(mockLocker)
		l.On("TryLock", mock.Anything, "digest:test", time.Minute).
			Return(func(context.Context) error { released.Store(true); return nil }, true, nil)

		b := newBuilder()
		s := New(Daily{}, b, new(mockBroadcaster), WithLocker(l, "digest:test", time.Minute))

		assert.True(t, s.Fire(context.Background()))
		assert.True(t, released.Load())
		b.AssertCalled(t, "Recipients", mock.Anything)
	})

	t.Run("held elsewhere", func(t *testing.T) {
		l := new(mockLocker)
		l.On("TryLock", mock.Anything, DefaultLockKey, DefaultLockTTL).Return(nil, false, nil)

		b := newBuilder()
		s := New(Daily{}, b, new(mockBroadcaster), WithLocker(l, "", 0))

		assert.False(t, s.Fire(context.Background()))
		assert.Equal(t, EventSkippedLocked, s.Events()[0].Kind)
		assert.Equal(t, Idle, s.State())
		b.AssertNotCalled(t, "Recipients", mock.Anything)
	})

	t.Run("lock error", func(t *testing.T) {
		l := new(mockLocker)
		l.On("TryLock", mock.Anything, mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down"))

		s := New(Daily{}, newBuilder(), new(mockBroadcaster), WithLocker(l, "", 0))

		assert.False(t, s.Fire(context.Background()))
		assert.Equal(t, EventFailed, s.Events()[0].Kind)
	})
}

func TestScheduler_EventsAreBounded(t *testing.T) {
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Return([]string{}, nil)

	s := New(Daily{}, b, new(mockBroadcaster), WithHistory(3))
	for range 5 {
		s.Fire(context.Background())
	}
	assert.Len(t, s.Events(), 3)
}

func TestScheduler_RunFiresOnScheduleAndStops(t *testing.T) {
	loc := time.UTC
	// always 50ms before 20:00 so every wait is short
	clock := func() time.Time { return time.Date(2025, 1, 1, 19, 59, 59, 950_000_000, loc) }

	var mu sync.Mutex
	fired := 0
	b := new(mockBuilder)
	b.On("Recipients", mock.Anything).Run(func(mock.Arguments) {
		mu.Lock()
		fired++
		mu.Unlock()
	}).Return([]string{}, nil)

	s := New(Daily{Hour: 20, Location: loc}, b, new(mockBroadcaster), withClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Idle, s.State())
}
