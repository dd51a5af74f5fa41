package notify

import (
	"context"
	"encoding/json"
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
	"assistant-push-go/internal/store"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Send(ctx context.Context, sub models.Subscription, payload models.Payload) models.DeliveryResult {
	args := m.Called(ctx, sub, payload)
	return args.Get(0).(models.DeliveryResult)
}

func (m *mockDeliverer) Ready() error {
	return m.Called().Error(0)
}

// funcDeliverer lets a test script each send.
type funcDeliverer func(ctx context.Context, sub models.Subscription) models.DeliveryResult

func (f funcDeliverer) Send(ctx context.Context, sub models.Subscription, _ models.Payload) models.DeliveryResult {
	return f(ctx, sub)
}

func (f funcDeliverer) Ready() error { return nil }

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishReport(ctx context.Context, userID string, data []byte) error {
	return m.Called(ctx, userID, data).Error(0)
}

// failingDeactivate wraps a store and refuses every deactivation.
type failingDeactivate struct {
	*store.MemoryStore
}

func (failingDeactivate) Deactivate(context.Context, string, string) error {
	return &models.StoreError{Op: "deactivate", Err: errors.New("connection reset")}
}

var ok201 = models.DeliveryResult{Success: true, StatusCode: 201}

func status(code int, kind models.ErrorKind) models.DeliveryResult {
	return models.DeliveryResult{
		StatusCode: code,
		Err:        &models.DeliveryError{Kind: kind, StatusCode: code, Err: fmt.Errorf("status %d", code)},
	}
}

func endpoint(i int) string {
	return fmt.Sprintf("https://push.example/device-%d", i)
}

func seed(t *testing.T, s *store.MemoryStore, userID string, n int) {
	t.Helper()
	for i := range n {
		_, err := s.Register(context.Background(), userID,
			models.PushSubscription{Endpoint: endpoint(i), Keys: models.Keys{P256dh: "k", Auth: "a"}},
			models.DeviceInfo{})
		require.NoError(t, err)
	}
}

func forEndpoint(e string) any {
	return mock.MatchedBy(func(sub models.Subscription) bool { return sub.Endpoint == e })
}

func TestBroadcast_DisabledCategorySkips(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "u1", 2)
	off := false
	_, err := s.UpdateSettings(ctx, "u1", models.SettingsPatch{DailySummary: &off})
	require.NoError(t, err)

	d := new(mockDeliverer)
	svc := NewService(s, NewGate(s), d)

	r, err := svc.Broadcast(ctx, "u1", models.CategoryDailySummary, models.Payload{Title: "t"})
	require.NoError(t, err)

	assert.True(t, r.Skipped)
	assert.Zero(t, r.Dispatched)
	assert.Equal(t, "skipped", r.Result())
	d.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcast_NoActiveSubscriptions(t *testing.T) {
	s := store.NewMemoryStore()
	d := new(mockDeliverer)
	svc := NewService(s, NewGate(s), d)

	r, err := svc.Broadcast(context.Background(), "u1", models.CategoryTaskReminders, models.Payload{Title: "t"})
	require.NoError(t, err)

	assert.False(t, r.Skipped)
	assert.Zero(t, r.Dispatched)
	assert.Equal(t, NoteNoActiveSubscriptions, r.Note)
	d.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcast_PermanentFailureDeactivatesOnlyThatSubscription(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "u1", 5)

	m := metrics.New()
	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, forEndpoint(endpoint(2)), mock.Anything).Return(status(410, models.ErrorPermanent))
	d.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(ok201)

	svc := NewService(s, NewGate(s), d, WithMetrics(m))

	r, err := svc.Broadcast(ctx, "u1", models.CategoryDailySummary, models.Payload{Title: "t"})
	require.NoError(t, err)

	assert.Equal(t, 5, r.Dispatched)
	assert.Equal(t, 4, r.Succeeded)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Deactivations())
	assert.Empty(t, r.Warning)
	d.AssertNumberOfCalls(t, "Send", 5)

	for _, o := range r.Outcomes {
		if o.Endpoint == endpoint(2) {
			assert.Equal(t, models.ErrorPermanent, o.ErrorKind)
			assert.True(t, o.Deactivated)
		} else {
			assert.True(t, o.Success, o.Endpoint)
		}
	}

	active, err := s.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 4)
	for _, sub := range active {
		assert.NotEqual(t, endpoint(2), sub.Endpoint)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deactivations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("dailySummary", "sent")))
}

func TestBroadcast_TransientAndMalformedLeaveSubscriptionsActive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "u1", 2)

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, forEndpoint(endpoint(0)), mock.Anything).Return(status(503, models.ErrorTransient))
	d.On("Send", mock.Anything, forEndpoint(endpoint(1)), mock.Anything).Return(status(400, models.ErrorMalformed))

	r, err := NewService(s, NewGate(s), d).Broadcast(ctx, "u1", models.CategoryDailySummary, models.Payload{Title: "t"})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Failed)
	assert.Zero(t, r.Deactivations())
	assert.Empty(t, r.Warning, "a transient failure may still succeed later")

	active, err := s.ActiveFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestBroadcast_AllNonTransientFailuresWarn(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 2)

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, forEndpoint(endpoint(0)), mock.Anything).Return(status(410, models.ErrorPermanent))
	d.On("Send", mock.Anything, forEndpoint(endpoint(1)), mock.Anything).Return(status(413, models.ErrorMalformed))

	r, err := NewService(s, NewGate(s), d).Broadcast(context.Background(), "u1", models.CategoryDailySummary, models.Payload{})
	require.NoError(t, err)

	assert.NotEmpty(t, r.Warning)
	assert.Equal(t, "failed", r.Result())
}

func TestBroadcast_UnknownCategory(t *testing.T) {
	s := store.NewMemoryStore()
	d := new(mockDeliverer)

	_, err := NewService(s, NewGate(s), d).Broadcast(context.Background(), "u1", "promo", models.Payload{})

	var cfgErr *models.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestBroadcast_NotConfigured(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 1)

	d := new(mockDeliverer)
	d.On("Ready").Return(&models.ConfigurationError{Msg: "VAPID keys not configured"})

	_, err := NewService(s, NewGate(s), d).Broadcast(context.Background(), "u1", models.CategoryDailySummary, models.Payload{})

	var cfgErr *models.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	d.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestBroadcast_BoundedConcurrency(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 12)

	var inFlight, peak atomic.Int32
	d := funcDeliverer(func(ctx context.Context, sub models.Subscription) models.DeliveryResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return ok201
	})

	r, err := NewService(s, NewGate(s), d, WithConcurrency(3)).
		Broadcast(context.Background(), "u1", models.CategoryDailySummary, models.Payload{})
	require.NoError(t, err)

	assert.Equal(t, 12, r.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Zero(t, inFlight.Load(), "broadcast returns only after every send resolved")
}

func TestBroadcast_CancelledBeforeDispatch(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 3)

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := NewService(s, NewGate(s), d).Broadcast(ctx, "u1", models.CategoryDailySummary, models.Payload{})
	require.NoError(t, err)

	assert.Equal(t, 3, r.Failed)
	for _, o := range r.Outcomes {
		assert.Equal(t, models.ErrorTransient, o.ErrorKind)
		assert.False(t, o.Deactivated)
	}
	d.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)

	active, _ := s.ActiveFor(context.Background(), "u1")
	assert.Len(t, active, 3)
}

func TestBroadcast_StartedSendSurvivesCancellation(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	d := funcDeliverer(func(sendCtx context.Context, sub models.Subscription) models.DeliveryResult {
		calls.Add(1)
		// the caller goes away mid-send
		cancel()
		if sendCtx.Err() != nil {
			return status(0, models.ErrorTransient)
		}
		return status(410, models.ErrorPermanent)
	})

	r, err := NewService(s, NewGate(s), d, WithConcurrency(1)).
		Broadcast(ctx, "u1", models.CategoryDailySummary, models.Payload{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "the second send had not started")
	assert.Equal(t, 1, r.Deactivations())

	active, _ := s.ActiveFor(context.Background(), "u1")
	require.Len(t, active, 1)
}

func TestBroadcast_DeactivationErrorIsReturned(t *testing.T) {
	mem := store.NewMemoryStore()
	seed(t, mem, "u1", 1)
	s := failingDeactivate{mem}

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(status(404, models.ErrorPermanent))

	r, err := NewService(s, NewGate(mem), d).Broadcast(context.Background(), "u1", models.CategoryDailySummary, models.Payload{})

	var storeErr *models.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "deactivate", storeErr.Op)
	require.Len(t, r.Outcomes, 1)
	assert.False(t, r.Outcomes[0].Deactivated)
}

func TestBroadcast_PublishesReport(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, "u1", 1)

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(ok201)

	var (
		mu  sync.Mutex
		got Report
	)
	p := new(mockPublisher)
	p.On("PublishReport", mock.Anything, "u1", mock.Anything).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &got))
		}).
		Return(nil)

	r, err := NewService(s, NewGate(s), d, WithPublisher(p)).
		Broadcast(context.Background(), "u1", models.CategoryDailySummary, models.Payload{})
	require.NoError(t, err)

	p.AssertExpectations(t)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 1, got.Succeeded)
}

func TestSendDirect_BypassesGateAndDefaultsIcon(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "u1", 1)
	off := false
	_, err := s.UpdateSettings(ctx, "u1", models.SettingsPatch{
		DailySummary: &off, TaskReminders: &off, DSAReminders: &off, WorkoutReminders: &off, WellbeingCheckins: &off,
	})
	require.NoError(t, err)

	d := new(mockDeliverer)
	d.On("Ready").Return(nil)
	d.On("Send", mock.Anything, mock.Anything, models.Payload{
		Title: "Hello",
		Body:  "World",
		Icon:  models.DefaultIcon,
		URL:   "/tasks",
	}).Return(ok201)

	r, err := NewService(s, NewGate(s), d).SendDirect(ctx, "u1", "Hello", "World", Meta{URL: "/tasks"})
	require.NoError(t, err)

	assert.Equal(t, CategoryDirect, r.Category)
	assert.False(t, r.Skipped)
	assert.Equal(t, 1, r.Succeeded)
	d.AssertExpectations(t)
}
