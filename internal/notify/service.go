// Package notify turns "tell this user something" into per-device pushes:
// preference gate, bounded fan-out and subscription cleanup.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/metrics"
	"assistant-push-go/internal/models"
	"assistant-push-go/internal/store"
)

// DefaultConcurrency caps simultaneous sends within one broadcast.
const DefaultConcurrency = 4

// Deliverer sends one payload to one subscription. *push.Engine implements it.
type Deliverer interface {
	Send(ctx context.Context, sub models.Subscription, payload models.Payload) models.DeliveryResult
	Ready() error
}

// Publisher forwards finished reports to live listeners. *store.RedisStore implements it.
type Publisher interface {
	PublishReport(ctx context.Context, userID string, data []byte) error
}

// Meta carries the optional parts of a direct send.
type Meta struct {
	Icon string
	URL  string
	Data map[string]any
}

type Service struct {
	subs        store.SubscriptionStore
	gate        *Gate
	deliverer   Deliverer
	publisher   Publisher
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithConcurrency sets the per-broadcast send cap. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(subs store.SubscriptionStore, gate *Gate, deliverer Deliverer, opts ...Option) *Service {
	s := &Service{
		subs:        subs,
		gate:        gate,
		deliverer:   deliverer,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("notify"))
	return s
}

// Broadcast sends payload to every active device of userID if the user has
// category enabled. Delivery failures only show up in the report; the error
// is reserved for gate, store and configuration problems.
func (s *Service) Broadcast(ctx context.Context, userID string, category models.Category, payload models.Payload) (Report, error) {
	enabled, err := s.gate.IsEnabled(ctx, userID, category)
	if err != nil {
		s.metrics.ObserveBroadcast(string(category), "error")
		return Report{}, err
	}
	if !enabled {
		r := newReport(userID, string(category))
		r.Skipped = true
		s.finish(ctx, r)
		return r, nil
	}
	return s.deliver(ctx, userID, string(category), payload)
}

// SendDirect runs the broadcast pipeline without the preference gate.
func (s *Service) SendDirect(ctx context.Context, userID, title, body string, meta Meta) (Report, error) {
	payload := models.Payload{
		Title: title,
		Body:  body,
		Icon:  meta.Icon,
		URL:   meta.URL,
		Data:  meta.Data,
	}
	if payload.Icon == "" {
		payload.Icon = models.DefaultIcon
	}
	return s.deliver(ctx, userID, CategoryDirect, payload)
}

func (s *Service) deliver(ctx context.Context, userID, category string, payload models.Payload) (Report, error) {
	subs, err := s.subs.ActiveFor(ctx, userID)
	if err != nil {
		s.metrics.ObserveBroadcast(category, "error")
		return Report{}, err
	}

	r := newReport(userID, category)
	if len(subs) == 0 {
		r.Note = NoteNoActiveSubscriptions
		s.finish(ctx, r)
		return r, nil
	}

	if err := s.deliverer.Ready(); err != nil {
		s.metrics.ObserveBroadcast(category, "error")
		return Report{}, err
	}

	outcomes, err := s.fanOut(ctx, userID, subs, payload)
	r.Outcomes = outcomes
	r.tally()
	s.finish(ctx, r)
	return r, err
}

// fanOut is the join point of a broadcast: it returns once every send has
// resolved or timed out. Sends not yet started when ctx is done are reported
// as transient and never touch the store. Started sends are detached from
// ctx so their outcome still drives deactivation.
func (s *Service) fanOut(ctx context.Context, userID string, subs []models.Subscription, payload models.Payload) ([]Outcome, error) {
	outcomes := make([]Outcome, len(subs))
	errs := make([]error, len(subs))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, sub := range subs {
		if ctx.Err() != nil {
			outcomes[i] = notStarted(sub, ctx.Err())
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = notStarted(sub, ctx.Err())
				return nil
			}
			outcomes[i], errs[i] = s.dispatch(detached, userID, sub, payload)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, errors.Join(errs...)
}

func (s *Service) dispatch(ctx context.Context, userID string, sub models.Subscription, payload models.Payload) (Outcome, error) {
	res := s.deliverer.Send(ctx, sub, payload)

	o := Outcome{
		Endpoint:   sub.Endpoint,
		Success:    res.Success,
		StatusCode: res.StatusCode,
		ErrorKind:  res.Kind(),
	}
	if res.Err != nil {
		o.Error = res.Err.Error()
	}
	if res.Kind() != models.ErrorPermanent {
		return o, nil
	}

	if err := s.subs.Deactivate(ctx, userID, sub.Endpoint); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "failed to deactivate subscription",
			logger.UserID(userID),
			logger.Endpoint(sub.Endpoint),
			logger.Error(err),
		)
		return o, err
	}
	o.Deactivated = true
	s.metrics.ObserveDeactivation()
	s.logger.LogAttrs(ctx, slog.LevelInfo, "subscription deactivated",
		logger.UserID(userID),
		logger.Endpoint(sub.Endpoint),
		slog.Int("status", res.StatusCode),
	)
	return o, nil
}

func notStarted(sub models.Subscription, cause error) Outcome {
	return Outcome{
		Endpoint:  sub.Endpoint,
		ErrorKind: models.ErrorTransient,
		Error:     cause.Error(),
	}
}

// finish records, logs and publishes a completed report.
func (s *Service) finish(ctx context.Context, r Report) {
	s.metrics.ObserveBroadcast(r.Category, r.Result())

	s.logger.LogAttrs(ctx, slog.LevelInfo, "broadcast complete",
		logger.UserID(r.UserID),
		logger.Category(r.Category),
		slog.String("result", r.Result()),
		slog.Int("dispatched", r.Dispatched),
		slog.Int("succeeded", r.Succeeded),
		slog.Int("failed", r.Failed),
		slog.Int("deactivated", r.Deactivations()),
	)

	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("failed to encode report", logger.Error(err))
		return
	}
	if err := s.publisher.PublishReport(context.WithoutCancel(ctx), r.UserID, data); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "failed to publish report",
			logger.UserID(r.UserID),
			logger.Error(err),
		)
	}
}
