package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"assistant-push-go/internal/config"
	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/metrics"
	"assistant-push-go/internal/models"
)

// Engine delivers one encrypted Web Push message per call, signed with the
// service's VAPID key pair, and classifies what the push service answered.
type Engine struct {
	publicKey  string
	privateKey string
	configured bool
	subject    string
	ttl        int
	urgency    webpush.Urgency
	timeout    time.Duration

	client  webpush.HTTPClient
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(e *Engine) { e.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(cfg config.PushConfig, opts ...Option) *Engine {
	e := &Engine{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		configured: cfg.VAPIDConfigured(),
		subject:    strings.TrimPrefix(cfg.Subject, "mailto:"), // webpush adds the scheme back
		ttl:        cfg.TTL,
		urgency:    webpush.Urgency(cfg.Urgency),
		timeout:    cfg.SendTimeout,
		client:     http.DefaultClient,
		logger:     slog.Default(),
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("push"))
	return e
}

// Ready fails when the VAPID key pair is not configured.
func (e *Engine) Ready() error {
	if !e.configured {
		return &models.ConfigurationError{Msg: "VAPID keys not configured"}
	}
	return nil
}

// PublicKey is handed to browsers as the applicationServerKey.
func (e *Engine) PublicKey() (string, error) {
	if err := e.Ready(); err != nil {
		return "", err
	}
	return e.publicKey, nil
}

// Send never returns a Go error: every failure is folded into the result.
func (e *Engine) Send(ctx context.Context, sub models.Subscription, payload models.Payload) models.DeliveryResult {
	start := time.Now()
	res := e.send(ctx, sub, payload)
	e.metrics.ObserveDelivery(outcomeLabel(res), time.Since(start))

	if !res.Success {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "push delivery failed",
			logger.UserID(sub.UserID),
			logger.Endpoint(sub.Endpoint),
			slog.Int("status", res.StatusCode),
			slog.String("kind", string(res.Kind())),
			logger.Error(res.Err),
		)
	}
	return res
}

func (e *Engine) send(ctx context.Context, sub models.Subscription, payload models.Payload) models.DeliveryResult {
	if err := e.Ready(); err != nil {
		return failure(models.ErrorTransient, 0, err)
	}

	body, err := json.Marshal(payload.WithDefaults())
	if err != nil {
		return failure(models.ErrorMalformed, 0, fmt.Errorf("encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      e.client,
		Subscriber:      e.subject,
		VAPIDPublicKey:  e.publicKey,
		VAPIDPrivateKey: e.privateKey,
		TTL:             e.ttl,
		Urgency:         e.urgency,
	})
	if err != nil {
		return failure(classifyError(ctx, err), 0, err)
	}
	defer resp.Body.Close()

	kind := ClassifyStatus(resp.StatusCode)
	if kind == "" {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.DeliveryResult{Success: true, StatusCode: resp.StatusCode}
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return failure(kind, resp.StatusCode, fmt.Errorf("push service responded %s: %s", resp.Status, detail))
}

// ClassifyStatus maps a push service status code to a failure kind.
// It returns "" for 2xx.
//
//	404, 410  permanent: the endpoint was unregistered
//	5xx       transient: the push service is struggling, the endpoint may be fine
//	other     malformed: the request itself (payload, keys, VAPID) was rejected
func ClassifyStatus(code int) models.ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusGone || code == http.StatusNotFound:
		return models.ErrorPermanent
	case code >= 500:
		return models.ErrorTransient
	default:
		return models.ErrorMalformed
	}
}

// classifyError handles failures that produced no response. Anything that
// reached the transport (timeouts, DNS, refused connections) is transient;
// errors raised before transmission come from encrypting with bad keys.
func classifyError(ctx context.Context, err error) models.ErrorKind {
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return models.ErrorTransient
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return models.ErrorTransient
	default:
		return models.ErrorMalformed
	}
}

func failure(kind models.ErrorKind, status int, err error) models.DeliveryResult {
	return models.DeliveryResult{
		StatusCode: status,
		Err:        &models.DeliveryError{Kind: kind, StatusCode: status, Err: err},
	}
}

func outcomeLabel(r models.DeliveryResult) string {
	if r.Success {
		return "success"
	}
	return string(r.Kind())
}

// GenerateVAPIDKeys returns a fresh key pair for VAPID_PUBLIC_KEY / VAPID_PRIVATE_KEY.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
