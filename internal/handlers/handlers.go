package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/models"
	"assistant-push-go/internal/notify"
	"assistant-push-go/internal/store"
)

// Notifier is satisfied by *notify.Service.
type Notifier interface {
	SendDirect(ctx context.Context, userID, title, body string, meta notify.Meta) (notify.Report, error)
}

// KeyProvider is satisfied by *push.Engine.
type KeyProvider interface {
	PublicKey() (string, error)
}

// ReportStream is satisfied by *store.RedisStore.
type ReportStream interface {
	Subscribe(ctx context.Context, userID string) *redis.PubSub
}

type Handler struct {
	Store    store.Store
	Notifier Notifier
	Keys     KeyProvider
	Auth     *Authenticator
	// Reports is optional; without it /events answers 503.
	Reports ReportStream
	Logger  *slog.Logger
}

func NewHandler(s store.Store, n Notifier, keys KeyProvider, auth *Authenticator, reports ReportStream, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		Store:    s,
		Notifier: n,
		Keys:     keys,
		Auth:     auth,
		Reports:  reports,
		Logger:   l.With(logger.Component("http")),
	}
}

// Routes returns the notification API, meant to be mounted under /api/notifications.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/vapid-public-key", h.VAPIDPublicKeyHandler)

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.Post("/subscribe", h.SubscribeHandler)
		r.Delete("/unsubscribe", h.UnsubscribeHandler)
		r.Get("/settings", h.GetSettingsHandler)
		r.Put("/settings", h.UpdateSettingsHandler)
		r.Post("/test", h.TestHandler)
		r.Post("/send/{userId}", h.SendHandler)
		r.Get("/events", h.EventsHandler)
	})

	return r
}

type message struct {
	Msg string `json:"msg"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Anything unexpected
// is logged and reported as a plain server error.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErrs models.ValidationErrors
		validationErr  *models.ValidationError
		authzErr       *models.AuthorizationError
		configErr      *models.ConfigurationError
	)

	switch {
	case errors.As(err, &validationErrs):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": validationErrs})
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": models.ValidationErrors{validationErr}})
	case errors.Is(err, models.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, message{Msg: "No token, authorization denied"})
	case errors.As(err, &authzErr):
		writeJSON(w, http.StatusForbidden, message{Msg: authzErr.Msg})
	case errors.As(err, &configErr):
		h.Logger.LogAttrs(r.Context(), slog.LevelError, "configuration error",
			slog.String("path", r.URL.Path),
			logger.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, message{Msg: configErr.Msg})
	default:
		h.Logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			logger.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, message{Msg: "Server Error"})
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &models.ValidationError{Field: "body", Msg: "Invalid JSON body"}
	}
	return nil
}

// HealthHandler reports whether the backing stores answer.
func HealthHandler(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{}
		code := http.StatusOK
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		writeJSON(w, code, status)
	}
}
