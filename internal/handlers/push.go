package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"assistant-push-go/internal/logger"
	"assistant-push-go/internal/models"
	"assistant-push-go/internal/notify"
)

// Fixed payload for POST /test.
const (
	TestTitle = "Test Notification"
	TestBody  = "This is a test notification from your Personal Assistant"
)

// VAPIDPublicKeyHandler returns the applicationServerKey as plain text.
func (h *Handler) VAPIDPublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	key, err := h.Keys.PublicKey()
	if err != nil {
		h.Logger.Error("VAPID public key requested but keys are not configured")
		http.Error(w, "VAPID keys not configured", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(key))
}

type subscribeRequest struct {
	Subscription *models.PushSubscription `json:"subscription"`
	DeviceInfo   models.DeviceInfo        `json:"deviceInfo"`
}

// SubscribeHandler registers or refreshes a device for the caller.
func (h *Handler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Subscription == nil {
		h.writeError(w, r, &models.ValidationError{Field: "subscription", Msg: "Subscription object is required"})
		return
	}
	if err := req.Subscription.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DeviceInfo.UserAgent == "" {
		req.DeviceInfo.UserAgent = r.UserAgent()
	}

	sub, err := h.Store.Register(r.Context(), userID, *req.Subscription, req.DeviceInfo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Subscription saved",
		"subscription": sub,
	})
}

// UnsubscribeHandler deactivates one of the caller's devices. Unknown
// endpoints succeed too.
func (h *Handler) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		writeJSON(w, http.StatusBadRequest, message{Msg: "Endpoint is required"})
		return
	}

	if err := h.Store.Deactivate(r.Context(), userID, req.Endpoint); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Unsubscribed successfully"})
}

func (h *Handler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	settings, _, err := h.Store.GetSettings(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// UpdateSettingsHandler applies a partial update; omitted flags keep their value.
func (h *Handler) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, &models.ValidationError{Field: "body", Msg: "Unreadable body"})
		return
	}
	patch, err := models.ParseSettingsPatch(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	settings, err := h.Store.UpdateSettings(r.Context(), userID, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// TestHandler pushes the fixed test notification to the caller's devices.
func (h *Handler) TestHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	report, err := h.Notifier.SendDirect(r.Context(), userID, TestTitle, TestBody, notify.Meta{
		Icon: models.DefaultIcon,
		URL:  "/",
	})
	h.writeReport(w, r, report, err, "No active subscriptions found")
}

type sendRequest struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	URL   string         `json:"url"`
	Data  map[string]any `json:"data"`
}

func (req sendRequest) validate() error {
	var errs models.ValidationErrors
	if strings.TrimSpace(req.Title) == "" {
		errs = append(errs, &models.ValidationError{Field: "title", Msg: "Title is required"})
	}
	if strings.TrimSpace(req.Body) == "" {
		errs = append(errs, &models.ValidationError{Field: "body", Msg: "Body is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SendHandler pushes a caller-supplied notification. Only sending to
// yourself is allowed.
func (h *Handler) SendHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := CurrentUser(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	target := chi.URLParam(r, "userId")
	if target != userID {
		h.writeError(w, r, &models.AuthorizationError{Msg: "Not authorized to send notifications to other users"})
		return
	}

	report, err := h.Notifier.SendDirect(r.Context(), target, req.Title, req.Body, notify.Meta{
		Icon: req.Icon,
		URL:  req.URL,
		Data: req.Data,
	})
	h.writeReport(w, r, report, err, "No active subscriptions found for this user")
}

// writeReport keeps "no devices", "all failed" and "sent" apart: the first
// is a 400 with a note, the others are 200 with the per-endpoint detail.
// A failed deactivation is a store error and still answers 500.
func (h *Handler) writeReport(w http.ResponseWriter, r *http.Request, report notify.Report, err error, noDevices string) {
	if err != nil && len(report.Outcomes) == 0 {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// the pushes went out but deactivating a dead endpoint failed
		h.Logger.LogAttrs(r.Context(), slog.LevelError, "broadcast finished with store errors",
			logger.UserID(report.UserID),
			logger.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"msg":    "Server Error",
			"report": report,
		})
		return
	}

	if report.Note == notify.NoteNoActiveSubscriptions {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"msg":    noDevices,
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": report.Outcomes,
		"report":  report,
	})
}
