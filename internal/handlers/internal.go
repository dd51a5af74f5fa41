package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"assistant-push-go/internal/models"
	"assistant-push-go/internal/notify"
)

// Broadcaster is satisfied by *notify.Service.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, category models.Category, payload models.Payload) (notify.Report, error)
}

type broadcastRequest struct {
	UserID   string         `json:"userId"`
	Category string         `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Icon     string         `json:"icon"`
	URL      string         `json:"url"`
	Data     map[string]any `json:"data"`
}

func (req broadcastRequest) validate() error {
	var errs models.ValidationErrors
	if strings.TrimSpace(req.UserID) == "" {
		errs = append(errs, &models.ValidationError{Field: "userId", Msg: "User is required"})
	}
	if strings.TrimSpace(req.Title) == "" {
		errs = append(errs, &models.ValidationError{Field: "title", Msg: "Title is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// InternalRoutes serves signed calls from the assistant's other services,
// such as the task and workout reminder jobs. Mount under /internal.
func (h *Handler) InternalRoutes(b Broadcaster, secret string) chi.Router {
	r := chi.NewRouter()
	r.Use(RequireSignature(secret))
	r.Post("/broadcast", h.broadcastHandler(b))
	return r
}

// broadcastHandler runs the category-gated pipeline. The report is always
// returned with 200: a disabled category or a user without devices is a
// normal outcome for the caller.
func (h *Handler) broadcastHandler(b Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := req.validate(); err != nil {
			h.writeError(w, r, err)
			return
		}
		category, err := models.ParseCategory(req.Category)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, message{Msg: err.Error()})
			return
		}

		icon := req.Icon
		if icon == "" {
			icon = models.DefaultIcon
		}
		report, err := b.Broadcast(r.Context(), req.UserID, category, models.Payload{
			Title: req.Title,
			Body:  req.Body,
			Icon:  icon,
			URL:   req.URL,
			Data:  req.Data,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
