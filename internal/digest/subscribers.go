// Package digest supplies the daily digest recipients and content.
package digest

import (
	"context"

	"assistant-push-go/internal/models"
	"assistant-push-go/internal/store"
)

const (
	Title = "Your daily summary is ready"
	Body  = "Take a look at how today went and what is coming up tomorrow."
	URL   = "/dashboard"
)

// Subscribers sends the same digest teaser to every user with an active
// device. Per-user content belongs to the analytics side; this only knows
// who can be reached.
type Subscribers struct {
	subs store.SubscriptionStore
}

func NewSubscribers(subs store.SubscriptionStore) *Subscribers {
	return &Subscribers{subs: subs}
}

func (s *Subscribers) Recipients(ctx context.Context) ([]string, error) {
	return s.subs.UsersWithActiveSubscriptions(ctx)
}

func (s *Subscribers) Build(_ context.Context, userID string) (models.Payload, error) {
	return models.Payload{
		Title: Title,
		Body:  Body,
		Icon:  models.DefaultIcon,
		URL:   URL,
		Data: map[string]any{
			"type":   string(models.CategoryDailySummary),
			"userId": userID,
		},
	}, nil
}
