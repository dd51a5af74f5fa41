package notify

import (
	"context"

	"assistant-push-go/internal/models"
	"assistant-push-go/internal/store"
)

// Gate decides whether a user wants notifications of a given category.
type Gate struct {
	settings store.SettingsStore
}

func NewGate(settings store.SettingsStore) *Gate {
	return &Gate{settings: settings}
}

// IsEnabled fails open: a user who never saved settings gets everything.
// An unknown category is a ConfigurationError, not a skip.
func (g *Gate) IsEnabled(ctx context.Context, userID string, c models.Category) (bool, error) {
	if _, err := models.ParseCategory(string(c)); err != nil {
		return false, err
	}

	settings, found, err := g.settings.GetSettings(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return settings.Enabled(c)
}
