package store

import (
	"context"

	"assistant-push-go/internal/models"
)

// SubscriptionStore is the durable registry of push subscriptions.
// Implementations must make each single-record update atomic; callers
// deactivate concurrently without any cross-record locking.
type SubscriptionStore interface {
	// Register upserts by (user, endpoint) and always leaves the record active.
	Register(ctx context.Context, userID string, sub models.PushSubscription, device models.DeviceInfo) (models.Subscription, error)
	// Deactivate is a no-op for unknown or already inactive endpoints.
	Deactivate(ctx context.Context, userID, endpoint string) error
	ActiveFor(ctx context.Context, userID string) ([]models.Subscription, error)
	UsersWithActiveSubscriptions(ctx context.Context) ([]string, error)
}

// SettingsStore persists per-user notification preferences.
type SettingsStore interface {
	// GetSettings reports found=false when the user never saved settings.
	GetSettings(ctx context.Context, userID string) (settings models.NotificationSettings, found bool, err error)
	UpdateSettings(ctx context.Context, userID string, patch models.SettingsPatch) (models.NotificationSettings, error)
}

// Store is everything the push subsystem persists.
type Store interface {
	SubscriptionStore
	SettingsStore
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.StoreError{Op: op, Err: err}
}
