package models

import (
	"time"

	"github.com/google/uuid"
)

// Keys is the encryption material issued by the browser for one subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription is the browser-side subscription object as sent by the client.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// DeviceInfo is descriptive only and never used for delivery.
type DeviceInfo struct {
	UserAgent  string `json:"userAgent,omitempty"`
	Platform   string `json:"platform,omitempty"`
	DeviceType string `json:"deviceType,omitempty"` // "mobile", "desktop", "tablet"
}

// Subscription is one registered device for a user.
type Subscription struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	Endpoint   string     `json:"endpoint"`
	Keys       Keys       `json:"keys"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   time.Time  `json:"last_used"`
}

// Validate checks the shape of a client subscription before it reaches a store.
func (s PushSubscription) Validate() error {
	var errs ValidationErrors
	if s.Endpoint == "" {
		errs = append(errs, &ValidationError{Field: "subscription.endpoint", Msg: "Endpoint is required"})
	}
	if s.Keys.P256dh == "" {
		errs = append(errs, &ValidationError{Field: "subscription.keys.p256dh", Msg: "P256dh key is required"})
	}
	if s.Keys.Auth == "" {
		errs = append(errs, &ValidationError{Field: "subscription.keys.auth", Msg: "Auth key is required"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
