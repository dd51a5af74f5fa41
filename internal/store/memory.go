package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant-push-go/internal/models"
)

// MemoryStore keeps everything in process. Used by tests and by
// main when DATABASE_URL is "memory".
type MemoryStore struct {
	mu       sync.RWMutex
	subs     map[subKey]*models.Subscription
	settings map[string]models.NotificationSettings
	now      func() time.Time
}

type subKey struct {
	userID   string
	endpoint string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:     make(map[subKey]*models.Subscription),
		settings: make(map[string]models.NotificationSettings),
		now:      time.Now,
	}
}

func (s *MemoryStore) Register(_ context.Context, userID string, sub models.PushSubscription, device models.DeviceInfo) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := subKey{userID: userID, endpoint: sub.Endpoint}

	if existing, ok := s.subs[key]; ok {
		existing.Keys = sub.Keys
		existing.DeviceInfo = device
		existing.Active = true
		existing.LastUsed = now
		return *existing, nil
	}

	rec := &models.Subscription{
		ID:         uuid.New(),
		UserID:     userID,
		Endpoint:   sub.Endpoint,
		Keys:       sub.Keys,
		DeviceInfo: device,
		Active:     true,
		CreatedAt:  now,
		LastUsed:   now,
	}
	s.subs[key] = rec
	return *rec, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.subs[subKey{userID: userID, endpoint: endpoint}]; ok {
		rec.Active = false
	}
	return nil
}

func (s *MemoryStore) ActiveFor(_ context.Context, userID string) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Subscription
	for key, rec := range s.subs {
		if key.userID == userID && rec.Active {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UsersWithActiveSubscriptions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for key, rec := range s.subs {
		if rec.Active {
			seen[key.userID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

// Get returns the record regardless of its active flag.
func (s *MemoryStore) Get(userID, endpoint string) (models.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subs[subKey{userID: userID, endpoint: endpoint}]
	if !ok {
		return models.Subscription{}, false
	}
	return *rec, true
}

func (s *MemoryStore) GetSettings(_ context.Context, userID string) (models.NotificationSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[userID]
	if !ok {
		return models.DefaultSettings(), false, nil
	}
	return st, true, nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, userID string, patch models.SettingsPatch) (models.NotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settings[userID]
	if !ok {
		st = models.DefaultSettings()
	}
	st = patch.Apply(st)
	s.settings[userID] = st
	return st, nil
}
