package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const reportChannelPrefix = "push_events:"

var ErrRedisNotReady = errors.New("redis is not ready")

// RedisStore holds the coordination state that must be shared between
// replicas: the digest run lock and the per-user report stream.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// ConnectRedis parses url and pings until the server answers or attempts run out.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	for range attempts {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, ErrRedisNotReady
}

// unlockScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another replica is never released by us.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock sets key if absent. ok=false means another holder owns it.
func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error) {
	token := uuid.NewString()

	ok, err = s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, storeErr("lock", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock = func(ctx context.Context) error {
		return storeErr("unlock", unlockScript.Run(ctx, s.client, []string{key}, token).Err())
	}
	return unlock, true, nil
}

// PublishReport fans a JSON broadcast report out to the user's SSE listeners.
func (s *RedisStore) PublishReport(ctx context.Context, userID string, data []byte) error {
	return storeErr("publish", s.client.Publish(ctx, reportChannelPrefix+userID, data).Err())
}

// Subscribe returns the report stream for one user. Callers must Close it.
func (s *RedisStore) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return s.client.Subscribe(ctx, reportChannelPrefix+userID)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return storeErr("ping", s.client.Ping(ctx).Err())
}
