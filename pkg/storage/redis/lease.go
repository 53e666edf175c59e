package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultLeaseKey = "brt-collector:tick-lease"

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken over is never released by its old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TickLease is a cross-process mutual exclusion for pipeline ticks backed by
// SET NX PX. The TTL bounds how long a crashed holder blocks other ticks.
type TickLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    zerolog.Logger
}

// NewTickLease creates a lease on the default key. Release failures are
// logged to log since the lease then stays held until the TTL expires.
func NewTickLease(client *redis.Client, ttl time.Duration, log zerolog.Logger) *TickLease {
	return &TickLease{client: client, key: defaultLeaseKey, ttl: ttl, log: log}
}

// WithKey returns a copy of the lease using key.
func (l *TickLease) WithKey(key string) *TickLease {
	cp := *l
	cp.key = key
	return &cp
}

// TryLock takes the lease if free. When ok is false the lease is held by
// another tick and release is nil.
func (l *TickLease) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("tick lease acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := l.release(token); err != nil {
			l.log.Error().Err(err).Str("key", l.key).Dur("ttl", l.ttl).Msg("tick lease release failed, lease held until ttl")
		}
	}, true, nil
}

func (l *TickLease) release(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("tick lease release: %w", err)
	}
	return nil
}
