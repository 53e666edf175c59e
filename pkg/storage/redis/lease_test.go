package redis

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration test; needs a reachable Redis and skips otherwise.
func TestTickLeaseExcludesConcurrentHolders(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	client, err := Connect(ctx, Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	key := "brt-collector:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	first := NewTickLease(client, time.Minute, zerolog.Nop()).WithKey(key)
	second := NewTickLease(client, time.Minute, zerolog.Nop()).WithKey(key)

	release, ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused while the lease is held")

	release()

	release2, ok, err := second.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	release2()
}

// Integration test; needs a reachable Redis and skips otherwise.
func TestTickLeaseLogsFailedRelease(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	client, err := Connect(ctx, Config{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	key := "brt-collector:test:" + uuid.NewString()
	t.Cleanup(func() {
		c, err := Connect(context.Background(), Config{Addr: addr, Timeout: time.Second})
		if err == nil {
			c.Del(context.Background(), key)
			_ = c.Close()
		}
	})

	var buf bytes.Buffer
	lease := NewTickLease(client, time.Minute, zerolog.New(&buf)).WithKey(key)

	release, ok, err := lease.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.Close())
	release()

	assert.Contains(t, buf.String(), "tick lease release failed")
	assert.Contains(t, buf.String(), key)
}

func TestConnectFailsFast(t *testing.T) {
	start := time.Now()
	_, err := Connect(context.Background(), Config{Addr: "127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
