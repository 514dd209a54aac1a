package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLocal(t *testing.T, cfg CacheConfig) *Backend {
	t.Helper()
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestOpen_LocalFallback(t *testing.T) {
	b := openLocal(t, CacheConfig{LocalGCInterval: time.Minute})
	assert.False(t, b.Redis)

	ctx := context.Background()
	require.NoError(t, b.Cache.Set(ctx, "k", "v", time.Minute))
	v, err := b.Cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = b.Cache.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("boom")))
}

func TestOpen_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, CacheConfig{RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestPubSub_LocalAdapterDelivers(t *testing.T) {
	b := openLocal(t, CacheConfig{LocalPubSubBuf: 4})

	ctx := context.Background()
	ch, cancel, err := b.PubSub.Subscribe(ctx, "notify:u1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.PubSub.Publish(ctx, "notify:u1", `{"type":"level_up"}`))
	select {
	case msg := <-ch:
		assert.Equal(t, "notify:u1", msg.Channel)
		assert.JSONEq(t, `{"type":"level_up"}`, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPubSub_CancelClosesChannel(t *testing.T) {
	b := openLocal(t, CacheConfig{LocalPubSubBuf: 1})

	ctx := context.Background()
	ch, cancel, err := b.PubSub.Subscribe(ctx, "announce")
	require.NoError(t, err)

	// fill both buffers without reading
	for i := 0; i < 4; i++ {
		require.NoError(t, b.PubSub.Publish(ctx, "announce", "x"))
	}
	cancel()
	cancel()

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}
