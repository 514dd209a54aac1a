package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/questboard/server/cache/local"
	cacheredis "github.com/questboard/server/cache/redis"
)

// Cache defines the KV and sorted-set operations used by the engine.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	// ZReplace atomically replaces the sorted set at key with members.
	ZReplace(ctx context.Context, key string, members map[string]float64) error
}

// Message is a received pub/sub message.
type Message struct {
	Channel string
	Payload string
}

// PubSub defines channel publish/subscribe operations. The returned cancel
// func is idempotent and closes the message channel.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error)
}

// IsNotFound reports whether err is a cache miss from either backend.
func IsNotFound(err error) bool {
	return errors.Is(err, local.ErrNotFound) || errors.Is(err, cacheredis.ErrNotFound)
}

// CacheConfig holds configuration for both Redis and LocalCache.
type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

// Backend bundles a Cache and PubSub that share one underlying connection.
type Backend struct {
	Cache  Cache
	PubSub PubSub
	Redis  bool
	close  func() error
}

// Close releases the Redis client or stops the local sweeper.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open returns a Redis-backed Backend if RedisAddr is set, otherwise an
// in-process one.
func Open(ctx context.Context, cfg CacheConfig) (*Backend, error) {
	bufSize := cfg.LocalPubSubBuf
	if bufSize <= 0 {
		bufSize = 256
	}
	if cfg.RedisAddr != "" {
		client, err := cacheredis.Dial(ctx, cacheredis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		rps := cacheredis.NewPubSub(client, bufSize)
		return &Backend{
			Cache:  cacheredis.NewCache(client, cfg.RedisPrefix),
			PubSub: &pubSubAdapter[*cacheredis.RedisMessage]{publish: rps.Publish, subscribe: rps.Subscribe, conv: fromRedis},
			Redis:  true,
			close:  client.Close,
		}, nil
	}

	lc, err := local.NewCache(local.Config{GCInterval: cfg.LocalGCInterval})
	if err != nil {
		return nil, err
	}
	lps := local.NewPubSub(bufSize)
	return &Backend{
		Cache:  lc,
		PubSub: &pubSubAdapter[*local.LocalMessage]{publish: lps.Publish, subscribe: lps.Subscribe, conv: fromLocal},
		close: func() error {
			lc.Close()
			return nil
		},
	}, nil
}

func fromLocal(m *local.LocalMessage) *Message {
	return &Message{Channel: m.Channel, Payload: m.Payload}
}

func fromRedis(m *cacheredis.RedisMessage) *Message {
	return &Message{Channel: m.Channel, Payload: m.Payload}
}

// pubSubAdapter bridges a backend's message type to *Message.
type pubSubAdapter[T any] struct {
	publish   func(ctx context.Context, channel, message string) error
	subscribe func(ctx context.Context, channels ...string) (<-chan T, func(), error)
	conv      func(T) *Message
}

func (a *pubSubAdapter[T]) Publish(ctx context.Context, channel, message string) error {
	return a.publish(ctx, channel, message)
}

func (a *pubSubAdapter[T]) Subscribe(ctx context.Context, channels ...string) (<-chan *Message, func(), error) {
	src, cancelSrc, err := a.subscribe(ctx, channels...)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			cancelSrc()
		})
	}
	return relay(src, a.conv, done), cancel, nil
}

// relay converts messages from src until src is closed or done fires. A
// reader that has stopped draining does not pin the goroutine once its
// subscription is cancelled.
func relay[T any](src <-chan T, conv func(T) *Message, done <-chan struct{}) <-chan *Message {
	out := make(chan *Message, cap(src))
	go func() {
		defer close(out)
		for m := range src {
			select {
			case out <- conv(m):
			case <-done:
				return
			}
		}
	}()
	return out
}
