package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or sorted-set member does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every cache key so several deployments can
	// share one Redis database. Pub/sub channel names are not prefixed.
	Prefix string
}

// Dial connects to Redis and verifies the connection with PING. The
// returned client is shared by RedisCache and RedisPubSub.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisCache implements the cache operations on top of a Redis client.
type RedisCache struct {
	client *goredis.Client
	prefix string
}

// NewCache wraps client. prefix may be empty.
func NewCache(client *goredis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (r *RedisCache) key(k string) string { return r.prefix + k }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisCache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, r.key(key), goredis.Z{Score: score, Member: member}).Err()
}

func (r *RedisCache) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRevRange(ctx, r.key(key), start, stop).Result()
}

func (r *RedisCache) ZScore(ctx context.Context, key, member string) (float64, error) {
	v, err := r.client.ZScore(ctx, r.key(key), member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, ErrNotFound
	}
	return v, err
}

// ZReplace deletes key and re-adds members inside a MULTI/EXEC block, so
// readers see either the old set or the new one.
func (r *RedisCache) ZReplace(ctx context.Context, key string, members map[string]float64) error {
	k := r.key(key)
	zs := make([]goredis.Z, 0, len(members))
	for m, score := range members {
		zs = append(zs, goredis.Z{Score: score, Member: m})
	}
	_, err := r.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, k)
		if len(zs) > 0 {
			p.ZAdd(ctx, k, zs...)
		}
		return nil
	})
	return err
}

// RedisMessage is the message type returned by RedisPubSub.Subscribe.
type RedisMessage struct {
	Channel string
	Payload string
}

// RedisPubSub publishes and subscribes through Redis channels.
type RedisPubSub struct {
	client  *goredis.Client
	bufSize int
}

// NewPubSub wraps client. bufSize bounds each subscription's queue.
func NewPubSub(client *goredis.Client, bufSize int) *RedisPubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &RedisPubSub{client: client, bufSize: bufSize}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe listens on channels until cancel is called or ctx is done. It
// returns only after Redis has confirmed the subscription, so a message
// published right after Subscribe returns is not missed.
func (r *RedisPubSub) Subscribe(ctx context.Context, channels ...string) (<-chan *RedisMessage, func(), error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ch := make(chan *RedisMessage, r.bufSize)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(ch)
		src := ps.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case ch <- &RedisMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-done:
					return
				}
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			}
		}
	}()
	return ch, cancel, nil
}
