package local

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a key or sorted-set member does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

type item struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (it item) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && now.After(it.expireAt)
}

// LocalCache is an in-process cache used when no Redis address is
// configured. Sorted sets are stored as member → score maps and ordered on
// read; the leaderboard is the only sorted set and stays small.
type LocalCache struct {
	mu    sync.RWMutex
	items map[string]item
	zsets map[string]map[string]float64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates a LocalCache and starts the expiry sweeper.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		items: make(map[string]item),
		zsets: make(map[string]map[string]float64),
		stop:  make(chan struct{}),
	}
	go c.sweep(interval)
	return c, nil
}

// Close stops the expiry sweeper. It is safe to call more than once.
func (c *LocalCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LocalCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.mu.Lock()
			for k, it := range c.items {
				if it.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || it.expired(time.Now()) {
		return "", ErrNotFound
	}
	return it.value, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	it := item{value: value}
	if ttl > 0 {
		it.expireAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

// Del removes plain keys and sorted sets alike.
func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
		delete(c.zsets, k)
	}
	return nil
}

func (c *LocalCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

// ZReplace swaps the whole sorted set at key under one lock.
func (c *LocalCache) ZReplace(_ context.Context, key string, members map[string]float64) error {
	z := make(map[string]float64, len(members))
	for m, s := range members {
		z[m] = s
	}
	c.mu.Lock()
	c.zsets[key] = z
	c.mu.Unlock()
	return nil
}

// ZRevRange returns members by descending score with Redis index
// semantics: stop is inclusive and -1 means the last member. Equal scores
// order by member descending, as Redis does.
func (c *LocalCache) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.RLock()
	z := c.zsets[key]
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := z[members[i]], z[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})
	c.mu.RUnlock()

	n := int64(len(members))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (c *LocalCache) ZScore(_ context.Context, key, member string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	score, ok := c.zsets[key][member]
	if !ok {
		return 0, ErrNotFound
	}
	return score, nil
}
