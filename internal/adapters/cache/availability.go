// Package cache holds availability read models keyed by (resource, date).
// Both implementations drop the affected keys whenever the scheduling
// service commits a write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"courtbook/internal/application/projections"
)

// DefaultTTL bounds staleness if an invalidation is lost.
const DefaultTTL = 10 * time.Minute

// generationTTL outlives any read-compute-set window by a wide margin.
const generationTTL = 24 * time.Hour

const keyPrefix = "courtbook:availability"

func key(date, resource string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, date, resource)
}

func genKey(date, resource string) string {
	return fmt.Sprintf("%s:gen:%s:%s", keyPrefix, date, resource)
}

// Redis stores availability as JSON strings with a TTL.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Dial connects to addr and pings it with a short timeout.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// Get returns the cached availability; ok is false on a miss.
func (r *Redis) Get(ctx context.Context, date, resource string) (projections.ResourceAvailability, bool, error) {
	raw, err := r.client.Get(ctx, key(date, resource)).Bytes()
	if errors.Is(err, redis.Nil) {
		return projections.ResourceAvailability{}, false, nil
	}
	if err != nil {
		return projections.ResourceAvailability{}, false, err
	}
	var a projections.ResourceAvailability
	if err := json.Unmarshal(raw, &a); err != nil {
		return projections.ResourceAvailability{}, false, fmt.Errorf("decode cached availability: %w", err)
	}
	return a, true, nil
}

// Generation returns the invalidation counter of (date, resource), 0 before the first write.
func (r *Redis) Generation(ctx context.Context, date, resource string) (int64, error) {
	gen, err := r.client.Get(ctx, genKey(date, resource)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set caches a for the configured TTL unless the key was invalidated after
// gen was read. The generation key is watched so an invalidation racing the
// write aborts it.
func (r *Redis) Set(ctx context.Context, a projections.ResourceAvailability, gen int64) (bool, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	gk := genKey(a.Date, a.Resource)
	stored := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, gk).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(a.Date, a.Resource), raw, r.ttl)
			return nil
		})
		stored = err == nil
		return err
	}, gk)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

// BookingsChanged advances the generation of every touched resource on date
// and deletes its cached value.
func (r *Redis) BookingsChanged(ctx context.Context, date string, resources []string) {
	if len(resources) == 0 {
		return
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, res := range resources {
			gk := genKey(date, res)
			pipe.Incr(ctx, gk)
			pipe.Expire(ctx, gk, generationTTL)
			pipe.Del(ctx, key(date, res))
		}
		return nil
	})
	if err != nil {
		slog.Warn("availability_cache_invalidate_failed", "date", date, "resources", resources, "error", err)
	}
}

// Memory is the in-process fallback used when Redis is not configured.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]memoryItem
	gens  map[string]int64
}

type memoryItem struct {
	availability projections.ResourceAvailability
	expires      time.Time
}

// NewMemory returns an empty in-process cache whose entries live for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]memoryItem),
		gens:  make(map[string]int64),
	}
}

// Get returns the cached availability; ok is false on a miss or an expired entry.
func (m *Memory) Get(_ context.Context, date, resource string) (projections.ResourceAvailability, bool, error) {
	k := key(date, resource)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[k]
	if !ok {
		return projections.ResourceAvailability{}, false, nil
	}
	if !m.now().Before(item.expires) {
		delete(m.items, k)
		return projections.ResourceAvailability{}, false, nil
	}
	return item.availability, true, nil
}

// Generation returns the invalidation counter of (date, resource).
func (m *Memory) Generation(_ context.Context, date, resource string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[key(date, resource)], nil
}

// Set caches a for the TTL unless the key was invalidated after gen was read.
func (m *Memory) Set(_ context.Context, a projections.ResourceAvailability, gen int64) (bool, error) {
	k := key(a.Date, a.Resource)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gens[k] != gen {
		return false, nil
	}
	m.items[k] = memoryItem{availability: a, expires: m.now().Add(m.ttl)}
	return true, nil
}

// BookingsChanged advances the generation of every touched resource on date
// and drops its entry.
func (m *Memory) BookingsChanged(_ context.Context, date string, resources []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range resources {
		k := key(date, res)
		m.gens[k]++
		delete(m.items, k)
	}
}
