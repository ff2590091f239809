// Package quota enforces per-identity daily caps on metered grants.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xiaoshenming/bilibili-server/internal/metrics"
	"github.com/xiaoshenming/bilibili-server/pkg/models"
)

// tierLimits maps identity tiers to daily request caps. -1 is unlimited.
var tierLimits = map[int]int64{
	1: 1,
	2: 10,
	3: 100,
	4: -1,
}

// Counter tracks per-key daily usage. Keys expire at the next local
// midnight so every day starts from zero.
type Counter interface {
	// Incr increments key and returns the new value. expiresIn is applied
	// when the key is created by this call.
	Incr(ctx context.Context, key string, expiresIn time.Duration) (int64, error)
	// Get returns the current value, zero when the key is absent.
	Get(ctx context.Context, key string) (int64, error)
}

// Status describes an identity's standing against its daily cap.
type Status struct {
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
	ResetsAt  string `json:"resetsAt"`
}

// Limiter checks and consumes daily quota for identities.
type Limiter struct {
	counter Counter
	now     func() time.Time
}

// NewLimiter creates a Limiter over the given counter backend.
func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// LimitFor returns the daily cap for a tier. Unknown tiers get the most
// restrictive cap.
func LimitFor(tier int) int64 {
	if limit, ok := tierLimits[tier]; ok {
		return limit
	}
	return tierLimits[1]
}

// Consume spends one unit of the identity's daily quota. It returns
// models.ErrQuotaExceeded when the cap is already reached; the counter is
// still advanced in that case only when under the cap, so rejected requests
// never burn quota.
func (l *Limiter) Consume(ctx context.Context, identity *models.Identity) (*Status, error) {
	limit := LimitFor(identity.Tier)
	if limit < 0 {
		return l.unlimitedStatus(), nil
	}

	key := l.key(identity.ID)
	used, err := l.counter.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: quota read: %v", models.ErrPersistence, err)
	}
	if used >= limit {
		metrics.QuotaRejections.Inc()
		return l.status(limit, used), models.ErrQuotaExceeded
	}

	used, err = l.counter.Incr(ctx, key, l.untilMidnight())
	if err != nil {
		return nil, fmt.Errorf("%w: quota incr: %v", models.ErrPersistence, err)
	}
	if used > limit {
		// Lost the race to the last slot.
		metrics.QuotaRejections.Inc()
		return l.status(limit, used), models.ErrQuotaExceeded
	}
	return l.status(limit, used), nil
}

// Peek reports current standing without consuming quota.
func (l *Limiter) Peek(ctx context.Context, identity *models.Identity) (*Status, error) {
	limit := LimitFor(identity.Tier)
	if limit < 0 {
		return l.unlimitedStatus(), nil
	}
	used, err := l.counter.Get(ctx, l.key(identity.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: quota read: %v", models.ErrPersistence, err)
	}
	return l.status(limit, used), nil
}

func (l *Limiter) key(identityID string) string {
	return fmt.Sprintf("download_requests:%s:%s", identityID, l.now().Format("2006-01-02"))
}

// nextMidnight is the moment the counter key expires and the quota resets,
// in the process's local time zone.
func (l *Limiter) nextMidnight() time.Time {
	now := l.now()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func (l *Limiter) untilMidnight() time.Duration {
	return l.nextMidnight().Sub(l.now())
}

func (l *Limiter) status(limit, used int64) *Status {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetsAt:  l.nextMidnight().Format(time.RFC3339),
	}
}

func (l *Limiter) unlimitedStatus() *Status {
	return &Status{Limit: -1, Remaining: -1, Unlimited: true, ResetsAt: l.nextMidnight().Format(time.RFC3339)}
}

// RedisCounter backs the quota counter with Redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing Redis client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, expiresIn time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiresIn)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// MemoryCounter is an in-process Counter for tests and single-node setups.
type MemoryCounter struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, expiresIn time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	if _, ok := m.values[key]; !ok {
		m.expires[key] = m.now().Add(expiresIn)
	}
	m.values[key]++
	return m.values[key], nil
}

func (m *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
	return m.values[key], nil
}

func (m *MemoryCounter) evict(key string) {
	if exp, ok := m.expires[key]; ok && m.now().After(exp) {
		delete(m.values, key)
		delete(m.expires, key)
	}
}
