// Package ledger remembers which (source, target, kind) matches have already
// been announced so a repeated matching run does not notify twice.
package ledger

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Key struct {
	SourceID string
	TargetID string
	Kind     string
}

func (k Key) String() string { return fmt.Sprintf("%s:%s:%s", k.Kind, k.SourceID, k.TargetID) }

// Ledger records a key and reports whether it was new.
type Ledger interface {
	Record(ctx context.Context, k Key) (bool, error)
}

// Memory is a process-local Ledger.
type Memory struct {
	mu   sync.Mutex
	seen map[Key]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemory keeps entries for ttl; zero keeps them forever.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{seen: make(map[Key]time.Time), ttl: ttl, now: time.Now}
}

func (m *Memory) Record(ctx context.Context, k Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.seen[k]; ok && (m.ttl == 0 || now.Sub(at) < m.ttl) {
		return false, nil
	}
	m.seen[k] = now
	return true, nil
}

// SetNXer is the single redis command the Redis ledger needs.
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Redis shares the ledger across processes with SETNX and a TTL.
type Redis struct {
	client SetNXer
	prefix string
	ttl    time.Duration
}

func NewRedis(client SetNXer, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "match"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func NewRedisFromAddr(addr, password string, ttl time.Duration) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedis(c, "", ttl)
}

// Close releases the client when it owns one.
func (r *Redis) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Redis) Record(ctx context.Context, k Key) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+":"+k.String(), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ledger setnx: %w", err)
	}
	return ok, nil
}
