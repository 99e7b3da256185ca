// Package counter keeps operational counters (webhook outcomes, status
// translation gaps, submissions) in a Redis hash so every instance adds to
// the same totals.
package counter

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const countersKey = "taxdesk:counters"

// Recorder increments a named counter. Failures are logged, never returned:
// counting must not change the outcome of the operation being counted.
type Recorder interface {
	Incr(ctx context.Context, name string)
}

// Snapshotter exposes current totals.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// Key joins name segments with ':' after normalizing them.
func Key(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			p = "unknown"
		}
		clean = append(clean, strings.ReplaceAll(p, ":", "_"))
	}
	return strings.Join(clean, ":")
}

type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, name string) {
	if err := c.client.HIncrBy(ctx, countersKey, name, 1).Err(); err != nil {
		log.Warnf("[Counter] Failed to increment %s: %v", name, err)
	}
}

func (c *RedisCounter) Snapshot(ctx context.Context) (map[string]int64, error) {
	data, err := c.client.HGetAll(ctx, countersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for k, v := range data {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// MemoryCounter is a process-local counter set.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: map[string]int64{}}
}

func (c *MemoryCounter) Incr(_ context.Context, name string) {
	c.mu.Lock()
	c.values[name]++
	c.mu.Unlock()
}

func (c *MemoryCounter) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[name]
}

func (c *MemoryCounter) Snapshot(_ context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

// Names returns the sorted counter names of a snapshot.
func Names(snapshot map[string]int64) []string {
	names := make([]string, 0, len(snapshot))
	for k := range snapshot {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Nop discards increments.
type Nop struct{}

func (Nop) Incr(context.Context, string) {}
