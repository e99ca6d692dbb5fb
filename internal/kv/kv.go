// Package kv implements the KV Adapter (spec §4.A): typed operations on
// the shared store with TTLs, list operations, atomic locks, and
// best-effort degradation when the store is unreachable. Grounded on
// RoseWrightdev-Video-Conferencing's internal/v1/bus.Service, the only
// repo in the retrieved pack with a Redis client wrapped in a circuit
// breaker.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrKvUnavailable is returned whenever the circuit breaker is open or the
// underlying Redis call fails outright. Callers must treat it as
// best-effort: continue with in-process state rather than abort (spec §7
// "KvUnavailable ... all KV operations tolerate failure").
var ErrKvUnavailable = errors.New("kv: store unavailable")

// ErrLockUnavailable is returned by Lock when the distributed mutex could
// not be acquired within the wait window (spec §7 "LockUnavailable").
var ErrLockUnavailable = errors.New("kv: lock unavailable")

// Adapter is the typed surface the engine depends on. It never panics and
// never blocks a request path on a KV outage.
type Adapter struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// New wraps an existing Redis client in a circuit breaker, the same
// construction RoseWrightdev's bus.Service.NewService uses.
func New(client *redis.Client) *Adapter {
	st := gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[kv] circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Adapter{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

// Dial connects to addr and verifies reachability with a PING, mirroring
// bus.Service.NewService.
func Dial(addr, password string, db int) (*Adapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect to redis: %w", err)
	}
	return New(rdb), nil
}

// Client exposes the underlying redis client for callers that need direct
// pub/sub access (the bus package).
func (a *Adapter) Client() *redis.Client {
	if a == nil {
		return nil
	}
	return a.client
}

func degraded(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState)
}

// Get returns the value for key, or (nil, false, nil) if it is absent.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if a == nil || a.client == nil {
		return nil, false, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.Get(ctx, key).Bytes()
	})
	if err != nil {
		if degraded(err) {
			log.Printf("[kv] Get(%s): circuit open, degrading", key)
			return nil, false, ErrKvUnavailable
		}
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		log.Printf("[kv] Get(%s) failed: %v", key, err)
		return nil, false, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return res.([]byte), true, nil
}

// Set writes value under key with the given TTL (0 = no expiry).
func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if a == nil || a.client == nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.Set(ctx, key, value, ttl).Err()
	})
	return wrapDegraded(err, "Set", key)
}

// SetNX writes value under key only if it does not already exist.
func (a *Adapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if a == nil || a.client == nil {
		return true, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		if degraded(err) {
			return false, ErrKvUnavailable
		}
		return false, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return res.(bool), nil
}

// Expire resets the TTL on an existing key.
func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if a == nil || a.client == nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.Expire(ctx, key, ttl).Err()
	})
	return wrapDegraded(err, "Expire", key)
}

// Delete removes the given keys, returning how many existed.
func (a *Adapter) Delete(ctx context.Context, keys ...string) (int, error) {
	if a == nil || a.client == nil || len(keys) == 0 {
		return 0, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.Del(ctx, keys...).Result()
	})
	if err != nil {
		if degraded(err) {
			return 0, ErrKvUnavailable
		}
		return 0, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return int(res.(int64)), nil
}

// ListPush appends value to the tail of a list key.
func (a *Adapter) ListPush(ctx context.Context, key string, value []byte) error {
	if a == nil || a.client == nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.RPush(ctx, key, value).Err()
	})
	return wrapDegraded(err, "ListPush", key)
}

// ListTrimToTail keeps only the last n entries of a list key.
func (a *Adapter) ListTrimToTail(ctx context.Context, key string, n int64) error {
	if a == nil || a.client == nil || n <= 0 {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.LTrim(ctx, key, -n, -1).Err()
	})
	return wrapDegraded(err, "ListTrimToTail", key)
}

// ListRange returns every entry currently in a list key, oldest first.
func (a *Adapter) ListRange(ctx context.Context, key string) ([][]byte, error) {
	if a == nil || a.client == nil {
		return nil, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.LRange(ctx, key, 0, -1).Result()
	})
	if err != nil {
		if degraded(err) {
			log.Printf("[kv] ListRange(%s): circuit open, returning empty history", key)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	strs := res.([]string)
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out, nil
}

// Incr atomically increments a counter key.
func (a *Adapter) Incr(ctx context.Context, key string) (int64, error) {
	if a == nil || a.client == nil {
		return 0, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.Incr(ctx, key).Result()
	})
	if err != nil {
		if degraded(err) {
			return 0, ErrKvUnavailable
		}
		return 0, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return res.(int64), nil
}

// Decr atomically decrements a counter key.
func (a *Adapter) Decr(ctx context.Context, key string) (int64, error) {
	if a == nil || a.client == nil {
		return 0, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		return a.client.Decr(ctx, key).Result()
	})
	if err != nil {
		if degraded(err) {
			return 0, ErrKvUnavailable
		}
		return 0, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return res.(int64), nil
}

// ScanMatch returns every key matching pattern. Used only for maintenance
// paths; the engine's own per-room keys are addressed directly.
func (a *Adapter) ScanMatch(ctx context.Context, pattern string) ([]string, error) {
	if a == nil || a.client == nil {
		return nil, nil
	}
	res, err := a.cb.Execute(func() (interface{}, error) {
		var keys []string
		iter := a.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	})
	if err != nil {
		if degraded(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrKvUnavailable, err)
	}
	return res.([]string), nil
}

// Ping verifies connectivity, used by health checks.
func (a *Adapter) Ping(ctx context.Context) error {
	if a == nil || a.client == nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.Ping(ctx).Err()
	})
	return wrapDegraded(err, "Ping", "")
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func wrapDegraded(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if degraded(err) {
		log.Printf("[kv] %s(%s): circuit open, degrading", op, key)
		return ErrKvUnavailable
	}
	log.Printf("[kv] %s(%s) failed: %v", op, key, err)
	return fmt.Errorf("%w: %v", ErrKvUnavailable, err)
}
