package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LockHandle identifies a held distributed lock; Unlock only releases the
// key if the owner token still matches (spec §4.A "unlock(handle) releases
// only if owner still matches").
type LockHandle struct {
	key   string
	owner string
}

const lockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Lock blocks up to wait for key to become free, then holds it for timeout
// under owner's token (spec §4.A "lock(key, owner_token, timeout, wait)").
func (a *Adapter) Lock(ctx context.Context, key, owner string, timeout, wait time.Duration) (*LockHandle, error) {
	if a == nil || a.client == nil {
		// Single-instance degradation: the caller always "wins" locally.
		return &LockHandle{key: key, owner: owner}, nil
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := a.SetNX(ctx, key, []byte(owner), timeout)
		if err != nil {
			if err == ErrKvUnavailable {
				// KV is down: behave like single-instance mode rather than
				// aborting every mutating operation.
				return &LockHandle{key: key, owner: owner}, nil
			}
			return nil, err
		}
		if ok {
			return &LockHandle{key: key, owner: owner}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Unlock releases handle's key if owner still matches, using a Lua script
// so the check-and-delete is atomic.
func (a *Adapter) Unlock(ctx context.Context, h *LockHandle) error {
	if a == nil || a.client == nil || h == nil {
		return nil
	}
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, a.client.Eval(ctx, lockScript, []string{h.key}, h.owner).Err()
	})
	return wrapDegraded(err, "Unlock", h.key)
}

// TimerOwner is the value stored at room:{code}:timer_owner (spec §4.E).
type TimerOwner struct {
	Channel    string `json:"channel"`
	RoundIndex int    `json:"round_index"`
	StartedAt  int64  `json:"started_at"`
}

// ClaimTimerOwner implements spec §4.E's claim algorithm: write with NX; on
// contention, read the current value and overwrite unconditionally if its
// (round_index, started_at) pair is stale, otherwise decide by channel
// equality.
func (a *Adapter) ClaimTimerOwner(ctx context.Context, key string, claim TimerOwner, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(claim)
	if err != nil {
		return false, fmt.Errorf("kv: marshal timer owner: %w", err)
	}

	ok, err := a.SetNX(ctx, key, payload, ttl)
	if err != nil {
		if err == ErrKvUnavailable {
			// Single-process fallback: the local owner always wins.
			return true, nil
		}
		return false, err
	}
	if ok {
		return true, nil
	}

	existing, found, err := a.Get(ctx, key)
	if err != nil {
		if err == ErrKvUnavailable {
			return true, nil
		}
		return false, err
	}
	if !found {
		// Raced with an expiry between SetNX and Get; retry the write.
		return a.SetNX(ctx, key, payload, ttl)
	}

	var current TimerOwner
	if err := json.Unmarshal(existing, &current); err != nil {
		// Unreadable value: treat as stale and overwrite.
		return true, a.Set(ctx, key, payload, ttl)
	}

	if current.RoundIndex != claim.RoundIndex || current.StartedAt != claim.StartedAt {
		// A newer round supersedes a stale owner unconditionally.
		return true, a.Set(ctx, key, payload, ttl)
	}

	return current.Channel == claim.Channel, nil
}

// RenewTimerOwner extends the TTL only if channel is still the owner.
func (a *Adapter) RenewTimerOwner(ctx context.Context, key, channel string, ttl time.Duration) (bool, error) {
	existing, found, err := a.Get(ctx, key)
	if err != nil {
		if err == ErrKvUnavailable {
			return true, nil
		}
		return false, err
	}
	if !found {
		return false, nil
	}
	var current TimerOwner
	if err := json.Unmarshal(existing, &current); err != nil {
		return false, nil
	}
	if current.Channel != channel {
		return false, nil
	}
	return true, a.Expire(ctx, key, ttl)
}

// ReleaseTimerOwner deletes the key only if channel is still the owner.
func (a *Adapter) ReleaseTimerOwner(ctx context.Context, key, channel string) error {
	existing, found, err := a.Get(ctx, key)
	if err != nil || !found {
		return err
	}
	var current TimerOwner
	if err := json.Unmarshal(existing, &current); err != nil {
		return nil
	}
	if current.Channel != channel {
		return nil
	}
	_, err = a.Delete(ctx, key)
	return err
}
