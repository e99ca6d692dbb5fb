package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func TestGetSetRoundtrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	_, found, err := a.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, a.Set(ctx, "k", []byte("v"), time.Minute))
	val, found, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(val))
}

func TestSetNXOnlyFirstWins(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	ok, err := a.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrDecr(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	v, err := a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = a.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = a.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestListPushTrimRange(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, a.ListPush(ctx, "hist", []byte(v)))
	}
	require.NoError(t, a.ListTrimToTail(ctx, "hist", 2))

	got, err := a.ListRange(ctx, "hist")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", string(got[0]))
	assert.Equal(t, "d", string(got[1]))
}

func TestGetDegradesOnCircuitOpen(t *testing.T) {
	a, mr := newTestAdapter(t)
	ctx := context.Background()

	mr.SetError("simulated redis outage")
	defer mr.SetError("")

	for i := 0; i < 10; i++ {
		_, _, _ = a.Get(ctx, "k")
	}

	_, found, err := a.Get(ctx, "k")
	assert.False(t, found)
	if err != nil {
		assert.ErrorIs(t, err, ErrKvUnavailable)
	}
}

func TestLockUnlockRoundtrip(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	h, err := a.Lock(ctx, "room:ABCD:lock", "owner-1", 5*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = a.Lock(ctx, "room:ABCD:lock", "owner-2", 5*time.Second, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	require.NoError(t, a.Unlock(ctx, h))

	h2, err := a.Lock(ctx, "room:ABCD:lock", "owner-2", 5*time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestUnlockOnlyReleasesIfOwnerMatches(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	h, err := a.Lock(ctx, "room:X:lock", "owner-1", 5*time.Second, 100*time.Millisecond)
	require.NoError(t, err)

	stolen := &LockHandle{key: "room:X:lock", owner: "owner-2"}
	require.NoError(t, a.Unlock(ctx, stolen))

	_, err = a.Lock(ctx, "room:X:lock", "owner-2", 5*time.Second, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	require.NoError(t, a.Unlock(ctx, h))
}

func TestClaimTimerOwnerNewRoundSupersedesStale(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	key := "room:ABCD:timer_owner"

	ok, err := a.ClaimTimerOwner(ctx, key, TimerOwner{Channel: "proc-1", RoundIndex: 1, StartedAt: 100}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.ClaimTimerOwner(ctx, key, TimerOwner{Channel: "proc-1", RoundIndex: 1, StartedAt: 100}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "same channel re-claiming its own round should succeed")

	ok, err = a.ClaimTimerOwner(ctx, key, TimerOwner{Channel: "proc-2", RoundIndex: 1, StartedAt: 100}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a different channel must not steal the current round")

	ok, err = a.ClaimTimerOwner(ctx, key, TimerOwner{Channel: "proc-2", RoundIndex: 2, StartedAt: 200}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a newer round index supersedes the stale owner unconditionally")
}

func TestRenewAndReleaseTimerOwnerRequireMatchingChannel(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	key := "room:ABCD:timer_owner"

	_, err := a.ClaimTimerOwner(ctx, key, TimerOwner{Channel: "proc-1", RoundIndex: 1, StartedAt: 100}, time.Minute)
	require.NoError(t, err)

	renewed, err := a.RenewTimerOwner(ctx, key, "proc-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	renewed, err = a.RenewTimerOwner(ctx, key, "proc-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, a.ReleaseTimerOwner(ctx, key, "proc-2"))
	_, found, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "release from a non-owner channel must be a no-op")

	require.NoError(t, a.ReleaseTimerOwner(ctx, key, "proc-1"))
	_, found, err = a.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
