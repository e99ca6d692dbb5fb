package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/doodleroom/internal/config"
	"github.com/scythe504/doodleroom/internal/kv"
	"github.com/scythe504/doodleroom/internal/model"
)

func newTestEngine(t *testing.T) *Engine {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kvAdapter := kv.New(rdb)

	cfg := &config.Config{
		RoundSeconds:            120,
		MaxRounds:               10,
		ChatWindowSeconds:       4,
		ChatMaxBurst:            3,
		MaxChatCooldown:         12,
		ChatHistoryLimit:        500,
		DrawHistoryLimit:        2000,
		RoomHistoryTTLSeconds:   604800,
		RoomStateTTLSeconds:     86400,
		RedisLockTimeoutSeconds: 10,
		RedisLockWaitSeconds:    5,
	}
	return New(kvAdapter, nil, nil, cfg)
}

func setRunningRound(t *testing.T, e *Engine, code string, roomID int64, drawer, word string) {
	t.Helper()
	err := e.withLock(context.Background(), code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		gs.Status = model.StatusRunning
		gs.DrawerID = drawer
		gs.Word = word
		gs.StartedAt = time.Now()
		return nil
	})
	require.NoError(t, err)
}

func TestHandleChatScoresFirstCorrectGuessAt100(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "tree house")

	e.HandleChat(ctx, "ABCD", 1, "guesser1", "Guesser One", "tree house", "c1")

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	require.Equal(t, 100, gs.Scores["guesser1"])
	require.Equal(t, 10, gs.Scores["drawer1"])
	require.True(t, gs.Guessed["guesser1"])
}

func TestHandleChatScoreDecaysPerGuesser(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	e.HandleChat(ctx, "ABCD", 1, "g1", "G1", "cat", "c1")
	e.HandleChat(ctx, "ABCD", 1, "g2", "G2", "cat", "c2")
	e.HandleChat(ctx, "ABCD", 1, "g3", "G3", "cat", "c3")

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	require.Equal(t, 100, gs.Scores["g1"])
	require.Equal(t, 90, gs.Scores["g2"])
	require.Equal(t, 80, gs.Scores["g3"])
}

func TestHandleChatDrawerCannotGuess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	e.HandleChat(ctx, "ABCD", 1, "drawer1", "Drawer", "cat", "c1")

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	require.Empty(t, gs.Guessed)
	require.Zero(t, gs.Scores["drawer1"])
}

func TestHandleChatWrongGuessIsJustChat(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	e.HandleChat(ctx, "ABCD", 1, "g1", "G1", "not it", "c1")

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	require.False(t, gs.Guessed["g1"])
	require.Zero(t, gs.Scores["g1"])
}

func TestCheckRateLimitBlocksAfterBurstAndGrowsPenalty(t *testing.T) {
	e := newTestEngine(t)
	rt := newRoomRuntime("ABCD", 1)
	e.cfg = &config.Config{ChatWindowSeconds: 4, ChatMaxBurst: 2, MaxChatCooldown: 12}

	blocked, _ := e.checkRateLimit(rt, "u1")
	require.False(t, blocked)
	blocked, _ = e.checkRateLimit(rt, "u1")
	require.False(t, blocked)

	blocked, seconds := e.checkRateLimit(rt, "u1")
	require.True(t, blocked)
	require.Equal(t, 2, seconds)
}
