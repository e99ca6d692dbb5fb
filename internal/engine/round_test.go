package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/doodleroom/internal/model"
)

func TestShouldRevealHint(t *testing.T) {
	for _, s := range []int{90, 60, 30} {
		assert.True(t, shouldRevealHint(s), "expected reveal at %d", s)
	}
	for _, s := range []int{120, 91, 61, 31, 29, 0} {
		assert.False(t, shouldRevealHint(s), "expected no reveal at %d", s)
	}
}

func TestChooseDrawerExcludesLastWhenPossible(t *testing.T) {
	members := []string{"a", "b", "c"}
	for i := 0; i < 20; i++ {
		got := chooseDrawer(members, "a")
		assert.NotEqual(t, "a", got)
	}
}

func TestChooseDrawerFallsBackWhenOnlyLastRemains(t *testing.T) {
	got := chooseDrawer([]string{"a"}, "a")
	assert.Equal(t, "a", got)
}

func TestChooseDrawerEmptyMembers(t *testing.T) {
	assert.Equal(t, "", chooseDrawer(nil, "a"))
}

func TestFinishGameLockedIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	require.NoError(t, e.FinishGame(ctx, "ABCD", 1))
	require.NoError(t, e.FinishGame(ctx, "ABCD", 1))

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, gs.Status)
	assert.Empty(t, gs.DrawerID)
}

func TestPauseStopsRunningRound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	require.NoError(t, e.Pause(ctx, "ABCD", 1))

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, gs.Status)
	assert.Empty(t, gs.Word)
	assert.Empty(t, gs.DrawerID)
}

func TestEndRoundNoopWhenNotRunning(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.EndRound(ctx, "ABCD", 1, "time"))

	rt := e.runtime("ABCD", 1)
	gs, err := e.loadState(ctx, rt)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, gs.Status)
}
