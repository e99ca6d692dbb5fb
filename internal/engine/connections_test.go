package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/model"
)

type fakeConn struct {
	id string
}

func (f *fakeConn) ID() string        { return f.id }
func (f *fakeConn) Send([]byte) error { return nil }

var _ bus.Member = (*fakeConn)(nil)

func TestRegisterConnectionCancelsPendingDisconnectGrace(t *testing.T) {
	e := newTestEngine(t)
	e.cfg.DisconnectGraceSeconds = 1
	ctx := context.Background()

	conn1 := &fakeConn{id: "c1"}
	e.RegisterConnection(ctx, "ABCD", 1, "u1", conn1)
	e.UnregisterConnection(ctx, "ABCD", 1, "u1", conn1)

	rt := e.runtime("ABCD", 1)
	rt.mu.Lock()
	_, stillArmed := rt.disconnectCancel["u1"]
	rt.mu.Unlock()
	require.True(t, stillArmed, "expected a pending grace timer after losing the last connection")

	conn2 := &fakeConn{id: "c2"}
	e.RegisterConnection(ctx, "ABCD", 1, "u1", conn2)

	rt.mu.Lock()
	_, stillArmed = rt.disconnectCancel["u1"]
	rt.mu.Unlock()
	assert.False(t, stillArmed, "reconnecting within the grace window must cancel the pending timer")
}

func TestGameStateSnapshotWaitingRoom(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	snap := e.GameStateSnapshot(ctx, "ABCD", 1)
	assert.Equal(t, model.StatusWaiting, snap.Status)
	assert.Empty(t, snap.MaskedWord)
}

func TestGameStateSnapshotRunningRoomMasksWord(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	setRunningRound(t, e, "ABCD", 1, "drawer1", "cat")

	snap := e.GameStateSnapshot(ctx, "ABCD", 1)
	assert.Equal(t, model.StatusRunning, snap.Status)
	assert.Equal(t, "_ _ _", snap.MaskedWord)
	assert.GreaterOrEqual(t, snap.SecondsLeft, 0)
}
