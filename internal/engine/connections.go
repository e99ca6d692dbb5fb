package engine

import (
	"context"
	"log"
	"time"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/model"
)

// RegisterConnection implements the Connection Manager's admission steps
// 5-6 (spec §4.D): join the broadcast group, bump the connections:{user_id}
// counter, cancel any pending disconnect-grace timer for this user, and
// broadcast presence.
func (e *Engine) RegisterConnection(ctx context.Context, code string, roomID int64, userID string, member bus.Member) {
	rt := e.runtime(code, roomID)

	rt.mu.Lock()
	if rt.connections[userID] == nil {
		rt.connections[userID] = make(map[string]bus.Member)
	}
	rt.connections[userID][member.ID()] = member
	if cancel, ok := rt.disconnectCancel[userID]; ok {
		cancel()
		delete(rt.disconnectCancel, userID)
	}
	rt.mu.Unlock()

	if e.fab != nil {
		e.fab.JoinGroup(groupName(code), member)
	}

	if _, err := e.kv.Incr(ctx, connKey(code, userID)); err != nil {
		log.Printf("[RegisterConnection] room=%s user=%s: connection counter incr degraded: %v", code, userID, err)
	}

	log.Printf("[RegisterConnection] room=%s user=%s conn=%s: joined", code, userID, member.ID())
	e.BroadcastPresence(ctx, code, roomID)
}

// UnregisterConnection implements admission teardown: leave the group,
// decrement the counter, and if that was the user's last live connection,
// start the 60s disconnect-grace timer (spec §4.D, §9 "disconnect grace").
func (e *Engine) UnregisterConnection(ctx context.Context, code string, roomID int64, userID string, member bus.Member) {
	rt := e.runtime(code, roomID)
	if e.fab != nil {
		e.fab.LeaveGroup(groupName(code), member)
	}

	rt.mu.Lock()
	if conns := rt.connections[userID]; conns != nil {
		delete(conns, member.ID())
		if len(conns) == 0 {
			delete(rt.connections, userID)
		}
	}
	rt.mu.Unlock()

	remaining, err := e.kv.Decr(ctx, connKey(code, userID))
	if err != nil {
		log.Printf("[UnregisterConnection] room=%s user=%s: connection counter decr degraded: %v", code, userID, err)
	}

	log.Printf("[UnregisterConnection] room=%s user=%s conn=%s: left, remaining=%d", code, userID, member.ID(), remaining)
	e.BroadcastPresence(ctx, code, roomID)

	if remaining > 0 {
		return
	}
	e.startDisconnectGrace(code, roomID, userID)
}

// startDisconnectGrace schedules the deferred membership teardown, replacing
// any timer already running for this user (a reconnect within the window
// cancels it via RegisterConnection).
func (e *Engine) startDisconnectGrace(code string, roomID int64, userID string) {
	rt := e.runtime(code, roomID)

	rt.mu.Lock()
	if cancel, ok := rt.disconnectCancel[userID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.disconnectCancel[userID] = cancel
	rt.mu.Unlock()

	grace := time.Duration(e.cfg.DisconnectGraceSeconds) * time.Second
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(grace):
		}
		e.expireMembership(code, roomID, userID)
	}()
}

// expireMembership runs once the disconnect-grace window elapses without a
// reconnect: mark the member inactive, sync empty_since, clean up any kick
// vote involving them (as target or as voter, spec §4.H step 4), and pause
// the round if membership drops below two.
func (e *Engine) expireMembership(code string, roomID int64, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rt := e.runtime(code, roomID)
	rt.mu.Lock()
	delete(rt.disconnectCancel, userID)
	stillGone := len(rt.connections[userID]) == 0
	rt.mu.Unlock()
	if !stillGone {
		return
	}

	log.Printf("[expireMembership] room=%s user=%s: disconnect grace elapsed", code, userID)

	if err := e.CleanupKickVotesOnDeparture(ctx, code, roomID, userID, "Target disconnected"); err != nil {
		log.Printf("[expireMembership] room=%s user=%s: kick vote cleanup failed: %v", code, userID, err)
	}

	if e.store != nil {
		if err := e.store.MarkMemberInactive(ctx, roomID, userID); err != nil {
			log.Printf("[expireMembership] room=%s user=%s: mark inactive failed: %v", code, userID, err)
		}
		if _, err := e.store.SyncEmptySince(ctx, roomID); err != nil {
			log.Printf("[expireMembership] room=%s user=%s: sync empty_since failed: %v", code, userID, err)
		}
	}

	e.BroadcastPresence(ctx, code, roomID)
	if e.lobbyNotifier != nil {
		e.lobbyNotifier()
	}

	members, err := e.ActiveMemberIDs(ctx, code)
	if err != nil {
		log.Printf("[expireMembership] room=%s user=%s: active member lookup failed: %v", code, userID, err)
		return
	}
	if len(members) == 0 {
		e.dropRuntime(code)
		return
	}
	if len(members) < 2 {
		if err := e.Pause(ctx, code, roomID); err != nil {
			log.Printf("[expireMembership] room=%s: pause failed: %v", code, err)
		}
	}
}

// dropConnections removes every live connection for userID from the local
// fabric group and bookkeeping. It does not close the sockets itself: the
// Connection Manager reacts to the direct_disconnect_user envelope and
// closes with the requested code (spec §4.H).
func (e *Engine) dropConnections(rt *roomRuntime, userID string) {
	rt.mu.Lock()
	conns := rt.connections[userID]
	delete(rt.connections, userID)
	rt.mu.Unlock()

	if e.fab == nil {
		return
	}
	for _, m := range conns {
		e.fab.LeaveGroup(groupName(rt.code), m)
	}
}

// resetConnectionCount clears the connections:{user_id} counter, used when a
// kick forcibly ends every one of the target's connections at once.
func (e *Engine) resetConnectionCount(ctx context.Context, code, userID string) error {
	_, err := e.kv.Delete(ctx, connKey(code, userID))
	return err
}

// sendToUser delivers a single envelope to every live connection a user
// currently holds in this process (spec §4.D/§4.H direct-to-user sends).
func (e *Engine) sendToUser(rt *roomRuntime, userID, envelopeType string, data any) {
	rt.mu.Lock()
	conns := make(map[string]bus.Member, len(rt.connections[userID]))
	for id, m := range rt.connections[userID] {
		conns[id] = m
	}
	rt.mu.Unlock()
	if len(conns) == 0 {
		return
	}
	e.sendTo(conns, envelopeType, data)
}

// BroadcastPresence fans out the current active-member roster (spec §4.D
// "on join/leave broadcast presence"), falling back to an empty roster if
// the Persistence Gateway is unavailable.
func (e *Engine) BroadcastPresence(ctx context.Context, code string, roomID int64) {
	var members []model.PublicUser
	if e.store != nil {
		m, err := e.store.ListActiveMembers(ctx, roomID)
		if err != nil {
			log.Printf("[BroadcastPresence] room=%s: list active members failed: %v", code, err)
		} else {
			members = m
		}
	}
	e.broadcast(code, "presence", model.PresenceData{Members: members}, "")
}

// GameStateSnapshot renders the current game state as the outbound
// game_state envelope sent on admission (spec §4.D step 6).
func (e *Engine) GameStateSnapshot(ctx context.Context, code string, roomID int64) model.GameStateData {
	var out model.GameStateData
	_ = e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		out = model.GameStateData{
			Status:     gs.Status,
			RoundIndex: gs.RoundIndex,
			MaxRounds:  gs.MaxRounds,
			DrawerID:   gs.DrawerID,
			Scores:     cloneScores(gs.Scores),
		}
		if gs.Status == model.StatusRunning {
			out.MaskedWord = model.MaskWord(gs.Word, gs.RevealedIndices)
			elapsed := int(time.Since(gs.StartedAt).Seconds())
			left := gs.RoundSeconds - elapsed
			if left < 0 {
				left = 0
			}
			out.SecondsLeft = left
		}
		return nil
	})
	return out
}
