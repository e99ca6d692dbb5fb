package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/scythe504/doodleroom/internal/model"
)

// ErrVoteInProgress is returned when a kick_request arrives while another
// vote is already open (spec §4.H step 1).
var ErrVoteInProgress = fmt.Errorf("engine: a kick vote is already in progress")

// KickRequest opens a new kick vote against target on behalf of requester
// (spec §4.H protocol step 1).
func (e *Engine) KickRequest(ctx context.Context, code string, roomID int64, requester, target string) error {
	if requester == target {
		return fmt.Errorf("engine: cannot vote to kick yourself")
	}

	var (
		votes, required int
		resolved        bool
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if anyVoteInProgress(gs) {
			return ErrVoteInProgress
		}
		members, mErr := e.ActiveMemberIDs(ctx, code)
		if mErr != nil {
			return mErr
		}
		eligible := eligibleVoters(members, target)

		if gs.KickVotes == nil {
			gs.KickVotes = make(map[string]map[string]bool)
		}
		if gs.KickResponses == nil {
			gs.KickResponses = make(map[string]map[string]bool)
		}
		gs.KickVotes[target] = map[string]bool{requester: true}
		gs.KickResponses[target] = map[string]bool{requester: true}

		votes = len(gs.KickVotes[target])
		required = quorum(len(eligible))
		resolved = votes >= required
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[KickRequest] room=%s target=%s requester=%s: votes=%d required=%d", code, target, requester, votes, required)
	e.broadcast(code, "kick_request", model.KickRequestData{
		TargetID: target, RequesterID: requester, Votes: votes, Required: required,
	}, "")
	e.appendSystemChat(ctx, code, fmt.Sprintf("%s started a vote to kick %s", requester, target))

	if resolved {
		return e.kickUser(ctx, code, roomID, target, "Voted out")
	}
	e.startKickTimeout(code, roomID, target)
	return nil
}

// KickVote records voter's ballot on an in-progress vote (spec §4.H step 2).
func (e *Engine) KickVote(ctx context.Context, code string, roomID int64, voter, target string, approve bool) error {
	var (
		votes, required, responded int
		eligible                   []string
		resolved, noVote           bool
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if voter == target || gs.KickVotes == nil || gs.KickResponses[target] == nil {
			noVote = true
			return nil
		}
		if gs.KickResponses[target][voter] {
			return nil // already responded
		}

		members, mErr := e.ActiveMemberIDs(ctx, code)
		if mErr != nil {
			return mErr
		}
		eligible = eligibleVoters(members, target)
		if !contains(eligible, voter) {
			noVote = true
			return nil
		}

		gs.KickResponses[target][voter] = true
		if approve {
			gs.KickVotes[target][voter] = true
		}

		intersectWithEligible(gs.KickVotes[target], eligible)
		intersectWithEligible(gs.KickResponses[target], eligible)

		votes = len(gs.KickVotes[target])
		responded = len(gs.KickResponses[target])
		required = quorum(len(eligible))
		resolved = votes >= required
		return nil
	})
	if err != nil {
		return err
	}
	if noVote {
		return nil
	}

	if resolved {
		return e.kickUser(ctx, code, roomID, target, "Voted out")
	}

	log.Printf("[KickVote] room=%s target=%s voter=%s approve=%v: votes=%d required=%d", code, target, voter, approve, votes, required)
	e.broadcast(code, "kick_update", model.KickUpdateData{
		TargetID: target, Votes: votes, Required: required, Responded: responded, Eligible: eligible,
	}, "")
	return nil
}

func (e *Engine) startKickTimeout(code string, roomID int64, target string) {
	rt := e.runtime(code, roomID)
	rt.mu.Lock()
	if cancel, ok := rt.kickTimeoutCancel[target]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.kickTimeoutCancel[target] = cancel
	rt.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(e.cfg.KickVoteSeconds) * time.Second):
		}
		if err := e.cancelKickVote(context.Background(), code, roomID, target, "Vote expired"); err != nil {
			log.Printf("[startKickTimeout] room=%s target=%s: cancel failed: %v", code, target, err)
		}
	}()
}

// cancelKickVote implements the 20s-timeout and target-disconnect paths of
// spec §4.H steps 3-4.
func (e *Engine) cancelKickVote(ctx context.Context, code string, roomID int64, target, reason string) error {
	var hadVote bool
	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.KickVotes == nil || gs.KickVotes[target] == nil {
			return nil
		}
		hadVote = true
		delete(gs.KickVotes, target)
		delete(gs.KickResponses, target)
		return nil
	})
	if err != nil {
		return err
	}
	e.stopKickTimeout(code, roomID, target)
	if hadVote {
		log.Printf("[cancelKickVote] room=%s target=%s: %s", code, target, reason)
		e.broadcast(code, "kick_cancel", model.KickCancelData{TargetID: target, Reason: reason}, "")
	}
	return nil
}

// RemoveVoterFromVotes implements the other half of spec §4.H step 4: "when
// a voter disconnects or leaves during a vote, recompute sets/required and
// re-broadcast". It only acts on votes where departing is a voter, not the
// target (target departure is cancelKickVote's job); grounded on
// original_source/backend/realtime/consumers.py's cleanup_kick_votes, which
// discards the leaving user from voters, intersects against the shrunken
// eligible set, and either resolves the vote or re-broadcasts kick_update.
func (e *Engine) RemoveVoterFromVotes(ctx context.Context, code string, roomID int64, departing string) error {
	var (
		target                     string
		votes, required, responded int
		eligible                   []string
		resolved, found            bool
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		members, mErr := e.ActiveMemberIDs(ctx, code)
		if mErr != nil {
			return mErr
		}

		for t, responses := range gs.KickResponses {
			if t == departing || !responses[departing] {
				continue
			}
			delete(gs.KickVotes[t], departing)
			delete(gs.KickResponses[t], departing)

			newEligible := eligibleVoters(members, t)
			intersectWithEligible(gs.KickVotes[t], newEligible)
			intersectWithEligible(gs.KickResponses[t], newEligible)

			target = t
			eligible = newEligible
			votes = len(gs.KickVotes[t])
			responded = len(gs.KickResponses[t])
			required = quorum(len(newEligible))
			resolved = votes >= required
			found = true
			break
		}
		return nil
	})
	if err != nil || !found {
		return err
	}

	if resolved {
		return e.kickUser(ctx, code, roomID, target, "Voted out")
	}

	log.Printf("[RemoveVoterFromVotes] room=%s target=%s voter=%s departed: votes=%d required=%d", code, target, departing, votes, required)
	e.broadcast(code, "kick_update", model.KickUpdateData{
		TargetID: target, Votes: votes, Required: required, Responded: responded, Eligible: eligible,
	}, "")
	return nil
}

// CleanupKickVotesOnDeparture covers both halves of spec §4.H step 4 for a
// user leaving a room (by disconnect-grace expiry or voluntary "leave"):
// cancel any vote naming them as target, and recompute any vote they had
// cast a ballot in as a voter. Called from expireMembership and, exported,
// from the Connection Manager's self-leave path.
func (e *Engine) CleanupKickVotesOnDeparture(ctx context.Context, code string, roomID int64, departing, targetReason string) error {
	if err := e.cancelKickVote(ctx, code, roomID, departing, targetReason); err != nil {
		return err
	}
	return e.RemoveVoterFromVotes(ctx, code, roomID, departing)
}

func (e *Engine) stopKickTimeout(code string, roomID int64, target string) {
	rt := e.runtime(code, roomID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cancel, ok := rt.kickTimeoutCancel[target]; ok {
		cancel()
		delete(rt.kickTimeoutCancel, target)
	}
}

// kickUser implements spec §4.H's kickUser(target, reason): announce, force
// the target's sockets closed with 4003, and mark the membership inactive.
func (e *Engine) kickUser(ctx context.Context, code string, roomID int64, target, reason string) error {
	e.stopKickTimeout(code, roomID, target)

	if err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		delete(gs.KickVotes, target)
		delete(gs.KickResponses, target)
		return nil
	}); err != nil {
		return err
	}

	log.Printf("[kickUser] room=%s target=%s: %s", code, target, reason)
	e.appendSystemChat(ctx, code, fmt.Sprintf("%s was kicked: %s", target, reason))

	rt := e.runtime(code, roomID)
	e.sendToUser(rt, target, "kicked", model.KickedData{Reason: reason})
	e.broadcast(code, "direct_disconnect_user", map[string]any{"target_id": target, "close_code": 4003}, "")

	e.dropConnections(rt, target)
	if err := e.resetConnectionCount(ctx, code, target); err != nil {
		log.Printf("[kickUser] room=%s target=%s: connection count reset degraded: %v", code, target, err)
	}
	if e.store != nil {
		if err := e.store.MarkMemberInactive(ctx, roomID, target); err != nil {
			log.Printf("[kickUser] room=%s target=%s: mark inactive failed: %v", code, target, err)
		}
		if _, err := e.store.SyncEmptySince(ctx, roomID); err != nil {
			log.Printf("[kickUser] room=%s target=%s: sync empty_since failed: %v", code, target, err)
		}
	}

	e.BroadcastPresence(ctx, code, roomID)
	if e.lobbyNotifier != nil {
		e.lobbyNotifier()
	}

	if count, cErr := e.ActiveMemberIDs(ctx, code); cErr == nil && len(count) < 2 {
		_ = e.Pause(ctx, code, roomID)
	}
	return nil
}

func anyVoteInProgress(gs *model.GameState) bool {
	for _, voters := range gs.KickVotes {
		if len(voters) > 0 {
			return true
		}
	}
	return false
}

func eligibleVoters(members []string, target string) []string {
	out := make([]string, 0, len(members))
	for _, id := range members {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// quorum is ceil(0.8 * |eligible|), floored at 1 (spec Glossary "Quorum").
func quorum(eligibleCount int) int {
	return max(1, int(math.Ceil(0.8*float64(eligibleCount))))
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func intersectWithEligible(set map[string]bool, eligible []string) {
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	for id := range set {
		if !allowed[id] {
			delete(set, id)
		}
	}
}
