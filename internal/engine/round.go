package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/kv"
	"github.com/scythe504/doodleroom/internal/model"
)

// ErrNotEnoughPlayers is returned by StartRound when fewer than two active
// members are present (spec §4.F).
var ErrNotEnoughPlayers = errors.New("engine: not enough active players")

// StartRound advances round_index and begins a new drawing round, picking a
// drawer, a word, and (if this instance wins timer ownership) launching the
// per-round timer loop (spec §4.F).
func (e *Engine) StartRound(ctx context.Context, code string, roomID int64) error {
	log.Printf("[StartRound] room=%s: requested", code)

	var (
		owns       bool
		roundIndex int
		startedAt  time.Time
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.Status == model.StatusFinished {
			return nil
		}
		if gs.RoundIndex >= gs.MaxRounds {
			return e.finishGameLocked(rt, gs)
		}

		members, mErr := e.ActiveMemberIDs(ctx, code)
		if mErr != nil {
			log.Printf("[StartRound] room=%s: active member lookup failed: %v", code, mErr)
			return mErr
		}
		if len(members) < 2 {
			log.Printf("[StartRound] room=%s: only %d active members, staying waiting", code, len(members))
			return ErrNotEnoughPlayers
		}

		gs.RoundIndex++
		gs.Status = model.StatusRunning
		gs.Word = pickWord()
		gs.Guessed = make(map[string]bool)
		gs.RevealedIndices = make(map[int]bool)
		gs.StartedAt = time.Now().UTC()
		gs.DrawerID = chooseDrawer(members, gs.LastDrawerID)
		gs.LastDrawerID = gs.DrawerID

		if _, err := e.kv.Delete(ctx, drawKey(code)); err != nil {
			log.Printf("[StartRound] room=%s: draw history clear degraded: %v", code, err)
		}

		e.broadcast(code, "clear", model.ClearData{User: "system"}, "")
		e.broadcast(code, "round_start", model.RoundStartData{
			Round:      gs.RoundIndex,
			MaxRounds:  gs.MaxRounds,
			DrawerID:   gs.DrawerID,
			MaskedWord: model.MaskWord(gs.Word, gs.RevealedIndices),
			Duration:   gs.RoundSeconds,
			Scores:     gs.Scores,
		}, "")
		if member := rt.connections[gs.DrawerID]; len(member) > 0 {
			e.sendTo(member, "round_secret", model.RoundSecretData{Word: gs.Word})
		}

		claim := kv.TimerOwner{Channel: e.channel, RoundIndex: gs.RoundIndex, StartedAt: gs.StartedAt.Unix()}
		won, cErr := e.kv.ClaimTimerOwner(ctx, timerOwnerKey(code), claim, e.cfg.TimerOwnerTTL())
		if cErr != nil {
			log.Printf("[StartRound] room=%s: timer ownership claim failed: %v", code, cErr)
		}
		owns = won
		roundIndex = gs.RoundIndex
		startedAt = gs.StartedAt
		return nil
	})
	if err != nil {
		return err
	}

	if owns {
		e.launchRoundTimer(code, roomID, roundIndex, startedAt)
	}
	return nil
}

func (e *Engine) launchRoundTimer(code string, roomID int64, roundIndex int, startedAt time.Time) {
	rt := e.runtime(code, roomID)

	rt.mu.Lock()
	if rt.timerCancel != nil {
		rt.timerCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.timerCancel = cancel
	rt.mu.Unlock()

	go e.roundTimerLoop(ctx, code, roomID, roundIndex, startedAt)
}

// roundTimerLoop is the single goroutine (per process that won timer
// ownership) driving the countdown: tick once a second, broadcast
// seconds_left, reveal hints at the fixed checkpoints, and end the round at
// zero (spec §4.F).
func (e *Engine) roundTimerLoop(ctx context.Context, code string, roomID int64, roundIndex int, startedAt time.Time) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	revealed := map[int]bool{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var (
			roundSeconds int
			word         string
			stillRunning bool
		)
		_ = e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
			stillRunning = gs.Status == model.StatusRunning && gs.RoundIndex == roundIndex
			roundSeconds = gs.RoundSeconds
			word = gs.Word
			return nil
		})
		if !stillRunning {
			return
		}

		elapsed := int(time.Since(startedAt).Seconds())
		secondsLeft := roundSeconds - elapsed
		if secondsLeft < 0 {
			secondsLeft = 0
		}

		e.broadcast(code, "timer", model.TimerData{SecondsLeft: secondsLeft}, "")

		if shouldRevealHint(secondsLeft) && !revealed[secondsLeft] && word != "" {
			revealed[secondsLeft] = true
			e.revealHint(ctx, code, roomID, roundIndex)
		}

		if secondsLeft <= 0 {
			_ = e.EndRound(ctx, code, roomID, "time")
			return
		}

		won, err := e.kv.RenewTimerOwner(ctx, timerOwnerKey(code), e.channel, e.cfg.TimerOwnerTTL())
		if err != nil {
			log.Printf("[roundTimerLoop] room=%s: renew failed: %v", code, err)
		}
		if !won {
			log.Printf("[roundTimerLoop] room=%s: lost timer ownership, stopping", code)
			return
		}
	}
}

func shouldRevealHint(secondsLeft int) bool {
	return secondsLeft == 90 || secondsLeft == 60 || secondsLeft == 30
}

func (e *Engine) revealHint(ctx context.Context, code string, roomID int64, roundIndex int) {
	_ = e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.Status != model.StatusRunning || gs.RoundIndex != roundIndex || gs.Word == "" {
			return nil
		}
		candidates := model.HintCandidates(gs.Word, gs.RevealedIndices)
		if len(candidates) == 0 {
			return nil
		}
		idx := candidates[rand.Intn(len(candidates))]
		gs.RevealedIndices[idx] = true
		e.broadcast(code, "hint", model.HintData{MaskedWord: model.MaskWord(gs.Word, gs.RevealedIndices)}, "")
		return nil
	})
}

// EndRound closes out the current round, reports the word and scores, and
// schedules the next round (or game over) after the configured break.
func (e *Engine) EndRound(ctx context.Context, code string, roomID int64, reason string) error {
	var (
		word      string
		scores    map[string]int
		nextRound bool
		over      bool
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.Status != model.StatusRunning {
			return nil
		}
		word = gs.Word
		scores = gs.Scores

		if rt.timerCancel != nil {
			rt.timerCancel()
			rt.timerCancel = nil
		}
		if err := e.kv.ReleaseTimerOwner(ctx, timerOwnerKey(code), e.channel); err != nil {
			log.Printf("[EndRound] room=%s: release timer owner degraded: %v", code, err)
		}

		gs.Status = model.StatusWaiting
		gs.Word = ""
		gs.DrawerID = ""
		gs.Guessed = make(map[string]bool)
		gs.RevealedIndices = make(map[int]bool)

		e.broadcast(code, "round_end", model.RoundEndData{
			Word:        word,
			Scores:      scores,
			NextRoundIn: e.cfg.RoundBreakSeconds,
			Reason:      reason,
		}, "")
		e.appendSystemChat(ctx, code, "Word was: "+word)

		over = gs.RoundIndex >= gs.MaxRounds
		nextRound = !over
		return nil
	})
	if err != nil {
		return err
	}

	// After the final round, StartRound finishes the game instead of
	// starting another, so game over also follows the break.
	if over || nextRound {
		go e.scheduleNextRound(code, roomID)
	}
	return nil
}

func (e *Engine) scheduleNextRound(code string, roomID int64) {
	time.Sleep(time.Duration(e.cfg.RoundBreakSeconds) * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.StartRound(ctx, code, roomID); err != nil && !errors.Is(err, ErrNotEnoughPlayers) {
		log.Printf("[scheduleNextRound] room=%s: start failed: %v", code, err)
	}
}

// Pause stops a running round without advancing round_index, used when
// membership drops below two active players mid-round (spec §4.F).
func (e *Engine) Pause(ctx context.Context, code string, roomID int64) error {
	return e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.Status != model.StatusRunning {
			return nil
		}
		if rt.timerCancel != nil {
			rt.timerCancel()
			rt.timerCancel = nil
		}
		if err := e.kv.ReleaseTimerOwner(ctx, timerOwnerKey(code), e.channel); err != nil {
			log.Printf("[Pause] room=%s: release timer owner degraded: %v", code, err)
		}
		gs.Status = model.StatusWaiting
		gs.Word = ""
		gs.DrawerID = ""
		e.broadcast(code, "round_paused", model.RoundPausedData{Message: "waiting for more players"}, "")
		return nil
	})
}

// FinishGame marks the room finished and announces final scores.
func (e *Engine) FinishGame(ctx context.Context, code string, roomID int64) error {
	return e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		return e.finishGameLocked(rt, gs)
	})
}

func (e *Engine) finishGameLocked(rt *roomRuntime, gs *model.GameState) error {
	if gs.Status == model.StatusFinished {
		return nil
	}
	gs.Status = model.StatusFinished
	gs.DrawerID = ""
	gs.Word = ""
	if rt.timerCancel != nil {
		rt.timerCancel()
		rt.timerCancel = nil
	}
	e.broadcast(rt.code, "game_over", model.GameOverData{Scores: gs.Scores}, "")
	return nil
}

func pickWord() string {
	return model.Words[rand.Intn(len(model.Words))]
}

// chooseDrawer rotates fairly, excluding lastDrawerID whenever more than one
// candidate remains (spec §4.F).
func chooseDrawer(members []string, lastDrawerID string) string {
	if len(members) == 0 {
		return ""
	}
	if len(members) == 1 {
		return members[0]
	}
	candidates := make([]string, 0, len(members))
	for _, id := range members {
		if id != lastDrawerID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		candidates = members
	}
	return candidates[rand.Intn(len(candidates))]
}

func (e *Engine) sendTo(conns map[string]bus.Member, envelopeType string, data any) {
	env := model.Envelope[any]{Type: envelopeType, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, m := range conns {
		if err := m.Send(payload); err != nil {
			log.Printf("[sendTo] member %s send failed: %v", m.ID(), err)
		}
	}
}
