package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scythe504/doodleroom/internal/model"
)

// HandleChat implements the Chat & Guess Pipeline (spec §4.G): a drawer's
// own messages are blocked, every sender is subject to the per-instance
// sliding-window rate limit, and a message that normalizes to the secret
// word is scored as a correct guess instead of fanned out verbatim.
func (e *Engine) HandleChat(ctx context.Context, code string, roomID int64, sender, senderName, message, clientID string) {
	rt := e.runtime(code, roomID)

	if e.isDrawerNow(rt, sender) {
		log.Printf("[HandleChat] room=%s sender=%s: blocked, drawing", code, sender)
		e.sendToUser(rt, sender, "chat_blocked", model.ChatBlockedData{
			Reason:   "Chat disabled while drawing.",
			ClientID: clientID,
		})
		return
	}

	if blocked, seconds := e.checkRateLimit(rt, sender); blocked {
		log.Printf("[HandleChat] room=%s sender=%s: cooldown %ds", code, sender, seconds)
		e.sendToUser(rt, sender, "chat_cooldown", model.ChatCooldownData{Seconds: seconds, ClientID: clientID})
		return
	}

	normalized := strings.ToLower(strings.TrimSpace(message))

	var (
		correct      bool
		points       int
		scoresCopy   map[string]int
		activeCount  int
		drawerID     string
		roundEndNext bool
	)

	err := e.withLock(ctx, code, roomID, func(rt *roomRuntime, gs *model.GameState) error {
		if gs.Status != model.StatusRunning || gs.Word == "" || sender == gs.DrawerID || gs.Guessed[sender] {
			return nil
		}
		if normalized != strings.ToLower(gs.Word) {
			return nil
		}

		// spec §4.G: points computed before adding sender to guessed.
		points = max(20, 100-10*len(gs.Guessed))
		gs.Guessed[sender] = true
		gs.Scores[sender] += points
		drawerID = gs.DrawerID
		if drawerID != "" {
			gs.Scores[drawerID] += 10
		}
		correct = true
		scoresCopy = cloneScores(gs.Scores)

		members, mErr := e.ActiveMemberIDs(ctx, code)
		if mErr != nil {
			log.Printf("[HandleChat] room=%s: active member lookup failed: %v", code, mErr)
		}
		activeCount = len(members)
		roundEndNext = activeCount > 0 && len(gs.Guessed) >= max(0, activeCount-1)
		return nil
	})
	if err != nil {
		log.Printf("[HandleChat] room=%s sender=%s: locked guess check failed: %v", code, sender, err)
		return
	}

	if correct {
		log.Printf("[HandleChat] room=%s sender=%s: correct guess (+%d)", code, sender, points)
		e.broadcast(code, "guess_correct", model.GuessCorrectData{User: sender, Points: points, Scores: scoresCopy}, "")
		e.appendSystemChat(ctx, code, fmt.Sprintf("[Correct] %s guessed correctly (+%d)", senderName, points))
		if roundEndNext {
			go func() {
				if err := e.EndRound(context.Background(), code, roomID, "all_guessed"); err != nil {
					log.Printf("[HandleChat] room=%s: end round on all-guessed failed: %v", code, err)
				}
			}()
		}
		return
	}

	e.broadcast(code, "chat", model.ChatData{Message: message, User: sender, ClientID: clientID}, "")
	e.appendChatEntry(ctx, code, model.HistoryEntry{
		ID:       newEntryID(),
		Message:  message,
		User:     sender,
		ClientID: clientID,
	})
}

func cloneScores(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (e *Engine) isDrawerNow(rt *roomRuntime, userID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state != nil && rt.state.Status == model.StatusRunning && rt.state.DrawerID == userID
}

// checkRateLimit applies the per-instance sliding window + penalty growth
// rules of spec §4.G step 2. It is strictly local per server instance (spec
// §9 Open Question: cross-instance bypass is a known, documented gap).
func (e *Engine) checkRateLimit(rt *roomRuntime, sender string) (blocked bool, cooldownSeconds int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	if until, ok := rt.chatCooldowns[sender]; ok && now.Before(until) {
		return true, int(math.Ceil(until.Sub(now).Seconds()))
	}

	window := time.Duration(e.cfg.ChatWindowSeconds) * time.Second
	cutoff := now.Add(-window)
	history := rt.chatHistory[sender]
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= e.cfg.ChatMaxBurst {
		penalty := min(e.cfg.MaxChatCooldown, rt.chatPenalties[sender]+2)
		rt.chatPenalties[sender] = penalty
		rt.chatCooldowns[sender] = now.Add(time.Duration(penalty) * time.Second)
		rt.chatHistory[sender] = kept
		return true, penalty
	}

	kept = append(kept, now)
	rt.chatHistory[sender] = kept
	if p := rt.chatPenalties[sender]; p > 0 {
		rt.chatPenalties[sender] = p - 1
	}
	return false, 0
}

// appendSystemChat appends a server-authored line to chat history and fans
// it out as a system chat envelope.
func (e *Engine) appendSystemChat(ctx context.Context, code string, message string) {
	e.broadcast(code, "chat", model.ChatData{Message: message, System: true}, "")
	e.appendChatEntry(ctx, code, model.HistoryEntry{ID: newEntryID(), Message: message, System: true})
}

func (e *Engine) appendChatEntry(ctx context.Context, code string, entry model.HistoryEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[appendChatEntry] room=%s: marshal failed: %v", code, err)
		return
	}
	if err := e.kv.ListPush(ctx, chatKey(code), data); err != nil {
		log.Printf("[appendChatEntry] room=%s: chat history append degraded: %v", code, err)
		return
	}
	if err := e.kv.ListTrimToTail(ctx, chatKey(code), int64(e.cfg.ChatHistoryLimit)); err != nil {
		log.Printf("[appendChatEntry] room=%s: chat history trim degraded: %v", code, err)
	}
	_ = e.kv.Expire(ctx, chatKey(code), e.cfg.RoomHistoryTTL())
}

// HandleDraw implements the Connection Manager's `draw` routing (spec §4.D):
// only the current drawer's strokes are fanned out and appended to history.
func (e *Engine) HandleDraw(ctx context.Context, code string, roomID int64, sender string, payload any) {
	if !e.isDrawerNow(e.runtime(code, roomID), sender) {
		return
	}
	e.broadcast(code, "draw", model.DrawData{Payload: payload, User: sender}, sender)

	entry := model.DrawHistoryEntry{Payload: payload, User: sender}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[HandleDraw] room=%s: marshal failed: %v", code, err)
		return
	}
	if err := e.kv.ListPush(ctx, drawKey(code), data); err != nil {
		log.Printf("[HandleDraw] room=%s: draw history append degraded: %v", code, err)
		return
	}
	if err := e.kv.ListTrimToTail(ctx, drawKey(code), int64(e.cfg.DrawHistoryLimit)); err != nil {
		log.Printf("[HandleDraw] room=%s: draw history trim degraded: %v", code, err)
	}
	_ = e.kv.Expire(ctx, drawKey(code), e.cfg.RoomHistoryTTL())
}

// HandleClear implements `clear` routing: drawer-only, truncates history.
func (e *Engine) HandleClear(ctx context.Context, code string, roomID int64, sender string) {
	if !e.isDrawerNow(e.runtime(code, roomID), sender) {
		return
	}
	e.broadcast(code, "clear", model.ClearData{User: sender}, "")
	if _, err := e.kv.Delete(ctx, drawKey(code)); err != nil {
		log.Printf("[HandleClear] room=%s: draw history clear degraded: %v", code, err)
	}
}

// History replays the chat and draw history for admission step 6 (spec
// §4.D): "send current game_state... replay chat + draw history once".
func (e *Engine) History(ctx context.Context, code string) model.HistoryData {
	var out model.HistoryData

	if raw, err := e.kv.ListRange(ctx, chatKey(code)); err == nil {
		out.Chat = make([]model.HistoryEntry, 0, len(raw))
		for _, b := range raw {
			var entry model.HistoryEntry
			if jErr := json.Unmarshal(b, &entry); jErr == nil {
				out.Chat = append(out.Chat, entry)
			}
		}
	} else {
		log.Printf("[History] room=%s: chat history unavailable: %v", code, err)
	}

	if raw, err := e.kv.ListRange(ctx, drawKey(code)); err == nil {
		out.Draw = make([]model.DrawHistoryEntry, 0, len(raw))
		for _, b := range raw {
			var entry model.DrawHistoryEntry
			if jErr := json.Unmarshal(b, &entry); jErr == nil {
				out.Draw = append(out.Draw, entry)
			}
		}
	} else {
		log.Printf("[History] room=%s: draw history unavailable: %v", code, err)
	}

	return out
}

func newEntryID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
