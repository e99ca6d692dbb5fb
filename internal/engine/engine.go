// Package engine is the Room Engine: the Room State Store (spec §4.E), the
// Round Orchestrator (§4.F), the Chat & Guess Pipeline (§4.G), and
// Moderation (§4.H). It owns the two-level locking discipline of §5 and is
// the only thing that writes game_state, chat, draw, timer_owner, and
// connections:* keys.
//
// Grounded on the reference repo's internal/game package: the per-room
// lock-snapshot-broadcast shape of game-flow.go/timer.go/guess.go is kept,
// but the state machine, scoring, and timer-ownership semantics are
// replaced to match the room engine this module implements.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/config"
	"github.com/scythe504/doodleroom/internal/kv"
	"github.com/scythe504/doodleroom/internal/model"
)

// Gateway is the subset of the Persistence Gateway (internal/store.Gateway)
// that the engine depends on, declared here at the point of use (spec §9:
// "model as explicit dependencies passed into the engine at construction").
// *store.Gateway satisfies this; tests can supply a fake instead of a real
// Postgres connection.
type Gateway interface {
	ListActiveMemberIds(ctx context.Context, code string) ([]string, error)
	ListActiveMembers(ctx context.Context, roomID int64) ([]model.PublicUser, error)
	MarkMemberInactive(ctx context.Context, roomID int64, userID string) error
	SyncEmptySince(ctx context.Context, roomID int64) (bool, error)
}

// Engine wires the KV Adapter, Broadcast Fabric, and Persistence Gateway
// into one dependency passed explicitly at construction (spec §9: "model
// as explicit dependencies passed into the engine at construction. Do not
// use process-wide singletons other than at the composition root").
type Engine struct {
	kv    *kv.Adapter
	fab   *bus.Fabric
	store Gateway
	cfg   *config.Config

	// channel identifies this process as an owner candidate for
	// distributed locks and timer ownership.
	channel string

	// lobbyNotifier is called whenever room membership or visibility
	// changes in a way the Lobby Notifier (spec §4.I) should rebroadcast.
	// Set once at composition time; nil is a valid no-op.
	lobbyNotifier func()

	mu    sync.Mutex
	rooms map[string]*roomRuntime
}

// SetLobbyNotifier wires the Lobby Notifier's rebroadcast hook. Called once
// from the composition root after both the engine and the lobby package
// exist (spec §4.I: presence/membership/visibility changes trigger a
// snapshot rebroadcast to the rooms_lobby group).
func (e *Engine) SetLobbyNotifier(fn func()) {
	e.lobbyNotifier = fn
}

// LobbyNotify triggers the lobby rebroadcast hook, exported so the
// Connection Manager can request one after admission, leave, and socket
// close (spec §4.I). Kicks call the hook from kickUser directly.
func (e *Engine) LobbyNotify() {
	if e.lobbyNotifier != nil {
		e.lobbyNotifier()
	}
}

// New builds an Engine. kv or gateway may be nil in tests that only
// exercise the transient/local-state code paths.
func New(kvAdapter *kv.Adapter, fab *bus.Fabric, gateway Gateway, cfg *config.Config) *Engine {
	return &Engine{
		kv:      kvAdapter,
		fab:     fab,
		store:   gateway,
		cfg:     cfg,
		channel: uuid.NewString(),
		rooms:   make(map[string]*roomRuntime),
	}
}

// roomRuntime is the transient, per-process state for one room code (spec
// §3 "Transient per-process state (not in KV)"). mu is the per-code
// in-process mutex that is always acquired before any distributed lock
// (spec §5).
type roomRuntime struct {
	mu sync.Mutex

	code   string
	roomID int64
	state  *model.GameState // hot cache, refreshed from KV at each transaction

	connections map[string]map[string]bus.Member // userID -> connID -> member

	chatHistory   map[string][]time.Time
	chatPenalties map[string]int
	chatCooldowns map[string]time.Time

	disconnectCancel  map[string]context.CancelFunc
	kickTimeoutCancel map[string]context.CancelFunc

	timerCancel context.CancelFunc // cancels the locally-owned round timer loop
}

func newRoomRuntime(code string, roomID int64) *roomRuntime {
	return &roomRuntime{
		code:              code,
		roomID:            roomID,
		connections:       make(map[string]map[string]bus.Member),
		chatHistory:       make(map[string][]time.Time),
		chatPenalties:     make(map[string]int),
		chatCooldowns:     make(map[string]time.Time),
		disconnectCancel:  make(map[string]context.CancelFunc),
		kickTimeoutCancel: make(map[string]context.CancelFunc),
	}
}

func (e *Engine) runtime(code string, roomID int64) *roomRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt := e.rooms[code]
	if rt == nil {
		rt = newRoomRuntime(code, roomID)
		e.rooms[code] = rt
	}
	return rt
}

// dropRuntime forgets everything about a room once it is confirmed empty;
// a fresh roomRuntime is created on next admission.
func (e *Engine) dropRuntime(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, code)
}

func stateKey(code string) string      { return fmt.Sprintf("room:%s:game_state", code) }
func chatKey(code string) string       { return fmt.Sprintf("room:%s:chat", code) }
func drawKey(code string) string       { return fmt.Sprintf("room:%s:draw", code) }
func lockKey(code string) string       { return fmt.Sprintf("room:%s:lock", code) }
func timerOwnerKey(code string) string { return fmt.Sprintf("room:%s:timer_owner", code) }
func connKey(code, userID string) string {
	return fmt.Sprintf("room:%s:connections:%s", code, userID)
}

// txn is the callback signature for a locked GameState transaction. It
// mutates gs in place and returns an error to abort the write-back (the
// in-memory mutation is still rolled forward in the cache on error, which
// matches the reference repo's own "best effort, never block on an
// unexpected nil" posture for in-process state).
type txn func(rt *roomRuntime, gs *model.GameState) error

// withLock implements spec §4.E/§5's two-level critical section: acquire
// the per-code in-process mutex, then the distributed lock; fetch and
// merge KV state; run fn; write state back; release the distributed lock
// first, then the local mutex.
func (e *Engine) withLock(ctx context.Context, code string, roomID int64, fn txn) error {
	rt := e.runtime(code, roomID)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	handle, err := e.kv.Lock(ctx, lockKey(code), e.channel, e.cfg.LockTimeout(), e.cfg.LockWait())
	if err != nil {
		log.Printf("[engine] room=%s: distributed lock unavailable: %v", code, err)
		return fmt.Errorf("%w", kv.ErrLockUnavailable)
	}

	gs, err := e.loadState(ctx, rt)
	if err != nil {
		_ = e.kv.Unlock(ctx, handle)
		return err
	}

	txErr := fn(rt, gs)

	if txErr == nil {
		if data, mErr := gs.MarshalJSON(); mErr == nil {
			if err := e.kv.Set(ctx, stateKey(code), data, e.cfg.RoomStateTTL()); err != nil {
				log.Printf("[engine] room=%s: state write-back degraded: %v", code, err)
			}
		} else {
			log.Printf("[engine] room=%s: state marshal failed: %v", code, mErr)
		}
	}
	rt.state = gs

	if err := e.kv.Unlock(ctx, handle); err != nil {
		log.Printf("[engine] room=%s: distributed unlock failed: %v", code, err)
	}

	return txErr
}

// loadState fetches the serialized state from KV and merges it into the
// in-process cache (spec §4.E step (a)/(b)). On KV outage it falls back to
// the cache, or a fresh waiting state if there is none yet.
func (e *Engine) loadState(ctx context.Context, rt *roomRuntime) (*model.GameState, error) {
	data, found, err := e.kv.Get(ctx, stateKey(rt.code))
	if err != nil {
		if rt.state != nil {
			log.Printf("[engine] room=%s: kv unavailable, using cached state", rt.code)
			return rt.state, nil
		}
		log.Printf("[engine] room=%s: kv unavailable and no cache, starting fresh", rt.code)
		return model.NewGameState(rt.code, e.cfg.RoundSeconds, e.cfg.MaxRounds), nil
	}
	if !found {
		if rt.state != nil {
			return rt.state, nil
		}
		return model.NewGameState(rt.code, e.cfg.RoundSeconds, e.cfg.MaxRounds), nil
	}

	gs := &model.GameState{}
	if err := gs.UnmarshalJSON(data); err != nil {
		log.Printf("[engine] room=%s: state unmarshal failed, falling back to cache: %v", rt.code, err)
		if rt.state != nil {
			return rt.state, nil
		}
		return model.NewGameState(rt.code, e.cfg.RoundSeconds, e.cfg.MaxRounds), nil
	}
	return gs, nil
}

// ActiveMemberIDs is the DB-backed source of truth for room membership
// (spec §4.C), used by round start, pause, and kick-vote quorum math.
func (e *Engine) ActiveMemberIDs(ctx context.Context, code string) ([]string, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListActiveMemberIds(ctx, code)
}

func groupName(code string) string { return "room:" + code }

func (e *Engine) broadcast(code string, envelopeType string, data any, exclude string) {
	if e.fab == nil {
		return
	}
	e.fab.GroupSend(groupName(code), model.Envelope[any]{Type: envelopeType, Data: data}, exclude)
}
