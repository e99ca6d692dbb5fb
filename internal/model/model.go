// Package model holds the data shapes shared by every component of the
// room engine: the persistent Room/RoomMember rows, the ephemeral GameState
// a room carries while it runs, and the wire envelopes exchanged with
// clients.
package model

import "time"

// Status is the room's place in the waiting/running/finished state machine
// (spec §4.F).
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Environment-tunable knobs, all with the defaults spec.md §6 documents.
const (
	DefaultRoundSeconds            = 120
	DefaultMaxRounds               = 10
	DefaultMaxPlayers              = 8
	DefaultChatWindowSeconds       = 4
	DefaultChatMaxBurst            = 3
	DefaultMaxChatCooldown         = 12
	DefaultDisconnectGraceSeconds  = 60
	DefaultRoundBreakSeconds       = 5
	DefaultKickVoteSeconds         = 20
	DefaultChatHistoryLimit        = 500
	DefaultDrawHistoryLimit        = 2000
	DefaultRoomHistoryTTLSeconds   = 604800
	DefaultRoomStateTTLSeconds     = 86400
	DefaultTimerOwnerGraceSeconds  = 15
	DefaultRedisLockTimeoutSeconds = 10
	DefaultRedisLockWaitSeconds    = 5
)

// Room is the persistent row a room occupies in the relational store,
// grounded on original_source/backend/realtime/models.py's Room model.
type Room struct {
	ID           int64
	Code         string // 6-char uppercase alnum, unique
	OwnerID      string
	CreatedAt    time.Time
	IsActive     bool
	IsPrivate    bool
	PasswordHash string
	EmptySince   *time.Time
}

// RoomMember is the persistent membership row, grounded on the same source
// file's RoomMember model. Identity is the (room, user) pair.
type RoomMember struct {
	RoomID   int64
	UserID   string
	JoinedAt time.Time
	IsActive bool
}

// PublicUser is what the Persistence Gateway exposes about a user to the
// engine; nothing about auth or profile internals leaks past it (§4.C).
type PublicUser struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// GameState is the ephemeral per-room game state serialized to KV under
// room:{code}:game_state (spec §3). Field names and JSON tags are picked to
// match the KV key layout bit-for-bit across server instances.
type GameState struct {
	Code            string         `json:"code"`
	Status          Status         `json:"status"`
	RoundIndex      int            `json:"round_index"`
	RoundSeconds    int            `json:"round_seconds"`
	MaxRounds       int            `json:"max_rounds"`
	DrawerID        string         `json:"drawer_id,omitempty"`
	LastDrawerID    string         `json:"last_drawer_id,omitempty"`
	Word            string         `json:"word,omitempty"`
	Scores          map[string]int `json:"scores"`
	Guessed         map[string]bool `json:"-"` // serialized as a sorted array, see Marshal/Unmarshal
	RevealedIndices map[int]bool    `json:"-"` // serialized as a sorted array of ints
	StartedAt       time.Time       `json:"started_at"`
	KickVotes       map[string]map[string]bool `json:"-"` // target -> set of voter ids
	KickResponses   map[string]map[string]bool `json:"-"` // target -> set of voters who cast any ballot
}

// NewGameState returns a fresh, empty waiting-state for a room code.
func NewGameState(code string, roundSeconds, maxRounds int) *GameState {
	return &GameState{
		Code:            code,
		Status:          StatusWaiting,
		RoundSeconds:    roundSeconds,
		MaxRounds:       maxRounds,
		Scores:          make(map[string]int),
		Guessed:         make(map[string]bool),
		RevealedIndices: make(map[int]bool),
		KickVotes:       make(map[string]map[string]bool),
		KickResponses:   make(map[string]map[string]bool),
	}
}

// Clone returns a deep copy so callers can read a snapshot outside the lock
// without racing the next mutation.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	c := *g
	c.Scores = make(map[string]int, len(g.Scores))
	for k, v := range g.Scores {
		c.Scores[k] = v
	}
	c.Guessed = make(map[string]bool, len(g.Guessed))
	for k, v := range g.Guessed {
		c.Guessed[k] = v
	}
	c.RevealedIndices = make(map[int]bool, len(g.RevealedIndices))
	for k, v := range g.RevealedIndices {
		c.RevealedIndices[k] = v
	}
	c.KickVotes = cloneVoteSet(g.KickVotes)
	c.KickResponses = cloneVoteSet(g.KickResponses)
	return &c
}

func cloneVoteSet(in map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(in))
	for target, voters := range in {
		v := make(map[string]bool, len(voters))
		for id, ok := range voters {
			v[id] = ok
		}
		out[target] = v
	}
	return out
}
