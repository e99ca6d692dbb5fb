package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// gameStateWire is the on-the-wire shape of GameState: sets become sorted
// arrays and the revealed-indices set (keyed by int) becomes a sorted array
// of ints, per spec §4.E's serialization rule ("sets serialize as sorted
// arrays of integers; mappings keyed by int serialize with stringified
// keys, the implementation must re-parse to integers on load").
type gameStateWire struct {
	Code            string            `json:"code"`
	Status          Status            `json:"status"`
	RoundIndex      int               `json:"round_index"`
	RoundSeconds    int               `json:"round_seconds"`
	MaxRounds       int               `json:"max_rounds"`
	DrawerID        string            `json:"drawer_id,omitempty"`
	LastDrawerID    string            `json:"last_drawer_id,omitempty"`
	Word            string            `json:"word,omitempty"`
	Scores          map[string]int    `json:"scores"`
	Guessed         []string          `json:"guessed"`
	RevealedIndices []int             `json:"revealed_indices"`
	StartedAtUnix   int64             `json:"started_at"`
	KickVotes       map[string][]string `json:"kick_votes"`
	KickResponses   map[string][]string `json:"kick_responses"`
}

// MarshalJSON implements the bit-exact KV wire format.
func (g *GameState) MarshalJSON() ([]byte, error) {
	w := gameStateWire{
		Code:          g.Code,
		Status:        g.Status,
		RoundIndex:    g.RoundIndex,
		RoundSeconds:  g.RoundSeconds,
		MaxRounds:     g.MaxRounds,
		DrawerID:      g.DrawerID,
		LastDrawerID:  g.LastDrawerID,
		Word:          g.Word,
		Scores:        g.Scores,
		StartedAtUnix: g.StartedAt.Unix(),
	}
	if w.Scores == nil {
		w.Scores = map[string]int{}
	}
	for id := range g.Guessed {
		w.Guessed = append(w.Guessed, id)
	}
	sort.Strings(w.Guessed)

	for idx := range g.RevealedIndices {
		w.RevealedIndices = append(w.RevealedIndices, idx)
	}
	sort.Ints(w.RevealedIndices)

	w.KickVotes = flattenVoteSet(g.KickVotes)
	w.KickResponses = flattenVoteSet(g.KickResponses)

	return json.Marshal(w)
}

// UnmarshalJSON re-parses sorted arrays back into sets.
func (g *GameState) UnmarshalJSON(data []byte) error {
	var w gameStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal game state: %w", err)
	}

	g.Code = w.Code
	g.Status = w.Status
	g.RoundIndex = w.RoundIndex
	g.RoundSeconds = w.RoundSeconds
	g.MaxRounds = w.MaxRounds
	g.DrawerID = w.DrawerID
	g.LastDrawerID = w.LastDrawerID
	g.Word = w.Word
	g.Scores = w.Scores
	if g.Scores == nil {
		g.Scores = make(map[string]int)
	}

	g.Guessed = make(map[string]bool, len(w.Guessed))
	for _, id := range w.Guessed {
		g.Guessed[id] = true
	}

	g.RevealedIndices = make(map[int]bool, len(w.RevealedIndices))
	for _, idx := range w.RevealedIndices {
		g.RevealedIndices[idx] = true
	}

	g.KickVotes = unflattenVoteSet(w.KickVotes)
	g.KickResponses = unflattenVoteSet(w.KickResponses)

	g.StartedAt = unixOrZero(w.StartedAtUnix)
	return nil
}

func flattenVoteSet(in map[string]map[string]bool) map[string][]string {
	out := make(map[string][]string, len(in))
	for target, voters := range in {
		ids := make([]string, 0, len(voters))
		for id := range voters {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[target] = ids
	}
	return out
}

func unflattenVoteSet(in map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(in))
	for target, ids := range in {
		voters := make(map[string]bool, len(ids))
		for _, id := range ids {
			voters[id] = true
		}
		out[target] = voters
	}
	return out
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
