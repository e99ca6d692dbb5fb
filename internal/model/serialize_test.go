package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameStateMarshalUnmarshalRoundtrip(t *testing.T) {
	gs := NewGameState("ABCD", 120, 10)
	gs.Status = StatusRunning
	gs.RoundIndex = 2
	gs.DrawerID = "u1"
	gs.LastDrawerID = "u0"
	gs.Word = "tree house"
	gs.Scores["u1"] = 40
	gs.Scores["u2"] = 20
	gs.Guessed["u2"] = true
	gs.RevealedIndices[0] = true
	gs.RevealedIndices[5] = true
	gs.KickVotes["u3"] = map[string]bool{"u1": true, "u2": true}
	gs.KickResponses["u3"] = map[string]bool{"u1": true}
	gs.StartedAt = time.Unix(1700000000, 0).UTC()

	data, err := gs.MarshalJSON()
	require.NoError(t, err)

	var out GameState
	require.NoError(t, out.UnmarshalJSON(data))

	assert.Equal(t, gs.Code, out.Code)
	assert.Equal(t, gs.Status, out.Status)
	assert.Equal(t, gs.RoundIndex, out.RoundIndex)
	assert.Equal(t, gs.DrawerID, out.DrawerID)
	assert.Equal(t, gs.LastDrawerID, out.LastDrawerID)
	assert.Equal(t, gs.Word, out.Word)
	assert.Equal(t, gs.Scores, out.Scores)
	assert.Equal(t, gs.Guessed, out.Guessed)
	assert.Equal(t, gs.RevealedIndices, out.RevealedIndices)
	assert.Equal(t, gs.KickVotes, out.KickVotes)
	assert.Equal(t, gs.KickResponses, out.KickResponses)
	assert.True(t, gs.StartedAt.Equal(out.StartedAt))
}

func TestGameStateMarshalSortsSets(t *testing.T) {
	gs := NewGameState("ABCD", 120, 10)
	gs.Guessed["zzz"] = true
	gs.Guessed["aaa"] = true
	gs.RevealedIndices[5] = true
	gs.RevealedIndices[1] = true

	data, err := gs.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"guessed":["aaa","zzz"]`)
	assert.Contains(t, string(data), `"revealed_indices":[1,5]`)
}

func TestGameStateCloneIsDeep(t *testing.T) {
	gs := NewGameState("ABCD", 120, 10)
	gs.Scores["u1"] = 10
	gs.Guessed["u1"] = true
	gs.KickVotes["u2"] = map[string]bool{"u1": true}

	clone := gs.Clone()
	clone.Scores["u1"] = 999
	clone.Guessed["u2"] = true
	clone.KickVotes["u2"]["u3"] = true

	assert.Equal(t, 10, gs.Scores["u1"])
	assert.False(t, gs.Guessed["u2"])
	assert.False(t, gs.KickVotes["u2"]["u3"])
}
