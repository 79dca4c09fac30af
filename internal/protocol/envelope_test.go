package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
)

func TestSealOpenRoundtrip(t *testing.T) {
	sender := NewOriginTag()
	target := uuid.New()

	payloads := []Payload{
		&MoveToken{TokenID: "goblin-1", X: 3.5, Y: -2},
		&StatChange{TargetID: target, Stat: "hp", Delta: -4},
		&DiceRoll{RollID: "abc-123", OwnerID: target, Kind: "D20", Result: 17},
		&ForceDice{Kind: "D6", Targets: []string{"Alice", "Bob"}},
		&RoundOpen{RoundID: "r1", WaitingFor: []string{"Alice"}},
		&Vote{Kind: VoteCast, VoterID: target, Approve: true},
		&LobbyJoin{Participant: models.Participant{ID: target, DisplayName: "Alice", Role: models.RolePlayer}},
	}

	for _, p := range payloads {
		env, err := Seal("session:test", sender, p)
		require.NoError(t, err, "seal %s", p.Action())
		assert.Equal(t, p.Action(), env.Type)
		assert.Equal(t, sender, env.Sender)

		decoded, err := Open(env)
		require.NoError(t, err, "open %s", p.Action())
		assert.Equal(t, p, decoded)
	}
}

func TestOpenUnknownAction(t *testing.T) {
	env := Envelope{
		RoomID:  "session:test",
		Sender:  NewOriginTag(),
		Type:    ActionType("TELEPORT"),
		Payload: json.RawMessage(`{}`),
	}
	_, err := Open(env)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestOpenMalformedPayload(t *testing.T) {
	env := Envelope{
		RoomID:  "session:test",
		Sender:  NewOriginTag(),
		Type:    ActionDiceRoll,
		Payload: json.RawMessage(`{"result": "not a number"}`),
	}
	_, err := Open(env)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownAction)
}

func TestOriginTagsAreUnique(t *testing.T) {
	seen := make(map[OriginTag]bool)
	for i := 0; i < 100; i++ {
		tag := NewOriginTag()
		assert.False(t, seen[tag], "duplicate origin tag %s", tag)
		seen[tag] = true
	}
}
