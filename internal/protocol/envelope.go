// Package protocol defines the wire shape for every cross-client broadcast
// and the single de-duplication rule applied to incoming envelopes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// OriginTag identifies the publishing process for self-echo suppression.
// It is generated once per node lifetime, never persisted, and carries no
// trust semantics.
type OriginTag string

// NewOriginTag generates a fresh origin tag for this process.
func NewOriginTag() OriginTag {
	return OriginTag(uuid.NewString())
}

// ActionType tags an envelope payload so receivers can decode it.
type ActionType string

// Gameplay action types carried on the per-session channel.
const (
	ActionMoveToken   ActionType = "MOVE_TOKEN"
	ActionSpawnToken  ActionType = "SPAWN_TOKEN"
	ActionClearTokens ActionType = "CLEAR_TOKENS"
	ActionStatChange  ActionType = "STAT_CHANGE"
	ActionDiceRoll    ActionType = "DICE_ROLL"
	ActionForceDice   ActionType = "FORCE_DICE"
	ActionEnvFX       ActionType = "ENV_FX"
	ActionAudioFX     ActionType = "AUDIO_FX"
	ActionChat        ActionType = "CHAT"
	ActionNarration   ActionType = "NARRATION"
	ActionTurnAction  ActionType = "TURN_ACTION"
	ActionRoundOpen   ActionType = "ROUND_OPEN"
	ActionVote        ActionType = "VOTE"
	ActionCursorMove  ActionType = "CURSOR_MOVE"
)

// Lobby action types carried on the per-lobby channel.
const (
	ActionLobbyJoin  ActionType = "LOBBY_JOIN"
	ActionLobbyLeave ActionType = "LOBBY_LEAVE"
	ActionLobbyReady ActionType = "LOBBY_READY"
	ActionLobbyChat  ActionType = "LOBBY_CHAT"
	ActionLobbyStart ActionType = "LOBBY_START"
)

// ErrUnknownAction indicates an envelope carried an action type this node
// does not understand. Receivers ignore such envelopes for forward
// compatibility.
var ErrUnknownAction = errors.New("unknown action type")

// Envelope is the wire message broadcast to all subscribers of a channel.
type Envelope struct {
	RoomID  string          `json:"roomId"`
	Sender  OriginTag       `json:"senderId"`
	Type    ActionType      `json:"actionType"`
	Payload json.RawMessage `json:"payload"`
}

// Seal wraps a payload into an envelope ready for publishing.
func Seal(roomID string, sender OriginTag, p Payload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", p.Action(), err)
	}
	return Envelope{
		RoomID:  roomID,
		Sender:  sender,
		Type:    p.Action(),
		Payload: raw,
	}, nil
}

// Open decodes the payload of an envelope into its concrete type.
// Unknown action types return ErrUnknownAction.
func Open(env Envelope) (Payload, error) {
	p, err := emptyPayload(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return p, nil
}
