package protocol

import (
	"github.com/google/uuid"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
)

// Payload is the tagged union of every broadcast payload. New action kinds
// are added by implementing Action and registering in emptyPayload, so a
// missing case fails at decode time rather than silently mis-applying.
type Payload interface {
	Action() ActionType
}

// MoveToken repositions an existing scene token.
type MoveToken struct {
	TokenID string  `json:"tokenId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// SpawnToken places a new token on the board.
type SpawnToken struct {
	Token models.TokenPosition `json:"token"`
}

// ClearTokens removes every token from the board.
type ClearTokens struct{}

// StatChange applies a commutative delta to a participant stat.
// Deltas, never absolute values: concurrent changes from two clients must
// commute regardless of arrival order.
type StatChange struct {
	TargetID uuid.UUID `json:"targetId"`
	Stat     string    `json:"stat"`
	Delta    int       `json:"delta"`
}

// DiceRoll announces a roll resolved on the initiating client. Receivers
// only display Result; they never recompute it.
type DiceRoll struct {
	RollID  string    `json:"rollId"`
	OwnerID uuid.UUID `json:"ownerId"`
	Kind    string    `json:"kind"`
	Result  int       `json:"result"`
}

// ForceDice requires named participants (or all of them) to roll a kind.
type ForceDice struct {
	Kind    string   `json:"kind"`
	Targets []string `json:"targets"` // display names; empty means ALL
}

// EnvFX triggers a scene-wide environment effect.
type EnvFX struct {
	Effect string `json:"effect"`
}

// AudioFX triggers a sound effect.
type AudioFX struct {
	Clip string `json:"clip"`
}

// Chat carries a party-channel chat event.
type Chat struct {
	Event models.ChatEvent `json:"event"`
}

// Narration carries one complete narrator chat event. It is broadcast
// once, after the authoring client finishes its local typing reveal.
type Narration struct {
	Event models.ChatEvent `json:"event"`
}

// TurnAction submits one participant action for the open round.
type TurnAction struct {
	Participant string `json:"participant"`
	Text        string `json:"text"`
}

// RoundOpen resets the turn state for a new round. Triggered on a new
// scene, not every message; party-channel chatter does not consume a turn.
type RoundOpen struct {
	RoundID    string   `json:"roundId"`
	WaitingFor []string `json:"waitingFor"`
}

// VoteKind discriminates the vote sub-events.
type VoteKind string

const (
	VoteStart  VoteKind = "start"
	VoteCast   VoteKind = "cast"
	VoteCancel VoteKind = "cancel"
)

// Vote carries pause/exit-vote traffic.
type Vote struct {
	Kind    VoteKind  `json:"kind"`
	VoterID uuid.UUID `json:"voterId"`
	Approve bool      `json:"approve,omitempty"`
}

// CursorMove shares a participant's pointer position.
type CursorMove struct {
	ParticipantID uuid.UUID `json:"participantId"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
}

// LobbyJoin announces a participant entering the pre-game lobby.
type LobbyJoin struct {
	Participant models.Participant `json:"participant"`
}

// LobbyLeave announces a participant leaving the lobby.
type LobbyLeave struct {
	ParticipantID uuid.UUID `json:"participantId"`
}

// LobbyReady toggles a participant's ready flag. Readiness is mutable
// only by its owner but observed by all.
type LobbyReady struct {
	ParticipantID uuid.UUID `json:"participantId"`
	Ready         bool      `json:"ready"`
}

// LobbyChat carries lobby chatter.
type LobbyChat struct {
	Event models.ChatEvent `json:"event"`
}

// LobbyStart is the host's signal that the session begins.
type LobbyStart struct {
	SessionID uuid.UUID `json:"sessionId"`
}

func (MoveToken) Action() ActionType   { return ActionMoveToken }
func (SpawnToken) Action() ActionType  { return ActionSpawnToken }
func (ClearTokens) Action() ActionType { return ActionClearTokens }
func (StatChange) Action() ActionType  { return ActionStatChange }
func (DiceRoll) Action() ActionType    { return ActionDiceRoll }
func (ForceDice) Action() ActionType   { return ActionForceDice }
func (EnvFX) Action() ActionType       { return ActionEnvFX }
func (AudioFX) Action() ActionType     { return ActionAudioFX }
func (Chat) Action() ActionType        { return ActionChat }
func (Narration) Action() ActionType   { return ActionNarration }
func (TurnAction) Action() ActionType  { return ActionTurnAction }
func (RoundOpen) Action() ActionType   { return ActionRoundOpen }
func (Vote) Action() ActionType        { return ActionVote }
func (CursorMove) Action() ActionType  { return ActionCursorMove }
func (LobbyJoin) Action() ActionType   { return ActionLobbyJoin }
func (LobbyLeave) Action() ActionType  { return ActionLobbyLeave }
func (LobbyReady) Action() ActionType  { return ActionLobbyReady }
func (LobbyChat) Action() ActionType   { return ActionLobbyChat }
func (LobbyStart) Action() ActionType  { return ActionLobbyStart }

// emptyPayload returns a zero-value payload pointer for the action type.
func emptyPayload(t ActionType) (Payload, error) {
	switch t {
	case ActionMoveToken:
		return &MoveToken{}, nil
	case ActionSpawnToken:
		return &SpawnToken{}, nil
	case ActionClearTokens:
		return &ClearTokens{}, nil
	case ActionStatChange:
		return &StatChange{}, nil
	case ActionDiceRoll:
		return &DiceRoll{}, nil
	case ActionForceDice:
		return &ForceDice{}, nil
	case ActionEnvFX:
		return &EnvFX{}, nil
	case ActionAudioFX:
		return &AudioFX{}, nil
	case ActionChat:
		return &Chat{}, nil
	case ActionNarration:
		return &Narration{}, nil
	case ActionTurnAction:
		return &TurnAction{}, nil
	case ActionRoundOpen:
		return &RoundOpen{}, nil
	case ActionVote:
		return &Vote{}, nil
	case ActionCursorMove:
		return &CursorMove{}, nil
	case ActionLobbyJoin:
		return &LobbyJoin{}, nil
	case ActionLobbyLeave:
		return &LobbyLeave{}, nil
	case ActionLobbyReady:
		return &LobbyReady{}, nil
	case ActionLobbyChat:
		return &LobbyChat{}, nil
	case ActionLobbyStart:
		return &LobbyStart{}, nil
	default:
		return nil, ErrUnknownAction
	}
}
