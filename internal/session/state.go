// Package session holds the per-client session state machine: the
// authoritative local view of a running game, mutated only by synchronous
// reducers and reconciled across clients through broadcast envelopes.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
)

// TurnPhase tracks one round's action-collection progress.
type TurnPhase string

const (
	// PhaseIdle means no round is open.
	PhaseIdle TurnPhase = "idle"

	// PhaseAwaitingPlayers means the round is open and actions are owed.
	PhaseAwaitingPlayers TurnPhase = "awaiting-players"

	// PhaseAllCollected means every owed action arrived.
	PhaseAllCollected TurnPhase = "all-collected"

	// PhaseNarrating means a narration call is in flight for this round.
	PhaseNarrating TurnPhase = "narrating"
)

// CollectedAction is one participant's submitted action for the round.
type CollectedAction struct {
	Participant string `json:"participant"`
	Text        string `json:"text"`
}

// TurnState aggregates per-player actions for the open round. WaitingFor
// never contains duplicate names and never contains the GM.
type TurnState struct {
	RoundID    string            `json:"roundId"`
	WaitingFor []string          `json:"waitingFor"`
	Collected  []CollectedAction `json:"collected"`
	Phase      TurnPhase         `json:"phase"`
}

// VotePhase tracks the pause/exit-vote machine.
type VotePhase string

const (
	VoteIdle VotePhase = "idle"
	VoteOpen VotePhase = "open"
)

// VoteOutcome records how the last vote resolved.
type VoteOutcome string

const (
	VoteNone      VoteOutcome = ""
	VotePassed    VoteOutcome = "passed"
	VoteFailed    VoteOutcome = "failed"
	VoteCancelled VoteOutcome = "cancelled"
)

// VoteState holds one exit vote round. Quorum is floor(participants/2)+1.
type VoteState struct {
	Phase       VotePhase          `json:"phase"`
	InitiatorID uuid.UUID          `json:"initiatorId"`
	Votes       map[uuid.UUID]bool `json:"votes"`
	LastOutcome VoteOutcome        `json:"lastOutcome"`
}

// Cursor is a participant's shared pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is the single mutable state object for one client's view of a
// session. It is owned by its Machine and must only be mutated through
// reducers; no other client can touch it.
type State struct {
	Session      models.Session
	Participants map[uuid.UUID]*models.Participant

	// Stats are commutative deltas accumulated per participant.
	Stats map[uuid.UUID]map[string]int

	Tokens  map[string]models.TokenPosition
	Chat    []models.ChatEvent
	Cursors map[uuid.UUID]Cursor

	// Rolls is the active roll set, keyed by roll ID.
	Rolls map[string]*dice.Roll

	// RequiredRolls gates turn submission: display name -> owed kind.
	RequiredRolls map[string]dice.Kind

	Turn TurnState
	Vote VoteState

	// Last scene effects, for late renders.
	ActiveEnvFX   string
	ActiveAudioFX string
}

func newState(sess models.Session) *State {
	return &State{
		Session:       sess,
		Participants:  make(map[uuid.UUID]*models.Participant),
		Stats:         make(map[uuid.UUID]map[string]int),
		Tokens:        make(map[string]models.TokenPosition),
		Cursors:       make(map[uuid.UUID]Cursor),
		Rolls:         make(map[string]*dice.Roll),
		RequiredRolls: make(map[string]dice.Kind),
		Turn:          TurnState{Phase: PhaseIdle},
		Vote:          VoteState{Phase: VoteIdle, Votes: make(map[uuid.UUID]bool)},
	}
}

// Snapshot is an observer-independent copy of the state used to bootstrap
// late joiners and to feed the local UI without exposing the live maps.
type Snapshot struct {
	Session      models.Session            `json:"session"`
	Participants []models.Participant      `json:"participants"`
	OpenSlots    int                       `json:"openSlots"`
	Tokens       []models.TokenPosition    `json:"tokens"`
	Chat         []models.ChatEvent        `json:"chat"`
	Rolls        []dice.Roll               `json:"rolls"`
	Turn         TurnState                 `json:"turn"`
	Vote         VoteState                 `json:"vote"`
	Stats        map[string]map[string]int `json:"stats"`
	TakenAt      time.Time                 `json:"takenAt"`
}
