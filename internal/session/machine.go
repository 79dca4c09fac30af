package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// Machine owns one client's State and applies every mutation to it.
// Reducers are synchronous and run to completion under the lock, so
// within one client there is no data race on the session state. A reducer
// that hits an inconsistent precondition logs and no-ops; it never
// throws and never corrupts unrelated state. There is no rollback:
// corrections are issued as new forward mutations.
type Machine struct {
	Mu    sync.Mutex
	state *State
	log   *logrus.Logger

	// OnRoundComplete fires when WaitingFor empties, exactly once per
	// round. Called with the lock held; implementations must hand off to
	// a goroutine before doing I/O.
	OnRoundComplete func(roundID string, collected []CollectedAction)

	// OnSessionSaved fires when a quorum exit vote passes.
	OnSessionSaved func()

	// OnVoteResolved fires whenever an open vote reaches an outcome.
	OnVoteResolved func(outcome VoteOutcome)
}

// NewMachine creates a state machine for the session.
func NewMachine(sess models.Session, log *logrus.Logger) *Machine {
	if log == nil {
		log = logrus.New()
	}
	return &Machine{state: newState(sess), log: log}
}

// Apply routes a decoded payload to its reducer. Payloads travel as
// pointers (the decoded form of protocol.Open); unknown payloads are
// ignored for forward compatibility.
func (m *Machine) Apply(p protocol.Payload) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	switch v := p.(type) {
	case *protocol.MoveToken:
		m.applyMoveToken(v)
	case *protocol.SpawnToken:
		m.state.Tokens[v.Token.TokenID] = v.Token
	case *protocol.ClearTokens:
		m.state.Tokens = make(map[string]models.TokenPosition)
	case *protocol.StatChange:
		m.applyStatChange(v)
	case *protocol.DiceRoll:
		m.applyDiceRoll(v)
	case *protocol.ForceDice:
		m.applyForceDice(v)
	case *protocol.EnvFX:
		m.state.ActiveEnvFX = v.Effect
	case *protocol.AudioFX:
		m.state.ActiveAudioFX = v.Clip
	case *protocol.Chat:
		m.appendChat(v.Event)
	case *protocol.Narration:
		m.appendChat(v.Event)
	case *protocol.TurnAction:
		m.applyTurnAction(v)
	case *protocol.RoundOpen:
		m.applyRoundOpen(v)
	case *protocol.Vote:
		m.applyVote(v)
	case *protocol.CursorMove:
		m.state.Cursors[v.ParticipantID] = Cursor{X: v.X, Y: v.Y}
	default:
		m.log.WithField("action", p.Action()).Debug("ignoring unhandled payload")
	}
}

// applyMoveToken repositions a known token.
// Assumes lock is held by caller.
func (m *Machine) applyMoveToken(p *protocol.MoveToken) {
	tok, ok := m.state.Tokens[p.TokenID]
	if !ok {
		m.log.WithField("token", p.TokenID).Debug("move for unknown token, skipping")
		return
	}
	tok.X, tok.Y = p.X, p.Y
	m.state.Tokens[p.TokenID] = tok
}

// applyStatChange accumulates a commutative delta for a known participant.
// Assumes lock is held by caller.
func (m *Machine) applyStatChange(p *protocol.StatChange) {
	if _, ok := m.state.Participants[p.TargetID]; !ok {
		m.log.WithField("target", p.TargetID).Debug("stat change for unknown participant, skipping")
		return
	}
	stats, ok := m.state.Stats[p.TargetID]
	if !ok {
		stats = make(map[string]int)
		m.state.Stats[p.TargetID] = stats
	}
	stats[p.Stat] += p.Delta
}

// applyDiceRoll adds a roll in its rolling state with the committed
// result. The result came from the initiating client and is never
// recomputed here; a duplicate roll ID is a no-op.
// Assumes lock is held by caller.
func (m *Machine) applyDiceRoll(p *protocol.DiceRoll) {
	if _, exists := m.state.Rolls[p.RollID]; exists {
		return
	}
	kind, err := dice.ParseKind(p.Kind)
	if err != nil {
		m.log.WithField("kind", p.Kind).Debug("roll with unknown dice kind, skipping")
		return
	}
	m.state.Rolls[p.RollID] = &dice.Roll{
		ID:      p.RollID,
		OwnerID: p.OwnerID,
		Kind:    kind,
		Result:  p.Result,
		Rolling: true,
	}
}

// SettleRoll marks a roll as landed and clears the owner's required-roll
// gate when the kind matches. It returns the owner's display name,
// whether the gate was cleared, and whether the roll existed. A roll of
// the wrong kind settles normally but leaves the gate in place.
func (m *Machine) SettleRoll(rollID string) (string, bool, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	roll, ok := m.state.Rolls[rollID]
	if !ok {
		m.log.WithField("roll", rollID).Debug("settle for unknown roll, skipping")
		return "", false, false
	}
	roll.Rolling = false

	name := ""
	cleared := false
	if owner, ok := m.state.Participants[roll.OwnerID]; ok {
		name = owner.DisplayName
		if required, gated := m.state.RequiredRolls[name]; gated && required == roll.Kind {
			delete(m.state.RequiredRolls, name)
			cleared = true
		}
	}
	return name, cleared, true
}

// RemoveRoll drops a settled roll from the active set after its grace
// period.
func (m *Machine) RemoveRoll(rollID string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.state.Rolls, rollID)
}

// applyForceDice sets required-roll gates for the targets, or for every
// non-GM participant when the target list is empty (ALL).
// Assumes lock is held by caller.
func (m *Machine) applyForceDice(p *protocol.ForceDice) {
	kind, err := dice.ParseKind(p.Kind)
	if err != nil {
		m.log.WithField("kind", p.Kind).Debug("forced roll with unknown dice kind, skipping")
		return
	}
	targets := p.Targets
	if len(targets) == 0 {
		for _, pt := range m.state.Participants {
			if pt.Role != RoleOfGM(m.state.Session) && pt.Role != models.RoleSpectator {
				targets = append(targets, pt.DisplayName)
			}
		}
	}
	for _, name := range targets {
		m.state.RequiredRolls[name] = kind
	}
}

// ClearRequiredRolls unsticks the UI when an arena hard-closes without
// every targeted participant rolling.
func (m *Machine) ClearRequiredRolls() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.state.RequiredRolls = make(map[string]dice.Kind)
}

// appendChat appends a chat event unless its ID was already applied.
// Assumes lock is held by caller.
func (m *Machine) appendChat(ev models.ChatEvent) {
	for i := len(m.state.Chat) - 1; i >= 0; i-- {
		if m.state.Chat[i].ID == ev.ID {
			return
		}
	}
	m.state.Chat = append(m.state.Chat, ev)
}

// applyRoundOpen resets the turn state for a new round.
// Assumes lock is held by caller.
func (m *Machine) applyRoundOpen(p *protocol.RoundOpen) {
	seen := make(map[string]bool, len(p.WaitingFor))
	waiting := make([]string, 0, len(p.WaitingFor))
	for _, name := range p.WaitingFor {
		if seen[name] {
			continue
		}
		seen[name] = true
		waiting = append(waiting, name)
	}
	m.state.Turn = TurnState{
		RoundID:    p.RoundID,
		WaitingFor: waiting,
		Phase:      PhaseAwaitingPlayers,
	}
}

// applyTurnAction collects one participant action for the open round.
// A participant gated by a required roll cannot submit; a participant not
// in WaitingFor (already acted, or never owed) is a no-op.
// Assumes lock is held by caller.
func (m *Machine) applyTurnAction(p *protocol.TurnAction) {
	turn := &m.state.Turn
	if turn.Phase != PhaseAwaitingPlayers {
		m.log.WithFields(logrus.Fields{
			"participant": p.Participant,
			"phase":       turn.Phase,
		}).Debug("turn action outside awaiting phase, skipping")
		return
	}
	if _, gated := m.state.RequiredRolls[p.Participant]; gated {
		m.log.WithField("participant", p.Participant).Debug("turn action blocked by required roll")
		return
	}

	idx := -1
	for i, name := range turn.WaitingFor {
		if name == p.Participant {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.log.WithField("participant", p.Participant).Debug("turn action from participant not waited on, skipping")
		return
	}

	turn.WaitingFor = append(turn.WaitingFor[:idx], turn.WaitingFor[idx+1:]...)
	turn.Collected = append(turn.Collected, CollectedAction{Participant: p.Participant, Text: p.Text})

	if len(turn.WaitingFor) == 0 {
		turn.Phase = PhaseAllCollected
		if m.OnRoundComplete != nil {
			collected := make([]CollectedAction, len(turn.Collected))
			copy(collected, turn.Collected)
			m.OnRoundComplete(turn.RoundID, collected)
		}
	}
}

// applyVote runs the exit-vote machine:
// Idle -> VoteOpen -> {Passed | Failed | Cancelled} -> Idle.
// Assumes lock is held by caller.
func (m *Machine) applyVote(p *protocol.Vote) {
	vote := &m.state.Vote

	switch p.Kind {
	case protocol.VoteStart:
		if vote.Phase != VoteIdle {
			m.log.Debug("vote start while a vote is open, skipping")
			return
		}
		if _, ok := m.state.Participants[p.VoterID]; !ok {
			m.log.WithField("voter", p.VoterID).Debug("vote start from unknown participant, skipping")
			return
		}
		*vote = VoteState{
			Phase:       VoteOpen,
			InitiatorID: p.VoterID,
			Votes:       make(map[uuid.UUID]bool),
		}

	case protocol.VoteCast:
		if vote.Phase != VoteOpen {
			return
		}
		if _, ok := m.state.Participants[p.VoterID]; !ok {
			m.log.WithField("voter", p.VoterID).Debug("vote from unknown participant, skipping")
			return
		}
		if _, voted := vote.Votes[p.VoterID]; voted {
			return
		}
		vote.Votes[p.VoterID] = p.Approve
		m.resolveVote()

	case protocol.VoteCancel:
		if vote.Phase != VoteOpen || p.VoterID != vote.InitiatorID {
			return
		}
		m.finishVote(VoteCancelled)
	}
}

// resolveVote checks quorum after each cast.
// Assumes lock is held by caller.
func (m *Machine) resolveVote() {
	vote := &m.state.Vote
	total := len(m.state.Participants)
	quorum := total/2 + 1

	yes, no := 0, 0
	for _, approve := range vote.Votes {
		if approve {
			yes++
		} else {
			no++
		}
	}

	switch {
	case yes >= quorum:
		m.state.Session.Status = models.SessionSaved
		m.finishVote(VotePassed)
		if m.OnSessionSaved != nil {
			m.OnSessionSaved()
		}
	case no >= quorum || yes+no >= total:
		m.finishVote(VoteFailed)
	}
}

// finishVote records the outcome and returns the machine to idle.
// Assumes lock is held by caller.
func (m *Machine) finishVote(outcome VoteOutcome) {
	m.state.Vote = VoteState{
		Phase:       VoteIdle,
		Votes:       make(map[uuid.UUID]bool),
		LastOutcome: outcome,
	}
	if m.OnVoteResolved != nil {
		m.OnVoteResolved(outcome)
	}
}

// RoleOfGM returns the role that carries GM duty for the session; a
// human GM is the host.
func RoleOfGM(sess models.Session) models.Role {
	if sess.GMKind == models.GMHuman {
		return models.RoleHost
	}
	return models.Role("") // AI GM is not a participant at all.
}

// AddParticipant registers a participant (join or bootstrap).
func (m *Machine) AddParticipant(p models.Participant) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := p
	m.state.Participants[p.ID] = &cp
}

// RemoveParticipant drops a participant and their cursor and stats.
func (m *Machine) RemoveParticipant(id uuid.UUID) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.state.Participants, id)
	delete(m.state.Cursors, id)
	delete(m.state.Stats, id)
}

// SetReady flips a participant's ready flag.
func (m *Machine) SetReady(id uuid.UUID, ready bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	p, ok := m.state.Participants[id]
	if !ok {
		m.log.WithField("participant", id).Debug("ready flag for unknown participant, skipping")
		return
	}
	p.Ready = ready
}

// SetStatus transitions the session lifecycle status.
func (m *Machine) SetStatus(status models.SessionStatus) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.state.Session.Status = status
}

// MarkNarrating flags the open round as having a narration call in
// flight. Returns false if the round ID no longer matches (stale caller).
func (m *Machine) MarkNarrating(roundID string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.state.Turn.RoundID != roundID || m.state.Turn.Phase != PhaseAllCollected {
		return false
	}
	m.state.Turn.Phase = PhaseNarrating
	return true
}

// NarrationFailed reopens the collected round for retry. WaitingFor is
// left exactly as it was; the collected actions are retained.
func (m *Machine) NarrationFailed(roundID string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.state.Turn.RoundID != roundID {
		return
	}
	m.state.Turn.Phase = PhaseAllCollected
}

// NarrationDelivered closes the round after its narration broadcast.
func (m *Machine) NarrationDelivered(roundID string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.state.Turn.RoundID != roundID {
		return
	}
	m.state.Turn = TurnState{Phase: PhaseIdle}
}

// Snapshot copies the current state for the UI or a late-join bootstrap.
func (m *Machine) Snapshot() Snapshot {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	snap := Snapshot{
		Session: m.state.Session,
		Turn:    m.state.Turn,
		Vote:    m.state.Vote,
		TakenAt: time.Now(),
		Stats:   make(map[string]map[string]int, len(m.state.Stats)),
	}
	snap.Turn.WaitingFor = append([]string(nil), m.state.Turn.WaitingFor...)
	snap.Turn.Collected = append([]CollectedAction(nil), m.state.Turn.Collected...)

	for _, p := range m.state.Participants {
		snap.Participants = append(snap.Participants, *p)
	}
	snap.OpenSlots = m.state.Session.MaxParticipants - len(snap.Participants)
	if snap.OpenSlots < 0 {
		snap.OpenSlots = 0
	}
	for _, tok := range m.state.Tokens {
		snap.Tokens = append(snap.Tokens, tok)
	}
	snap.Chat = append([]models.ChatEvent(nil), m.state.Chat...)
	for _, roll := range m.state.Rolls {
		snap.Rolls = append(snap.Rolls, *roll)
	}
	for id, stats := range m.state.Stats {
		cp := make(map[string]int, len(stats))
		for k, v := range stats {
			cp[k] = v
		}
		snap.Stats[id.String()] = cp
	}
	return snap
}

// RequiredRoll reports the gate, if any, for a display name.
func (m *Machine) RequiredRoll(name string) (dice.Kind, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	kind, ok := m.state.RequiredRolls[name]
	return kind, ok
}

// Roll returns a copy of an active roll.
func (m *Machine) Roll(rollID string) (dice.Roll, bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	roll, ok := m.state.Rolls[rollID]
	if !ok {
		return dice.Roll{}, false
	}
	return *roll, true
}
