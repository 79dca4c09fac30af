// Package turn aggregates one action per eligible participant per round,
// produces exactly one narration turn for them, and fans the result back
// out. It runs only on the authoring client (the node carrying GM duty);
// every other client observes the round purely through envelopes.
package turn

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/narrate"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/session"
)

// PrimingPrompt seeds the very first narration turn of a session, issued
// automatically without waiting for any participant action.
const PrimingPrompt = "Begin the adventure. Set the opening scene for " +
	"the party, introduce where they are and what immediately confronts " +
	"them, and end with a clear hook inviting each player to act."

// DefaultTypingInterval paces the local typing reveal.
const DefaultTypingInterval = 30 * time.Millisecond

// RollDirective is a dice request the narration model embedded inline.
type RollDirective struct {
	Kind   dice.Kind
	Target string // display name, or "ALL"
}

var directivePattern = regexp.MustCompile(`\[ROLL\s+(D\d+)\s+([^\]]+)\]`)

// ParseRollDirectives extracts bracketed roll directives from narration
// text. Directives naming an unknown dice kind are dropped.
func ParseRollDirectives(text string) []RollDirective {
	var out []RollDirective
	for _, match := range directivePattern.FindAllStringSubmatch(text, -1) {
		kind, err := dice.ParseKind(match[1])
		if err != nil {
			continue
		}
		out = append(out, RollDirective{
			Kind:   kind,
			Target: strings.TrimSpace(match[2]),
		})
	}
	return out
}

// Orchestrator drives round collection and the narration pipeline.
type Orchestrator struct {
	mu sync.Mutex

	node     *session.Node
	narrator narrate.Service
	images   *narrate.ImageGenerator
	log      *logrus.Logger

	// GMName is excluded from every round's waitingFor. Empty for an AI
	// GM, which is not a participant.
	GMName string

	// TypingInterval paces OnTypingChunk; zero disables the reveal delay.
	TypingInterval time.Duration

	// OnTypingChunk receives the growing partial narration during the
	// authoring client's local typing effect. Never networked.
	OnTypingChunk func(partial string)

	// OnNarrationError surfaces a fully-exhausted fallback ladder. The
	// round stays open for retry; it is never silently dropped.
	OnNarrationError func(err error)

	history   []narrate.Message
	busy      bool
	revealing bool
	lastErr   error
}

// NewOrchestrator wires the orchestrator to the authoring client's node.
func NewOrchestrator(node *session.Node, narrator narrate.Service, log *logrus.Logger) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	o := &Orchestrator{
		node:           node,
		narrator:       narrator,
		log:            log,
		TypingInterval: DefaultTypingInterval,
	}
	node.Machine().OnRoundComplete = o.roundComplete
	return o
}

// SetImageGenerator enables the fire-and-forget scene art side effect.
func (o *Orchestrator) SetImageGenerator(g *narrate.ImageGenerator) {
	o.images = g
}

// Busy reports whether a narration call is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// LastError returns the most recent narration failure, if any.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// OpenRound starts a new collection round for the named participants,
// minus the GM. Triggered on a new scene, not every message.
func (o *Orchestrator) OpenRound(ctx context.Context, participantNames []string) string {
	seen := make(map[string]bool, len(participantNames))
	waiting := make([]string, 0, len(participantNames))
	for _, name := range participantNames {
		if name == o.GMName || seen[name] {
			continue
		}
		seen[name] = true
		waiting = append(waiting, name)
	}

	roundID := uuid.NewString()
	o.node.Do(ctx, &protocol.RoundOpen{RoundID: roundID, WaitingFor: waiting})
	return roundID
}

// SubmitAction records one participant's action for the open round. When
// the last owed action arrives the combine step fires automatically.
func (o *Orchestrator) SubmitAction(ctx context.Context, participant, text string) {
	o.node.Do(ctx, &protocol.TurnAction{Participant: participant, Text: text})
}

// Bootstrap issues the degenerate first narration turn when a session
// starts with no prior narration.
func (o *Orchestrator) Bootstrap(ctx context.Context) {
	o.mu.Lock()
	hasHistory := len(o.history) > 0
	o.mu.Unlock()
	if hasHistory {
		return
	}
	go o.narrateRound(ctx, "", PrimingPrompt)
}

// Retry re-invokes narration for a round whose ladder was exhausted,
// using the same collected actions.
func (o *Orchestrator) Retry(ctx context.Context) {
	snap := o.node.Machine().Snapshot()
	if snap.Turn.Phase != session.PhaseAllCollected || len(snap.Turn.Collected) == 0 {
		return
	}
	go o.narrateRound(ctx, snap.Turn.RoundID, combinePrompt(snap.Turn.Collected))
}

// roundComplete is installed as the machine's OnRoundComplete hook. It is
// called with the machine lock held, so all it does is hand off.
func (o *Orchestrator) roundComplete(roundID string, collected []session.CollectedAction) {
	go o.narrateRound(context.Background(), roundID, combinePrompt(collected))
}

// combinePrompt serializes collected actions into "PlayerName: action"
// lines, in submission order.
func combinePrompt(collected []session.CollectedAction) string {
	lines := make([]string, 0, len(collected))
	for _, a := range collected {
		lines = append(lines, a.Participant+": "+a.Text)
	}
	return strings.Join(lines, "\n")
}

// narrateRound runs one narration turn: ladder call, stale-response
// guard, local typing reveal, single complete broadcast, persistence,
// and directive extraction. roundID is empty for the bootstrap turn.
func (o *Orchestrator) narrateRound(ctx context.Context, roundID, prompt string) {
	o.mu.Lock()
	if o.busy || o.revealing {
		// Exactly one narrator event may be in flight per room. A round
		// completing while a reveal runs waits for the next scene.
		o.mu.Unlock()
		o.log.WithField("round", roundID).Warn("narration already in flight, skipping")
		return
	}
	o.busy = true
	history := append([]narrate.Message(nil), o.history...)
	o.mu.Unlock()

	if roundID != "" && !o.node.Machine().MarkNarrating(roundID) {
		// The round moved on while we were scheduled; a stale narration
		// must not be applied.
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
		return
	}

	resp, err := o.narrator.Generate(ctx, narrate.Request{Prompt: prompt, History: history})

	o.mu.Lock()
	o.busy = false
	if err != nil {
		o.lastErr = err
		o.mu.Unlock()
		if roundID != "" {
			o.node.Machine().NarrationFailed(roundID)
		}
		o.log.WithError(err).WithField("round", roundID).Error("narration failed after all fallback tiers")
		if o.OnNarrationError != nil {
			o.OnNarrationError(err)
		}
		o.resumePending(ctx, roundID)
		return
	}
	o.lastErr = nil
	o.history = append(o.history,
		narrate.Message{Role: narrate.RoleUser, Text: prompt},
		narrate.Message{Role: narrate.RoleModel, Text: resp.Text},
	)
	o.revealing = true
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{
		"round":     roundID,
		"usedModel": resp.UsedModel,
	}).Info("narration generated")

	// The typing effect is simulated strictly on this client; peers get
	// one complete event when it finishes.
	o.reveal(resp.Text)

	now := time.Now()
	event := models.ChatEvent{
		ID:        models.NewChatEventID(string(o.node.Origin), now),
		Channel:   models.ChannelGM,
		Kind:      models.ChatNarrator,
		Text:      resp.Text,
		Timestamp: now,
	}
	o.node.Do(ctx, &protocol.Narration{Event: event})
	if roundID != "" {
		o.node.Machine().NarrationDelivered(roundID)
	}

	o.mu.Lock()
	o.revealing = false
	o.mu.Unlock()

	o.applyDirectives(ctx, resp.Text)

	if o.images != nil {
		// Scene art is best-effort; its failure never fails the turn.
		go func(text string) {
			imgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := o.images.Generate(imgCtx, text); err != nil {
				o.log.WithError(err).Warn("scene image generation failed")
			}
		}(resp.Text)
	}

	o.resumePending(ctx, roundID)
}

// resumePending re-fires a round that finished collecting while another
// narration was in flight, so no completed round waits on a manual
// retry. The round that just ran is excluded: a failed round stays open
// for an explicit retry rather than looping.
func (o *Orchestrator) resumePending(ctx context.Context, lastRoundID string) {
	snap := o.node.Machine().Snapshot()
	if snap.Turn.Phase != session.PhaseAllCollected || len(snap.Turn.Collected) == 0 {
		return
	}
	if snap.Turn.RoundID == lastRoundID {
		return
	}
	go o.narrateRound(ctx, snap.Turn.RoundID, combinePrompt(snap.Turn.Collected))
}

// reveal paces the narration text out through OnTypingChunk word by word.
func (o *Orchestrator) reveal(text string) {
	if o.OnTypingChunk == nil {
		return
	}
	if o.TypingInterval <= 0 {
		o.OnTypingChunk(text)
		return
	}
	words := strings.Fields(text)
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		o.OnTypingChunk(b.String())
		time.Sleep(o.TypingInterval)
	}
}

// applyDirectives turns inline roll directives into forced-roll gates.
func (o *Orchestrator) applyDirectives(ctx context.Context, text string) {
	for _, d := range ParseRollDirectives(text) {
		payload := &protocol.ForceDice{Kind: string(d.Kind)}
		if !strings.EqualFold(d.Target, "ALL") {
			payload.Targets = []string{d.Target}
		}
		o.node.Do(ctx, payload)
	}
}

// History returns a copy of the ordered narration history.
func (o *Orchestrator) History() []narrate.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]narrate.Message(nil), o.history...)
}
