package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/broadcast"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/narrate"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/session"
)

// fakeNarrator records prompts and can be switched between failure and a
// fixed response. When gate is set, every call blocks until it closes.
type fakeNarrator struct {
	mu      sync.Mutex
	fail    bool
	text    string
	gate    chan struct{}
	prompts []string
}

func (f *fakeNarrator) Generate(_ context.Context, req narrate.Request) (narrate.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	fail := f.fail
	text := f.text
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return narrate.Response{}, errors.New("all narration tiers failed: upstream down")
	}
	return narrate.Response{Text: text, UsedModel: "fake"}, nil
}

func (f *fakeNarrator) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeNarrator) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeNarrator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

// setupTestOrchestrator wires an orchestrator to a machine with the named
// players and an in-process transport.
func setupTestOrchestrator(t *testing.T, names ...string) (*Orchestrator, *session.Node, *fakeNarrator) {
	t.Helper()
	m := session.NewMachine(models.Session{GMKind: models.GMAI, MaxParticipants: 8}, nil)
	for _, name := range names {
		m.AddParticipant(models.Participant{ID: uuid.New(), DisplayName: name, Role: models.RolePlayer})
	}
	node := session.NewNode(m, broadcast.NewMemoryTransport(), broadcast.SessionChannel("test"), nil)
	require.NoError(t, node.Run(context.Background()))

	narrator := &fakeNarrator{text: "The torchlight flickers."}
	o := NewOrchestrator(node, narrator, nil)
	o.TypingInterval = 0
	return o, node, narrator
}

func waitForPhase(t *testing.T, node *session.Node, phase session.TurnPhase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return node.Machine().Snapshot().Turn.Phase == phase
	}, 3*time.Second, 10*time.Millisecond, "waiting for phase %s", phase)
}

func TestParseRollDirectives(t *testing.T) {
	tests := []struct {
		text string
		want []RollDirective
	}{
		{"no directives here", nil},
		{"Roll for it! [ROLL D20 Alice]", []RollDirective{{Kind: dice.D20, Target: "Alice"}}},
		{"[ROLL D6 ALL] everyone", []RollDirective{{Kind: dice.D6, Target: "ALL"}}},
		{"[ROLL D3 Alice] unknown kind dropped", nil},
		{
			"[ROLL D20 Alice] then [ROLL D8 Bob]",
			[]RollDirective{{Kind: dice.D20, Target: "Alice"}, {Kind: dice.D8, Target: "Bob"}},
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRollDirectives(tt.text), "text %q", tt.text)
	}
}

func TestCombinePromptKeepsSubmissionOrder(t *testing.T) {
	got := combinePrompt([]session.CollectedAction{
		{Participant: "Alice", Text: "I attack the goblin"},
		{Participant: "Bob", Text: "I hide behind the rock"},
	})
	assert.Equal(t, "Alice: I attack the goblin\nBob: I hide behind the rock", got)
}

func TestRoundCollectsAndNarrates(t *testing.T) {
	o, node, narrator := setupTestOrchestrator(t, "Alice", "Bob")
	ctx := context.Background()

	var chunks []string
	o.OnTypingChunk = func(partial string) { chunks = append(chunks, partial) }

	roundID := o.OpenRound(ctx, []string{"Alice", "Bob", "Alice"})
	snap := node.Machine().Snapshot()
	assert.Equal(t, roundID, snap.Turn.RoundID)
	assert.Equal(t, []string{"Alice", "Bob"}, snap.Turn.WaitingFor, "duplicate names collapse")

	o.SubmitAction(ctx, "Alice", "I attack the goblin")
	o.SubmitAction(ctx, "Bob", "I hide behind the rock")

	waitForPhase(t, node, session.PhaseIdle)

	assert.Equal(t, "Alice: I attack the goblin\nBob: I hide behind the rock", narrator.lastPrompt())

	chat := node.Machine().Snapshot().Chat
	require.Len(t, chat, 1)
	assert.Equal(t, models.ChatNarrator, chat[0].Kind)
	assert.Equal(t, models.ChannelGM, chat[0].Channel)
	assert.Equal(t, "The torchlight flickers.", chat[0].Text)

	require.NotEmpty(t, chunks, "authoring client gets the typing reveal")
	assert.Equal(t, "The torchlight flickers.", chunks[len(chunks)-1])

	history := o.History()
	require.Len(t, history, 2)
	assert.Equal(t, narrate.RoleUser, history[0].Role)
	assert.Equal(t, narrate.RoleModel, history[1].Role)
}

func TestGMNameExcludedFromRound(t *testing.T) {
	o, node, _ := setupTestOrchestrator(t, "Alice", "Greta")
	o.GMName = "Greta"

	o.OpenRound(context.Background(), []string{"Alice", "Greta"})
	assert.Equal(t, []string{"Alice"}, node.Machine().Snapshot().Turn.WaitingFor)
}

func TestNarrationFailureKeepsRoundOpenForRetry(t *testing.T) {
	o, node, narrator := setupTestOrchestrator(t, "Alice")
	ctx := context.Background()
	narrator.setFail(true)

	var mu sync.Mutex
	var surfaced error
	o.OnNarrationError = func(err error) {
		mu.Lock()
		surfaced = err
		mu.Unlock()
	}

	o.OpenRound(ctx, []string{"Alice"})
	o.SubmitAction(ctx, "Alice", "open the door")

	waitForPhase(t, node, session.PhaseAllCollected)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return surfaced != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Error(t, o.LastError())

	snap := node.Machine().Snapshot()
	require.Len(t, snap.Turn.Collected, 1, "collected actions survive the failure")
	assert.Empty(t, snap.Chat, "no narration event on failure")

	narrator.setFail(false)
	o.Retry(ctx)

	waitForPhase(t, node, session.PhaseIdle)
	assert.NoError(t, o.LastError())
	assert.Len(t, node.Machine().Snapshot().Chat, 1)
}

func TestBootstrapPrimesFirstTurnOnce(t *testing.T) {
	o, node, narrator := setupTestOrchestrator(t, "Alice")
	ctx := context.Background()

	o.Bootstrap(ctx)
	require.Eventually(t, func() bool {
		return len(o.History()) == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, PrimingPrompt, narrator.lastPrompt())
	assert.Len(t, node.Machine().Snapshot().Chat, 1)

	// A session with history never re-primes.
	o.Bootstrap(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, narrator.promptCount())
}

func TestRoundCompletedDuringNarrationIsResumed(t *testing.T) {
	o, node, narrator := setupTestOrchestrator(t, "Alice")
	ctx := context.Background()

	gate := make(chan struct{})
	narrator.mu.Lock()
	narrator.gate = gate
	narrator.mu.Unlock()

	// The priming turn is held in flight while a round completes.
	o.Bootstrap(ctx)
	require.Eventually(t, func() bool {
		return narrator.promptCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	o.OpenRound(ctx, []string{"Alice"})
	o.SubmitAction(ctx, "Alice", "kick the door")
	waitForPhase(t, node, session.PhaseAllCollected)

	close(gate)

	// The completed round must be picked up once the in-flight narration
	// finishes, without a manual retry.
	require.Eventually(t, func() bool {
		return narrator.promptCount() == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice: kick the door", narrator.lastPrompt())
	waitForPhase(t, node, session.PhaseIdle)
	assert.Len(t, o.History(), 4, "both the priming turn and the round land in history")
}

func TestDirectivesBecomeForcedRollGates(t *testing.T) {
	o, node, narrator := setupTestOrchestrator(t, "Alice", "Bob")
	ctx := context.Background()
	narrator.mu.Lock()
	narrator.text = "Danger ahead. [ROLL D6 ALL]"
	narrator.mu.Unlock()

	o.OpenRound(ctx, []string{"Alice", "Bob"})
	o.SubmitAction(ctx, "Alice", "advance")
	o.SubmitAction(ctx, "Bob", "follow")

	waitForPhase(t, node, session.PhaseIdle)
	require.Eventually(t, func() bool {
		_, gatedA := node.Machine().RequiredRoll("Alice")
		_, gatedB := node.Machine().RequiredRoll("Bob")
		return gatedA && gatedB
	}, 3*time.Second, 10*time.Millisecond)

	kind, _ := node.Machine().RequiredRoll("Alice")
	assert.Equal(t, dice.D6, kind)
}
