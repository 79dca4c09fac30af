package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/broadcast"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// persistRecorder captures write-behind payloads.
type persistRecorder struct {
	mu       sync.Mutex
	payloads []protocol.Payload
}

func (pr *persistRecorder) persist(p protocol.Payload) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.payloads = append(pr.payloads, p)
}

func (pr *persistRecorder) count() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return len(pr.payloads)
}

// setupTestNodes connects two nodes to the same in-process channel.
func setupTestNodes(t *testing.T) (*Node, *Node) {
	t.Helper()
	transport := broadcast.NewMemoryTransport()
	channel := broadcast.SessionChannel("test")

	makeNode := func() *Node {
		m := NewMachine(models.Session{GMKind: models.GMAI, MaxParticipants: 4}, nil)
		n := NewNode(m, transport, channel, nil)
		require.NoError(t, n.Run(context.Background()))
		return n
	}
	return makeNode(), makeNode()
}

func waitForChat(t *testing.T, m *Machine, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.Snapshot().Chat) == want
	}, 2*time.Second, 10*time.Millisecond, "expected %d chat events", want)
}

func TestDoReachesPeersAndAbsorbsSelfEcho(t *testing.T) {
	a, b := setupTestNodes(t)

	alice := models.Participant{ID: uuid.New(), DisplayName: "Alice", Role: models.RolePlayer}
	a.Machine().AddParticipant(alice)
	b.Machine().AddParticipant(alice)

	// A delta accumulates on every apply, so a double-applied self-echo
	// would be visible as -2 instead of -1.
	a.Do(context.Background(), &protocol.StatChange{TargetID: alice.ID, Stat: "hp", Delta: -1})

	require.Eventually(t, func() bool {
		return b.Machine().Snapshot().Stats[alice.ID.String()]["hp"] == -1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, -1, a.Machine().Snapshot().Stats[alice.ID.String()]["hp"])
}

func TestDoInvokesPersistOnlyLocally(t *testing.T) {
	a, b := setupTestNodes(t)

	var recA, recB persistRecorder
	a.PersistFn = recA.persist
	b.PersistFn = recB.persist

	a.Do(context.Background(), &protocol.Chat{Event: models.ChatEvent{ID: "a-1", Text: "hi"}})
	waitForChat(t, b.Machine(), 1)

	assert.Equal(t, 1, recA.count(), "authoring node persists")
	assert.Equal(t, 0, recB.count(), "receiving node does not")
}

func TestInitiateRollAppliesImmediately(t *testing.T) {
	a, _ := setupTestNodes(t)
	p := models.Participant{DisplayName: "Alice", Role: models.RolePlayer}
	a.Machine().AddParticipant(p)

	rollID, err := a.InitiateRoll(context.Background(), p.ID, "D20")
	require.NoError(t, err)

	roll, ok := a.Machine().Roll(rollID)
	require.True(t, ok, "local apply precedes any broadcast")
	assert.True(t, roll.Rolling)
	assert.GreaterOrEqual(t, roll.Result, 1)
	assert.LessOrEqual(t, roll.Result, 20)
}

func TestUnknownEnvelopeIgnored(t *testing.T) {
	transport := broadcast.NewMemoryTransport()
	channel := broadcast.SessionChannel("test")
	m := NewMachine(models.Session{GMKind: models.GMAI}, nil)
	n := NewNode(m, transport, channel, nil)
	require.NoError(t, n.Run(context.Background()))

	err := transport.Publish(context.Background(), channel, protocol.Envelope{
		RoomID:  channel,
		Sender:  protocol.NewOriginTag(),
		Type:    protocol.ActionType("TELEPORT"),
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	assert.Empty(t, n.Machine().Snapshot().Chat)
}

func TestWrongKindRollLeavesArenaPending(t *testing.T) {
	a, _ := setupTestNodes(t)
	ctx := context.Background()
	alice := models.Participant{ID: uuid.New(), DisplayName: "Alice", Role: models.RolePlayer}
	a.Machine().AddParticipant(alice)

	a.Do(ctx, &protocol.ForceDice{Kind: "D20", Targets: []string{"Alice"}})
	require.NotNil(t, a.Arena())

	wrongID, err := a.InitiateRoll(ctx, alice.ID, dice.D6)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		roll, ok := a.Machine().Roll(wrongID)
		return ok && !roll.Rolling
	}, 3*time.Second, 20*time.Millisecond, "waiting for the D6 to settle")

	// The D6 settles normally but satisfies neither the gate nor the
	// arena; the arena must stay open waiting for the owed D20.
	assert.True(t, a.Arena().Active())
	assert.ElementsMatch(t, []string{"Alice"}, a.Arena().Pending())
	_, gated := a.Machine().RequiredRoll("Alice")
	assert.True(t, gated)

	_, err = a.InitiateRoll(ctx, alice.ID, dice.D20)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, gated := a.Machine().RequiredRoll("Alice")
		return !gated
	}, 3*time.Second, 20*time.Millisecond, "waiting for the D20 to clear the gate")
	assert.Empty(t, a.Arena().Pending())
}

func TestRemoteForceDiceOpensArena(t *testing.T) {
	a, b := setupTestNodes(t)
	b.Machine().AddParticipant(models.Participant{DisplayName: "Alice", Role: models.RolePlayer})

	a.Do(context.Background(), &protocol.ForceDice{Kind: "D6", Targets: []string{"Alice"}})

	require.Eventually(t, func() bool {
		return b.Arena() != nil && b.Arena().Active()
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"Alice"}, b.Arena().Pending())
}
