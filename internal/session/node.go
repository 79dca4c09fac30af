package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/broadcast"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// Node is the dispatch layer between one client's Machine and the
// broadcast transport. It holds the only self-echo check: an incoming
// envelope whose sender matches this node's origin tag is dropped before
// any reducer runs, so an optimistic local apply is never applied twice.
type Node struct {
	Origin  protocol.OriginTag
	channel string

	machine   *Machine
	transport broadcast.Transport
	roller    *dice.Roller
	log       *logrus.Logger

	arenaMu sync.Mutex
	arena   *dice.Arena

	// PersistFn receives every locally-authored durable mutation for
	// write-behind storage. It must not block; failures are the
	// reconciler's problem, never this node's.
	PersistFn func(p protocol.Payload)

	// OnArenaWarning surfaces the 15s stuck-arena warning to the UI.
	OnArenaWarning func()

	// OnArenaClosed fires when the roll arena closes.
	OnArenaClosed func(expired bool)
}

// NewNode creates a dispatch node for the session channel.
func NewNode(machine *Machine, transport broadcast.Transport, channel string, log *logrus.Logger) *Node {
	if log == nil {
		log = logrus.New()
	}
	return &Node{
		Origin:    protocol.NewOriginTag(),
		channel:   channel,
		machine:   machine,
		transport: transport,
		roller:    dice.NewRoller(),
		log:       log,
	}
}

// Machine exposes the underlying state machine.
func (n *Node) Machine() *Machine { return n.machine }

// Run subscribes the node to its session channel until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	cancel, err := n.transport.Subscribe(ctx, n.channel, n.onEnvelope)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// onEnvelope applies a remote envelope. This is the single place the
// origin tag is compared; handlers past this point can assume the
// mutation is remote-authored.
func (n *Node) onEnvelope(env protocol.Envelope) {
	if env.Sender == n.Origin {
		return // self-echo
	}
	p, err := protocol.Open(env)
	if err != nil {
		// Unknown actions are expected from newer peers; anything else is
		// a malformed payload worth a log line.
		if err != protocol.ErrUnknownAction {
			n.log.WithError(err).WithField("action", env.Type).Warn("dropping malformed envelope")
		}
		return
	}

	n.machine.Apply(p)

	switch v := p.(type) {
	case *protocol.DiceRoll:
		// Receivers replay their own rolling -> settle animation, landing
		// on the sender's committed result.
		n.scheduleSettle(v.RollID)
	case *protocol.ForceDice:
		n.openArena(v.Targets)
	}
}

// Do applies a locally-authored mutation and shares it: apply first (so
// self-view is always ahead of remote views), then broadcast, then
// write-behind persistence. The three steps are independent; a failed
// publish or store write never rolls back the local apply.
func (n *Node) Do(ctx context.Context, p protocol.Payload) {
	n.machine.Apply(p)
	n.publish(ctx, p)
	n.persist(p)

	if v, ok := p.(*protocol.ForceDice); ok {
		n.openArena(v.Targets)
	}
}

// InitiateRoll resolves a roll locally as the sole authority for its
// result. The broadcast goes out once, after the local settle, never
// before, so every peer receives an already-committed result and replays
// the animation toward it.
func (n *Node) InitiateRoll(ctx context.Context, owner uuid.UUID, kind dice.Kind) (string, error) {
	roll, err := n.roller.NewRoll(string(n.Origin), owner, kind)
	if err != nil {
		return "", err
	}

	payload := &protocol.DiceRoll{
		RollID:  roll.ID,
		OwnerID: roll.OwnerID,
		Kind:    string(roll.Kind),
		Result:  roll.Result,
	}
	n.machine.Apply(payload)

	time.AfterFunc(dice.SettleDelay, func() {
		n.settle(roll.ID)
		n.publish(ctx, payload)
		n.persist(payload)
	})
	return roll.ID, nil
}

// scheduleSettle runs the receiver-side presentation delay.
func (n *Node) scheduleSettle(rollID string) {
	time.AfterFunc(dice.SettleDelay, func() {
		n.settle(rollID)
	})
}

// settle lands a roll, notifies the arena, and schedules removal from
// the active set after the grace period. The arena hears about a settle
// only when it cleared the owner's gate; a roll of the wrong kind must
// not count toward closing the arena.
func (n *Node) settle(rollID string) {
	name, cleared, ok := n.machine.SettleRoll(rollID)
	if !ok {
		return
	}
	if a := n.Arena(); a != nil && name != "" && cleared {
		a.RollSettled(name)
	}
	time.AfterFunc(dice.CloseGrace, func() {
		n.machine.RemoveRoll(rollID)
	})
}

// openArena opens a roll arena for the forced targets, replacing any
// previous one.
func (n *Node) openArena(targets []string) {
	if prev := n.Arena(); prev != nil {
		prev.Close()
	}
	a := dice.NewArena(targets)
	a.OnWarning = func() {
		if n.OnArenaWarning != nil {
			n.OnArenaWarning()
		}
	}
	a.OnClosed = func(expired bool) {
		if expired {
			// A participant never rolled; clear the gates so the session
			// is not wedged behind a missing roll.
			n.machine.ClearRequiredRolls()
		}
		if n.OnArenaClosed != nil {
			n.OnArenaClosed(expired)
		}
	}
	n.arenaMu.Lock()
	n.arena = a
	n.arenaMu.Unlock()
}

// Arena returns the current roll arena, if one is open.
func (n *Node) Arena() *dice.Arena {
	n.arenaMu.Lock()
	defer n.arenaMu.Unlock()
	return n.arena
}

// publish sends the payload without blocking the caller's event loop.
func (n *Node) publish(ctx context.Context, p protocol.Payload) {
	env, err := protocol.Seal(n.channel, n.Origin, p)
	if err != nil {
		n.log.WithError(err).WithField("action", p.Action()).Error("sealing envelope")
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := n.transport.Publish(pubCtx, n.channel, env); err != nil {
			// Transport loss is unrecoverable by design; peers reconcile
			// from the durable store on their next load.
			n.log.WithError(err).WithField("action", p.Action()).Warn("broadcast publish failed")
		}
	}()
}

// persist hands the payload to the write-behind reconciler, if wired.
func (n *Node) persist(p protocol.Payload) {
	if n.PersistFn != nil {
		n.PersistFn(p)
	}
}
