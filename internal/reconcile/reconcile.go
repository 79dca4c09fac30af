// Package reconcile makes the ephemeral broadcast stream durable enough
// to survive reload and late join, without adding synchronous latency to
// the live protocol. Every durable mutation is applied locally, then
// broadcast, then written here asynchronously; the three steps are not
// transactional with respect to each other.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/store"
)

const (
	queueDepth   = 256
	writeTimeout = 5 * time.Second
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Reconciler is the write-behind worker for one session. Store failures
// are logged and dropped; they never roll back the already-applied local
// and broadcast mutation.
type Reconciler struct {
	store     store.Store
	sessionID uuid.UUID
	log       *logrus.Logger
	queue     chan job
}

// New creates a reconciler for the session.
func New(st store.Store, sessionID uuid.UUID, log *logrus.Logger) *Reconciler {
	if log == nil {
		log = logrus.New()
	}
	return &Reconciler{
		store:     st,
		sessionID: sessionID,
		log:       log,
		queue:     make(chan job, queueDepth),
	}
}

// Run drains the write-behind queue until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
			if err := j.fn(writeCtx); err != nil {
				r.log.WithError(err).WithField("write", j.name).Warn("write-behind store write failed")
			}
			cancel()
		}
	}
}

// enqueue queues a write; when the queue is full the write is dropped,
// which the reconciliation-on-reload model tolerates.
func (r *Reconciler) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case r.queue <- job{name: name, fn: fn}:
	default:
		r.log.WithField("write", name).Warn("write-behind queue full, dropping write")
	}
}

// Persist is the session node's PersistFn: it maps a locally-authored
// payload to its durable writes. Ephemeral traffic (cursor moves, FX,
// votes, dice presentation) is deliberately not stored.
func (r *Reconciler) Persist(p protocol.Payload) {
	switch v := p.(type) {
	case *protocol.Chat:
		ev := v.Event
		r.enqueue("chat", func(ctx context.Context) error {
			return r.store.InsertChatEvent(ctx, r.sessionID, ev)
		})
	case *protocol.Narration:
		ev := v.Event
		r.enqueue("narration", func(ctx context.Context) error {
			return r.store.InsertChatEvent(ctx, r.sessionID, ev)
		})
	case *protocol.SpawnToken:
		tok := v.Token
		r.enqueue("spawn-token", func(ctx context.Context) error {
			return r.store.UpsertToken(ctx, r.sessionID, tok)
		})
	case *protocol.MoveToken:
		mv := *v
		r.enqueue("move-token", func(ctx context.Context) error {
			return r.store.UpdateTokenPosition(ctx, r.sessionID, mv.TokenID, mv.X, mv.Y)
		})
	case *protocol.ClearTokens:
		r.enqueue("clear-tokens", func(ctx context.Context) error {
			return r.store.ClearTokens(ctx, r.sessionID)
		})
	}
}

// SaveStatus persists a session status transition.
func (r *Reconciler) SaveStatus(status models.SessionStatus) {
	r.enqueue("session-status", func(ctx context.Context) error {
		return r.store.UpdateSessionStatus(ctx, r.sessionID, status)
	})
}

// SaveParticipant persists a participant join or update.
func (r *Reconciler) SaveParticipant(p models.Participant) {
	r.enqueue("participant", func(ctx context.Context) error {
		return r.store.UpsertParticipant(ctx, r.sessionID, p)
	})
}

// DropParticipant persists a participant leave.
func (r *Reconciler) DropParticipant(id uuid.UUID) {
	r.enqueue("participant-remove", func(ctx context.Context) error {
		return r.store.RemoveParticipant(ctx, r.sessionID, id)
	})
}

// SaveReady persists a ready-flag flip.
func (r *Reconciler) SaveReady(id uuid.UUID, ready bool) {
	r.enqueue("participant-ready", func(ctx context.Context) error {
		return r.store.SetParticipantReady(ctx, r.sessionID, id, ready)
	})
}

// Bootstrap holds everything a late joiner loads from the durable store
// before switching to live broadcasts.
type Bootstrap struct {
	Session      models.Session
	Participants []models.Participant
	Chat         []models.ChatEvent
	Tokens       []models.TokenPosition
}

// Load assembles the bootstrap snapshot for the session. There is no
// broadcast history to replay; the store is the only source for the past.
func (r *Reconciler) Load(ctx context.Context) (Bootstrap, error) {
	sess, err := r.store.GetSession(ctx, r.sessionID)
	if err != nil {
		return Bootstrap{}, err
	}
	participants, err := r.store.ListParticipants(ctx, r.sessionID)
	if err != nil {
		return Bootstrap{}, err
	}
	chat, err := r.store.ListChatEvents(ctx, r.sessionID)
	if err != nil {
		return Bootstrap{}, err
	}
	tokens, err := r.store.ListTokens(ctx, r.sessionID)
	if err != nil {
		return Bootstrap{}, err
	}
	return Bootstrap{
		Session:      sess,
		Participants: participants,
		Chat:         chat,
		Tokens:       tokens,
	}, nil
}

// Seed applies a bootstrap snapshot into a fresh state machine through
// the same payloads the live path uses.
func Seed(b Bootstrap, apply func(p protocol.Payload), addParticipant func(models.Participant)) {
	for _, p := range b.Participants {
		addParticipant(p)
	}
	for _, tok := range b.Tokens {
		apply(&protocol.SpawnToken{Token: tok})
	}
	for _, ev := range b.Chat {
		if ev.Kind == models.ChatNarrator {
			apply(&protocol.Narration{Event: ev})
		} else {
			apply(&protocol.Chat{Event: ev})
		}
	}
}
