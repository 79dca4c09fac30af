// Package lobby implements the pre-game room: join/leave/ready/chat/start
// events on a separately-named channel from gameplay, with a slot model
// bounded by the session's participant cap.
package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/broadcast"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
)

// Lobby is one client's view of a pre-game room. Like the session state
// machine it is optimistic: local intents apply immediately, then
// broadcast; remote envelopes apply unless self-authored.
type Lobby struct {
	mu sync.Mutex

	origin    protocol.OriginTag
	sessionID uuid.UUID
	channel   string
	transport broadcast.Transport
	log       *logrus.Logger

	self         models.Participant
	participants map[uuid.UUID]*models.Participant
	maxSlots     int
	chat         []models.ChatEvent
	started      bool

	// OnStarted fires when the host's start signal arrives (or is sent).
	OnStarted func()

	// Durable hooks, wired to the reconciler. All optional.
	PersistJoin  func(p models.Participant)
	PersistLeave func(id uuid.UUID)
	PersistReady func(id uuid.UUID, ready bool)
	PersistChat  func(ev models.ChatEvent)
}

// New creates a lobby client for the session. The origin tag is the
// same one the client's session node carries; one client process has
// exactly one identity across both channels.
func New(sessionID uuid.UUID, maxSlots int, self models.Participant, origin protocol.OriginTag, transport broadcast.Transport, log *logrus.Logger) *Lobby {
	if log == nil {
		log = logrus.New()
	}
	return &Lobby{
		origin:       origin,
		sessionID:    sessionID,
		channel:      broadcast.LobbyChannel(sessionID.String()),
		transport:    transport,
		log:          log,
		self:         self,
		participants: make(map[uuid.UUID]*models.Participant),
		maxSlots:     maxSlots,
	}
}

// Run subscribes to the lobby channel and announces this participant.
func (l *Lobby) Run(ctx context.Context) error {
	cancel, err := l.transport.Subscribe(ctx, l.channel, l.onEnvelope)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	l.mu.Lock()
	cp := l.self
	l.participants[cp.ID] = &cp
	l.mu.Unlock()
	l.publish(ctx, &protocol.LobbyJoin{Participant: cp})
	if l.PersistJoin != nil {
		l.PersistJoin(cp)
	}
	return nil
}

func (l *Lobby) onEnvelope(env protocol.Envelope) {
	if env.Sender == l.origin {
		return // self-echo
	}
	p, err := protocol.Open(env)
	if err != nil {
		if err != protocol.ErrUnknownAction {
			l.log.WithError(err).Warn("dropping malformed lobby envelope")
		}
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch v := p.(type) {
	case *protocol.LobbyJoin:
		cp := v.Participant
		l.participants[cp.ID] = &cp
	case *protocol.LobbyLeave:
		delete(l.participants, v.ParticipantID)
	case *protocol.LobbyReady:
		if pt, ok := l.participants[v.ParticipantID]; ok {
			pt.Ready = v.Ready
		}
	case *protocol.LobbyChat:
		l.appendChat(v.Event)
	case *protocol.LobbyStart:
		l.markStarted()
	}
}

// Assumes lock is held by caller.
func (l *Lobby) appendChat(ev models.ChatEvent) {
	for i := len(l.chat) - 1; i >= 0; i-- {
		if l.chat[i].ID == ev.ID {
			return
		}
	}
	l.chat = append(l.chat, ev)
}

// Assumes lock is held by caller.
func (l *Lobby) markStarted() {
	if l.started {
		return
	}
	l.started = true
	if l.OnStarted != nil {
		go l.OnStarted()
	}
}

// SetReady flips this participant's own ready flag; readiness is mutable
// only by its owner.
func (l *Lobby) SetReady(ctx context.Context, ready bool) {
	l.mu.Lock()
	l.self.Ready = ready
	if pt, ok := l.participants[l.self.ID]; ok {
		pt.Ready = ready
	}
	id := l.self.ID
	l.mu.Unlock()

	l.publish(ctx, &protocol.LobbyReady{ParticipantID: id, Ready: ready})
	if l.PersistReady != nil {
		l.PersistReady(id, ready)
	}
}

// SendChat posts a lobby chat message.
func (l *Lobby) SendChat(ctx context.Context, text string) {
	now := time.Now()
	ev := models.ChatEvent{
		ID:        models.NewChatEventID(string(l.origin), now),
		SenderID:  l.self.ID,
		Channel:   models.ChannelParty,
		Kind:      models.ChatUser,
		Text:      text,
		Timestamp: now,
	}
	l.mu.Lock()
	l.appendChat(ev)
	l.mu.Unlock()

	l.publish(ctx, &protocol.LobbyChat{Event: ev})
	if l.PersistChat != nil {
		l.PersistChat(ev)
	}
}

// Leave announces departure and stops tracking this participant.
func (l *Lobby) Leave(ctx context.Context) {
	l.mu.Lock()
	id := l.self.ID
	delete(l.participants, id)
	l.mu.Unlock()

	l.publish(ctx, &protocol.LobbyLeave{ParticipantID: id})
	if l.PersistLeave != nil {
		l.PersistLeave(id)
	}
}

// Start sends the host's start signal. Only the host may start.
func (l *Lobby) Start(ctx context.Context) bool {
	l.mu.Lock()
	if l.self.Role != models.RoleHost || l.started {
		l.mu.Unlock()
		return false
	}
	l.markStarted()
	l.mu.Unlock()

	l.publish(ctx, &protocol.LobbyStart{SessionID: l.sessionID})
	return true
}

// Started reports whether the session has begun.
func (l *Lobby) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Participants returns a copy of the current roster.
func (l *Lobby) Participants() []models.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Participant, 0, len(l.participants))
	for _, p := range l.participants {
		out = append(out, *p)
	}
	return out
}

// Slots reports occupied and empty seats; the UI renders exactly
// maxSlots entries.
func (l *Lobby) Slots() (occupied, empty int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	occupied = len(l.participants)
	empty = l.maxSlots - occupied
	if empty < 0 {
		empty = 0
	}
	return occupied, empty
}

// AllReady reports whether every participant is (implicitly) ready.
func (l *Lobby) AllReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.participants {
		if !p.IsReady() {
			return false
		}
	}
	return len(l.participants) > 0
}

func (l *Lobby) publish(ctx context.Context, p protocol.Payload) {
	env, err := protocol.Seal(l.channel, l.origin, p)
	if err != nil {
		l.log.WithError(err).Error("sealing lobby envelope")
		return
	}
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.transport.Publish(pubCtx, l.channel, env); err != nil {
			l.log.WithError(err).Warn("lobby publish failed")
		}
	}()
}
