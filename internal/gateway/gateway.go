// Package gateway is the node's only server surface: a websocket endpoint
// the local rendering UI attaches to. It forwards user intents into the
// session state machine and streams state snapshots and transient events
// back out. Rendering itself stays outside this system.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/dice"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/session"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/turn"
)

// snapshotInterval paces state pushes to the attached UI.
const snapshotInterval = 250 * time.Millisecond

// Intent is one user action forwarded by the UI.
type Intent struct {
	Type string `json:"type"`

	Text        string    `json:"text,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	TokenID     string    `json:"tokenId,omitempty"`
	TokenKind   string    `json:"tokenKind,omitempty"`
	X           float64   `json:"x,omitempty"`
	Y           float64   `json:"y,omitempty"`
	TargetID    uuid.UUID `json:"targetId,omitempty"`
	Stat        string    `json:"stat,omitempty"`
	Delta       int       `json:"delta,omitempty"`
	Approve     bool      `json:"approve,omitempty"`
	Participant string    `json:"participant,omitempty"`
}

// Event is one message pushed to the UI.
type Event struct {
	Type     string            `json:"type"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Text     string            `json:"text,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Server bridges UI connections to the local node. Transient events are
// fanned out to every attached connection, so a second UI (a spectator
// view, a reconnecting tab) misses nothing.
type Server struct {
	node *session.Node
	orch *turn.Orchestrator
	self models.Participant
	log  *logrus.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// New creates the gateway for this node's participant.
func New(node *session.Node, orch *turn.Orchestrator, self models.Participant, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		node: node,
		orch: orch,
		self: self,
		log:  log,
		subs: make(map[int]chan Event),
	}
	node.OnArenaWarning = func() {
		s.push(Event{Type: "arena_warning", Text: "waiting on dice rolls"})
	}
	node.OnArenaClosed = func(expired bool) {
		if expired {
			s.push(Event{Type: "arena_expired"})
		} else {
			s.push(Event{Type: "arena_closed"})
		}
	}
	if orch != nil {
		orch.OnTypingChunk = func(partial string) {
			s.push(Event{Type: "narration_typing", Text: partial})
		}
		orch.OnNarrationError = func(err error) {
			s.push(Event{Type: "narration_error", Error: err.Error()})
		}
	}
	return s
}

// subscribe registers an event channel for one connection.
func (s *Server) subscribe() (int, chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// push queues an event for every attached UI, dropping per connection
// when one cannot keep up.
func (s *Server) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ServeHTTP upgrades the UI connection and runs read/write loops until
// the connection or request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ui websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	id, events := s.subscribe()
	defer s.unsubscribe(id)
	go s.writeLoop(ctx, conn, events)

	for {
		var intent Intent
		if err := wsjson.Read(ctx, conn, &intent); err != nil {
			return
		}
		s.handleIntent(ctx, intent)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan Event) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			snap := s.node.Machine().Snapshot()
			if err := wsjson.Write(ctx, conn, Event{Type: "snapshot", Snapshot: &snap}); err != nil {
				return
			}
		}
	}
}

// handleIntent maps a UI intent onto the local mutation paths.
func (s *Server) handleIntent(ctx context.Context, intent Intent) {
	switch intent.Type {
	case "chat":
		now := time.Now()
		s.node.Do(ctx, &protocol.Chat{Event: models.ChatEvent{
			ID:        models.NewChatEventID(string(s.node.Origin), now),
			SenderID:  s.self.ID,
			Channel:   models.ChannelParty,
			Kind:      models.ChatUser,
			Text:      intent.Text,
			Timestamp: now,
		}})
	case "roll":
		kind, err := dice.ParseKind(intent.Kind)
		if err != nil {
			s.push(Event{Type: "error", Error: err.Error()})
			return
		}
		if _, err := s.node.InitiateRoll(ctx, s.self.ID, kind); err != nil {
			s.push(Event{Type: "error", Error: err.Error()})
		}
	case "move_token":
		s.node.Do(ctx, &protocol.MoveToken{TokenID: intent.TokenID, X: intent.X, Y: intent.Y})
	case "spawn_token":
		s.node.Do(ctx, &protocol.SpawnToken{Token: models.TokenPosition{
			TokenID: intent.TokenID,
			Kind:    intent.TokenKind,
			X:       intent.X,
			Y:       intent.Y,
		}})
	case "clear_tokens":
		s.node.Do(ctx, &protocol.ClearTokens{})
	case "stat_change":
		s.node.Do(ctx, &protocol.StatChange{TargetID: intent.TargetID, Stat: intent.Stat, Delta: intent.Delta})
	case "cursor":
		s.node.Do(ctx, &protocol.CursorMove{ParticipantID: s.self.ID, X: intent.X, Y: intent.Y})
	case "submit_action":
		if s.orch != nil {
			s.orch.SubmitAction(ctx, s.self.DisplayName, intent.Text)
		} else {
			s.node.Do(ctx, &protocol.TurnAction{Participant: s.self.DisplayName, Text: intent.Text})
		}
	case "retry_narration":
		if s.orch != nil {
			s.orch.Retry(ctx)
		}
	case "vote_start":
		s.node.Do(ctx, &protocol.Vote{Kind: protocol.VoteStart, VoterID: s.self.ID})
	case "vote_cast":
		s.node.Do(ctx, &protocol.Vote{Kind: protocol.VoteCast, VoterID: s.self.ID, Approve: intent.Approve})
	case "vote_cancel":
		s.node.Do(ctx, &protocol.Vote{Kind: protocol.VoteCancel, VoterID: s.self.ID})
	default:
		s.log.WithField("intent", intent.Type).Debug("ignoring unknown ui intent")
	}
}
