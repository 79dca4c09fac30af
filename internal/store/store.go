// Package store is the durable-record surface the live protocol reconciles
// into: keyed insert/update/upsert, equality-filtered selects, and a
// row-change feed. Clients bootstrap entirely from here on load; the
// broadcast transport keeps no history to replay.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
)

// RowChange is one entry of the change-notification feed.
type RowChange struct {
	Table string    `json:"table"`
	Key   string    `json:"key"`
	Op    string    `json:"op"` // insert, update, delete
	At    time.Time `json:"at"`
}

// Store is the durable record surface consumed by the reconciler and the
// late-join bootstrap. Conflict policy is last-write-wins at the row
// level; there is no merge.
type Store interface {
	CreateSession(ctx context.Context, sess models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (models.Session, error)
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error

	UpsertParticipant(ctx context.Context, sessionID uuid.UUID, p models.Participant) error
	RemoveParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error
	SetParticipantReady(ctx context.Context, sessionID, participantID uuid.UUID, ready bool) error
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error)

	InsertChatEvent(ctx context.Context, sessionID uuid.UUID, ev models.ChatEvent) error
	ListChatEvents(ctx context.Context, sessionID uuid.UUID) ([]models.ChatEvent, error)

	UpsertToken(ctx context.Context, sessionID uuid.UUID, tok models.TokenPosition) error
	UpdateTokenPosition(ctx context.Context, sessionID uuid.UUID, tokenID string, x, y float64) error
	ClearTokens(ctx context.Context, sessionID uuid.UUID) error
	ListTokens(ctx context.Context, sessionID uuid.UUID) ([]models.TokenPosition, error)

	// Watch subscribes to row mutations for one session and delivers them
	// until ctx is done.
	Watch(ctx context.Context, sessionID uuid.UUID) (<-chan RowChange, error)
}
