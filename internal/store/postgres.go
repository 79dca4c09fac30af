package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
)

// Postgres implements Store on a pgx connection pool. The change feed
// rides LISTEN/NOTIFY: every write NOTIFYs the per-session channel so
// other nodes can refresh late-join snapshots.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool, log *logrus.Logger) *Postgres {
	if log == nil {
		log = logrus.New()
	}
	return &Postgres{pool: pool, log: log}
}

// Schema creates the tables this store expects. Intended for dev and
// test databases; production runs migrations out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	host_id UUID NOT NULL,
	status TEXT NOT NULL,
	gm_kind TEXT NOT NULL,
	max_participants INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
	session_id UUID NOT NULL REFERENCES sessions(id),
	id UUID NOT NULL,
	display_name TEXT NOT NULL,
	ready BOOLEAN NOT NULL DEFAULT FALSE,
	role TEXT NOT NULL,
	PRIMARY KEY (session_id, id)
);
CREATE TABLE IF NOT EXISTS chat_events (
	session_id UUID NOT NULL REFERENCES sessions(id),
	id TEXT NOT NULL,
	sender_id UUID NOT NULL,
	channel TEXT NOT NULL,
	kind TEXT NOT NULL,
	text TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, id)
);
CREATE TABLE IF NOT EXISTS tokens (
	session_id UUID NOT NULL REFERENCES sessions(id),
	token_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	x DOUBLE PRECISION NOT NULL,
	y DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (session_id, token_id)
);
`

// Init applies the schema.
func (s *Postgres) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func notifyChannel(sessionID uuid.UUID) string {
	// Channel identifiers cannot contain dashes.
	return "session_" + strings.ReplaceAll(sessionID.String(), "-", "")
}

// notify publishes a row-change notification; failures are logged, not
// returned, because the write itself already succeeded.
func (s *Postgres) notify(ctx context.Context, sessionID uuid.UUID, table, key, op string) {
	change := RowChange{Table: table, Key: key, Op: op, At: time.Now().UTC()}
	payload, err := json.Marshal(change)
	if err != nil {
		s.log.WithError(err).Warn("marshal row change")
		return
	}
	_, err = s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel(sessionID), string(payload))
	if err != nil {
		s.log.WithError(err).WithField("table", table).Warn("row change notify failed")
	}
}

// CreateSession inserts a new session row.
func (s *Postgres) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, host_id, status, gm_kind, max_participants, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.HostID, sess.Status, sess.GMKind, sess.MaxParticipants, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.notify(ctx, sess.ID, "sessions", sess.ID.String(), "insert")
	return nil
}

// GetSession loads one session row.
func (s *Postgres) GetSession(ctx context.Context, id uuid.UUID) (models.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, host_id, status, gm_kind, max_participants, created_at
		 FROM sessions WHERE id = $1`, id)
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.HostID, &sess.Status, &sess.GMKind, &sess.MaxParticipants, &sess.CreatedAt)
	if err != nil {
		return models.Session{}, fmt.Errorf("select session: %w", err)
	}
	return sess, nil
}

// UpdateSessionStatus transitions the durable session status.
func (s *Postgres) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	s.notify(ctx, id, "sessions", id.String(), "update")
	return nil
}

// UpsertParticipant inserts or refreshes a participant row.
func (s *Postgres) UpsertParticipant(ctx context.Context, sessionID uuid.UUID, p models.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (session_id, id, display_name, ready, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, id) DO UPDATE
		 SET display_name = EXCLUDED.display_name, ready = EXCLUDED.ready, role = EXCLUDED.role`,
		sessionID, p.ID, p.DisplayName, p.Ready, p.Role)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	s.notify(ctx, sessionID, "participants", p.ID.String(), "update")
	return nil
}

// RemoveParticipant deletes a participant row.
func (s *Postgres) RemoveParticipant(ctx context.Context, sessionID, participantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM participants WHERE session_id = $1 AND id = $2`, sessionID, participantID)
	if err != nil {
		return fmt.Errorf("delete participant: %w", err)
	}
	s.notify(ctx, sessionID, "participants", participantID.String(), "delete")
	return nil
}

// SetParticipantReady updates the durable ready flag.
func (s *Postgres) SetParticipantReady(ctx context.Context, sessionID, participantID uuid.UUID, ready bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE participants SET ready = $3 WHERE session_id = $1 AND id = $2`,
		sessionID, participantID, ready)
	if err != nil {
		return fmt.Errorf("update participant ready: %w", err)
	}
	s.notify(ctx, sessionID, "participants", participantID.String(), "update")
	return nil
}

// ListParticipants loads every participant of a session.
func (s *Postgres) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, ready, role FROM participants WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Ready, &p.Role); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertChatEvent appends a chat event; a duplicate ID is a no-op so the
// write-behind path can retry safely.
func (s *Postgres) InsertChatEvent(ctx context.Context, sessionID uuid.UUID, ev models.ChatEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_events (session_id, id, sender_id, channel, kind, text, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, id) DO NOTHING`,
		sessionID, ev.ID, ev.SenderID, ev.Channel, ev.Kind, ev.Text, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert chat event: %w", err)
	}
	s.notify(ctx, sessionID, "chat_events", ev.ID, "insert")
	return nil
}

// ListChatEvents loads the full ordered chat history of a session.
func (s *Postgres) ListChatEvents(ctx context.Context, sessionID uuid.UUID) ([]models.ChatEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, channel, kind, text, ts
		 FROM chat_events WHERE session_id = $1 ORDER BY ts ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select chat events: %w", err)
	}
	defer rows.Close()

	var out []models.ChatEvent
	for rows.Next() {
		var ev models.ChatEvent
		if err := rows.Scan(&ev.ID, &ev.SenderID, &ev.Channel, &ev.Kind, &ev.Text, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertToken writes a token position, last-write-wins.
func (s *Postgres) UpsertToken(ctx context.Context, sessionID uuid.UUID, tok models.TokenPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (session_id, token_id, kind, x, y)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, token_id) DO UPDATE
		 SET kind = EXCLUDED.kind, x = EXCLUDED.x, y = EXCLUDED.y`,
		sessionID, tok.TokenID, tok.Kind, tok.X, tok.Y)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	s.notify(ctx, sessionID, "tokens", tok.TokenID, "update")
	return nil
}

// UpdateTokenPosition moves an existing token without touching its kind.
// Moving a token the store never saw is a no-op, matching the reducer.
func (s *Postgres) UpdateTokenPosition(ctx context.Context, sessionID uuid.UUID, tokenID string, x, y float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tokens SET x = $3, y = $4 WHERE session_id = $1 AND token_id = $2`,
		sessionID, tokenID, x, y)
	if err != nil {
		return fmt.Errorf("update token position: %w", err)
	}
	s.notify(ctx, sessionID, "tokens", tokenID, "update")
	return nil
}

// ClearTokens removes every token row for the session.
func (s *Postgres) ClearTokens(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	s.notify(ctx, sessionID, "tokens", "*", "delete")
	return nil
}

// ListTokens loads every token position for the session.
func (s *Postgres) ListTokens(ctx context.Context, sessionID uuid.UUID) ([]models.TokenPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token_id, kind, x, y FROM tokens WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}
	defer rows.Close()

	var out []models.TokenPosition
	for rows.Next() {
		var tok models.TokenPosition
		if err := rows.Scan(&tok.TokenID, &tok.Kind, &tok.X, &tok.Y); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// Watch subscribes to the session's row-change feed over LISTEN/NOTIFY.
// The channel closes when ctx is done or the connection drops; the
// caller re-subscribes if it still cares.
func (s *Postgres) Watch(ctx context.Context, sessionID uuid.UUID) (<-chan RowChange, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel(sessionID)}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	out := make(chan RowChange)
	go func() {
		defer close(out)
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Warn("row change feed ended")
				}
				return
			}
			var change RowChange
			if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
				s.log.WithError(err).Warn("dropping undecodable row change")
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
