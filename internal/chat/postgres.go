package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists sessions and messages in PostgreSQL. The schema is
// created by the migrations package; partial unique indexes on
// (sharer_id) and (listener_id) WHERE status = 'active' back the
// one-active-session rule.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, sharer_id, listener_id, initiated_by, status, topic, language,
	started_at, ended_at, expires_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	const query = `
		INSERT INTO chat_sessions (id, sharer_id, listener_id, initiated_by, status, topic, language,
			started_at, ended_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.SharerID, sess.ListenerID, sess.InitiatedBy, sess.Status,
		sess.Topic, sess.Language, sess.StartedAt, nullTime(sess.EndedAt), sess.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("chat: insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if !isUUID(id) {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ActiveSessionFor(ctx context.Context, participantID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE status = 'active' AND (sharer_id = $1 OR listener_id = $1)
		LIMIT 1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, id string, endedAt time.Time) (*Session, error) {
	if !isUUID(id) {
		return nil, ErrNotFound
	}
	query := `
		UPDATE chat_sessions SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING ` + sessionColumns
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id, endedAt))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat: end session: %w", err)
	}

	// Nothing updated: tell missing apart from already ended.
	existing, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	return nil, ErrNotActive
}

func (s *PostgresStore) RecentPartners(ctx context.Context, participantID string, since time.Time) ([]string, error) {
	const query = `
		SELECT DISTINCT CASE WHEN sharer_id = $1 THEN listener_id ELSE sharer_id END
		FROM chat_sessions
		WHERE (sharer_id = $1 OR listener_id = $1) AND started_at >= $2`

	rows, err := s.db.QueryContext(ctx, query, participantID, since)
	if err != nil {
		return nil, fmt.Errorf("chat: recent partners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chat: scan partner: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("chat: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PurgeExpired deletes ended sessions past expiry; their messages go with
// them through ON DELETE CASCADE.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM chat_sessions WHERE status = 'ended' AND expires_at <= $1`
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("chat: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	if !isUUID(m.SessionID) {
		return ErrNotFound
	}
	const query = `
		INSERT INTO chat_messages (id, session_id, sender_id, sender_role, content, sent_at, expires_at,
			moderation_status, moderation_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.SessionID, m.SenderID, m.SenderRole, m.Content, m.SentAt, m.ExpiresAt,
		m.ModerationStatus, nullString(m.ModerationReason),
	).Scan(&m.Seq)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]*Message, error) {
	limit = ClampLimit(limit)
	if !isUUID(sessionID) {
		return nil, nil
	}

	const query = `
		SELECT id, seq, session_id, sender_id, sender_role, content, sent_at, expires_at,
			moderation_status, moderation_reason
		FROM chat_messages
		WHERE session_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, sessionID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m      Message
			reason sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.SessionID, &m.SenderID, &m.SenderRole, &m.Content,
			&m.SentAt, &m.ExpiresAt, &m.ModerationStatus, &reason); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		m.ModerationReason = reason.String
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}

	// Newest-first from the query; callers expect chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) RemoveMessage(ctx context.Context, messageID, reason string) error {
	const query = `
		UPDATE chat_messages
		SET moderation_status = 'removed',
			moderation_reason = COALESCE(NULLIF($2, ''), moderation_reason)
		WHERE id = $1`

	if !isUUID(messageID) {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, query, messageID, reason)
	if err != nil {
		return fmt.Errorf("chat: remove message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess     Session
		topic    sql.NullString
		language sql.NullString
		endedAt  sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.SharerID, &sess.ListenerID, &sess.InitiatedBy, &sess.Status,
		&topic, &language, &sess.StartedAt, &endedAt, &sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	sess.Topic = topic.String
	sess.Language = language.String
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUUID reports whether id can be compared with a UUID column. Anything
// else cannot name a stored row.
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.HasPrefix(id, "urn:")
}

func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
