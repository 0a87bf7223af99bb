package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"
)

// MemoryStore keeps feedback in process.
type MemoryStore struct {
	mu   sync.Mutex
	rows []*Feedback
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Create(_ context.Context, f *Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.SessionID == f.SessionID && r.ReviewerID == f.ReviewerID {
			return ErrDuplicate
		}
	}
	cp := *f
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *MemoryStore) AverageRating(_ context.Context, revieweeID string) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum, n int
	for _, r := range m.rows {
		if r.RevieweeID == revieweeID {
			sum += r.Rating
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(n), n, nil
}

// PostgresStore persists feedback in the feedback table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, f *Feedback) error {
	const query = `
		INSERT INTO feedback (id, session_id, reviewer_id, reviewee_id, rating,
			helpfulness, empathy, safety, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.SessionID, f.ReviewerID, f.RevieweeID, f.Rating,
		nullInt(f.Helpfulness), nullInt(f.Empathy), nullInt(f.Safety),
		sql.NullString{String: f.Comment, Valid: f.Comment != ""}, f.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("feedback: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) AverageRating(ctx context.Context, revieweeID string) (float64, int, error) {
	const query = `SELECT COALESCE(AVG(rating), 0), COUNT(*) FROM feedback WHERE reviewee_id = $1`
	var (
		avg float64
		n   int
	)
	if err := s.db.QueryRowContext(ctx, query, revieweeID).Scan(&avg, &n); err != nil {
		return 0, 0, fmt.Errorf("feedback: average rating: %w", err)
	}
	return avg, n, nil
}

func nullInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}
