package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// TurnStore is conversation memory backed by SQLite.
type TurnStore struct {
	db *DB
}

// NewTurnStore creates a turn store using the given database.
func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{db: db}
}

// Append adds a turn to its session's history.
func (s *TurnStore) Append(ctx context.Context, turn domain.Turn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO turns (session_id, user_id, message_id, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.UserID, turn.MessageID, turn.Role, turn.Content,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent turns of a session, oldest first.
// A limit <= 0 returns the whole history.
func (s *TurnStore) Recent(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT session_id, user_id, message_id, role, content, timestamp
		 FROM turns WHERE session_id = ?
		 ORDER BY id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t  domain.Turn
			ts string
		)
		if err := rows.Scan(&t.SessionID, &t.UserID, &t.MessageID, &t.Role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// Count returns the number of stored turns for a session.
func (s *TurnStore) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}
