package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyeahso/tutorchat/internal/domain"
)

// DeadLetterStore keeps dead letters in SQLite.
type DeadLetterStore struct {
	db *DB
}

// NewDeadLetterStore creates a dead-letter sink using the given database.
func NewDeadLetterStore(db *DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// PutDeadLetter records a dead letter.
func (s *DeadLetterStore) PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	msg, err := json.Marshal(dl.Message)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO dead_letters (message_id, session_id, failure_reason, failed_at, final_retry_count, message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		dl.Message.MessageID, dl.Message.SessionID, dl.FailureReason,
		dl.FailedAt.UTC().Format(time.RFC3339Nano), dl.FinalRetryCount, string(msg),
	)
	if err != nil {
		return fmt.Errorf("storing dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (s *DeadLetterStore) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT failure_reason, failed_at, final_retry_count, message
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl       domain.DeadLetter
			failedAt string
			msg      string
		)
		if err := rows.Scan(&dl.FailureReason, &failedAt, &dl.FinalRetryCount, &msg); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(msg), &dl.Message); err != nil {
			return nil, fmt.Errorf("decoding dead letter: %w", err)
		}
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}
