package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soyeahso/tutorchat/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id                 BIGSERIAL PRIMARY KEY,
	message_id         TEXT NOT NULL,
	session_id         TEXT NOT NULL,
	failure_reason     TEXT NOT NULL,
	failed_at          TIMESTAMPTZ NOT NULL,
	final_retry_count  INTEGER NOT NULL,
	message            JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_message ON dead_letters (message_id);
`

// PostgresDeadLetters keeps dead letters in PostgreSQL so several gateway
// and worker instances share one inspectable sink.
type PostgresDeadLetters struct {
	pool *pgxpool.Pool
}

// NewPostgresDeadLetters connects to databaseURL and ensures the schema.
func NewPostgresDeadLetters(ctx context.Context, databaseURL string) (*PostgresDeadLetters, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating dead_letters table: %w", err)
	}
	return &PostgresDeadLetters{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresDeadLetters) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresDeadLetters) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresDeadLetters) PutDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	msg, err := json.Marshal(dl.Message)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (message_id, session_id, failure_reason, failed_at, final_retry_count, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dl.Message.MessageID, dl.Message.SessionID, dl.FailureReason, dl.FailedAt, dl.FinalRetryCount, msg)
	if err != nil {
		return fmt.Errorf("storing dead letter: %w", err)
	}
	return nil
}

func (s *PostgresDeadLetters) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT failure_reason, failed_at, final_retry_count, message
		FROM dead_letters ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl  domain.DeadLetter
			msg []byte
		)
		if err := rows.Scan(&dl.FailureReason, &dl.FailedAt, &dl.FinalRetryCount, &msg); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		if err := json.Unmarshal(msg, &dl.Message); err != nil {
			return nil, fmt.Errorf("decoding dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
