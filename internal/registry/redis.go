package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
)

const maxTxRetries = 16

// Redis is a Registry shared by every gateway and worker instance.
//
// Layout: conn:{id} is a hash holding the record, session:{sid}:conns and
// user:{uid}:conns are sets of connection ids. Mutations WATCH the record
// key and commit the record and both indexes in one MULTI/EXEC.
type Redis struct {
	client *redis.Client
	log    *logging.Logger
	now    func() time.Time
}

// NewRedis creates a registry on an existing client.
func NewRedis(client *redis.Client, log *logging.Logger) *Redis {
	return &Redis{client: client, log: log.Sub("registry"), now: time.Now}
}

func connKey(id string) string { return fmt.Sprintf("conn:%s", id) }
func sessionKey(sessionID string) string { return fmt.Sprintf("session:%s:conns", sessionID) }
func userKey(userID string) string { return fmt.Sprintf("user:%s:conns", userID) }

func (r *Redis) Put(ctx context.Context, c domain.Connection) error {
	return r.watch(ctx, c.ConnectionID, func(tx *redis.Tx) error {
		old, found, err := readConn(ctx, tx, c.ConnectionID)
		if err != nil {
			return err
		}
		return r.write(ctx, tx, c, old, found)
	})
}

func (r *Redis) PutIfAbsent(ctx context.Context, c domain.Connection) (bool, error) {
	created := false
	err := r.watch(ctx, c.ConnectionID, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, connKey(c.ConnectionID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			created = false
			return nil
		}
		created = true
		return r.write(ctx, tx, c, domain.Connection{}, false)
	})
	return created, err
}

func (r *Redis) Get(ctx context.Context, connID string) (domain.Connection, error) {
	fields, err := r.client.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return domain.Connection{}, fmt.Errorf("registry get %s: %w", connID, err)
	}
	if len(fields) == 0 {
		return domain.Connection{}, ErrNotFound
	}
	return decodeConn(connID, fields)
}

func (r *Redis) Remove(ctx context.Context, connID string) error {
	return r.watch(ctx, connID, func(tx *redis.Tx) error {
		old, found, err := readConn(ctx, tx, connID)
		if err != nil || !found {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, connKey(connID))
			unindex(ctx, pipe, old)
			return nil
		})
		return err
	})
}

func (r *Redis) Touch(ctx context.Context, connID string) error {
	return r.update(ctx, connID, func(c *domain.Connection) {
		c.LastActivity = r.now()
		c.Status = domain.StatusConnected
	})
}

func (r *Redis) SetStatus(ctx context.Context, connID string, status domain.ConnectionStatus) error {
	return r.update(ctx, connID, func(c *domain.Connection) {
		c.Status = status
	})
}

func (r *Redis) SetSession(ctx context.Context, connID, sessionID string) (string, error) {
	var prev string
	err := r.watch(ctx, connID, func(tx *redis.Tx) error {
		old, found, err := readConn(ctx, tx, connID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		prev = old.SessionID
		next := old
		next.SessionID = sessionID
		next.LastActivity = r.now()
		return r.write(ctx, tx, next, old, true)
	})
	return prev, err
}

func (r *Redis) ConnectionsForSession(ctx context.Context, sessionID string) ([]string, error) {
	return r.members(ctx, sessionKey(sessionID))
}

func (r *Redis) ConnectionsForUser(ctx context.Context, userID string) ([]string, error) {
	return r.members(ctx, userKey(userID))
}

// members reads an index set and drops ids whose record has vanished.
func (r *Redis) members(ctx context.Context, key string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("registry members %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.Exists(ctx, connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("registry members %s: %w", key, err)
	}

	live := ids[:0]
	var dead []any
	for i, id := range ids {
		if checks[i].Val() > 0 {
			live = append(live, id)
		} else {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		// Best effort; the next read repeats the repair.
		if err := r.client.SRem(ctx, key, dead...).Err(); err != nil {
			r.log.Debug().Err(err).Str("key", key).Int("stale", len(dead)).Msg("index repair failed")
		}
	}
	slices.Sort(live)
	return live, nil
}

// update applies fn to an existing record without touching the indexes.
func (r *Redis) update(ctx context.Context, connID string, fn func(*domain.Connection)) error {
	return r.watch(ctx, connID, func(tx *redis.Tx) error {
		c, found, err := readConn(ctx, tx, connID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		fn(&c)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, connKey(connID), encodeConn(c))
			return nil
		})
		return err
	})
}

// write replaces the record and moves index entries from old to c.
func (r *Redis) write(ctx context.Context, tx *redis.Tx, c, old domain.Connection, hadOld bool) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if hadOld {
			unindex(ctx, pipe, old)
		}
		key := connKey(c.ConnectionID)
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeConn(c))
		if c.SessionID != "" {
			pipe.SAdd(ctx, sessionKey(c.SessionID), c.ConnectionID)
		}
		if c.UserID != "" {
			pipe.SAdd(ctx, userKey(c.UserID), c.ConnectionID)
		}
		return nil
	})
	return err
}

// watch runs fn under WATCH on the record key, retrying on conflict.
func (r *Redis) watch(ctx context.Context, connID string, fn func(*redis.Tx) error) error {
	for range maxTxRetries {
		err := r.client.Watch(ctx, fn, connKey(connID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("registry %s: %w", connID, err)
		}
		return err
	}
	return fmt.Errorf("registry %s: transaction conflict retries exhausted", connID)
}

func unindex(ctx context.Context, pipe redis.Pipeliner, c domain.Connection) {
	if c.SessionID != "" {
		pipe.SRem(ctx, sessionKey(c.SessionID), c.ConnectionID)
	}
	if c.UserID != "" {
		pipe.SRem(ctx, userKey(c.UserID), c.ConnectionID)
	}
}

func readConn(ctx context.Context, tx *redis.Tx, connID string) (domain.Connection, bool, error) {
	fields, err := tx.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return domain.Connection{}, false, err
	}
	if len(fields) == 0 {
		return domain.Connection{}, false, nil
	}
	c, err := decodeConn(connID, fields)
	return c, err == nil, err
}

func encodeConn(c domain.Connection) map[string]any {
	fields := map[string]any{
		"userId":       c.UserID,
		"sessionId":    c.SessionID,
		"connectedAt":  c.ConnectedAt.UTC().Format(time.RFC3339Nano),
		"lastActivity": c.LastActivity.UTC().Format(time.RFC3339Nano),
		"status":       string(c.Status),
		"metadata":     "",
	}
	if len(c.Metadata) > 0 {
		raw, _ := json.Marshal(c.Metadata)
		fields["metadata"] = string(raw)
	}
	return fields
}

func decodeConn(connID string, fields map[string]string) (domain.Connection, error) {
	c := domain.Connection{
		ConnectionID: connID,
		UserID:       fields["userId"],
		SessionID:    fields["sessionId"],
		Status:       domain.ConnectionStatus(fields["status"]),
	}
	var err error
	if c.ConnectedAt, err = time.Parse(time.RFC3339Nano, fields["connectedAt"]); err != nil {
		return c, fmt.Errorf("decoding connectedAt for %s: %w", connID, err)
	}
	if c.LastActivity, err = time.Parse(time.RFC3339Nano, fields["lastActivity"]); err != nil {
		return c, fmt.Errorf("decoding lastActivity for %s: %w", connID, err)
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Metadata); err != nil {
			return c, fmt.Errorf("decoding metadata for %s: %w", connID, err)
		}
	}
	return c, nil
}
