package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/telemetry"
)

// AsyncStateStore is the persistent, SQLite-backed queue used by the
// injection router and observation history (spec §4.5 "async_state:*").
// Grounded on nugget-thane-ai-agent's use of modernc.org/sqlite as the
// pack's pure-Go SQLite driver; no repo in the pack pairs this with an
// in-memory KV, so the queue schema itself is original.
type AsyncStateStore struct {
	db  *sql.DB
	log telemetry.Logger
}

// AsyncItem is one entry in an async_state queue.
type AsyncItem struct {
	ID        int64
	Namespace string
	Key       string
	Value     map[string]any
	PushedAt  time.Time
	ExpiresAt time.Time // zero means no expiry
}

// OpenAsyncStateStore opens (creating if necessary) the SQLite database at
// path and ensures the queue table/index exist.
func OpenAsyncStateStore(path string, log telemetry.Logger) (*AsyncStateStore, error) {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ksierr.Wrap(ksierr.HandlerError, "open async_state database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across connections

	const schema = `
CREATE TABLE IF NOT EXISTS async_state_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	pushed_at   INTEGER NOT NULL,
	expires_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_async_state_queue_ns_key ON async_state_queue(namespace, key, id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, ksierr.Wrap(ksierr.HandlerError, "create async_state schema", err)
	}
	return &AsyncStateStore{db: db, log: log}, nil
}

// Close releases the underlying database handle.
func (a *AsyncStateStore) Close() error { return a.db.Close() }

// Push appends value to the tail of namespace/key's queue. A zero ttl means
// the entry never expires.
func (a *AsyncStateStore) Push(ctx context.Context, namespace, key string, value map[string]any, ttl time.Duration) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return ksierr.Wrap(ksierr.InvalidJSON, "value is not JSON-representable", err)
	}
	now := time.Now().UTC()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(ttl).Unix(), Valid: true}
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO async_state_queue (namespace, key, value, pushed_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		namespace, key, string(buf), now.Unix(), expiresAt,
	)
	if err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "push async_state item", err)
	}
	return nil
}

// Pop removes and returns the oldest non-expired entry in namespace/key's
// queue, pruning expired entries it encounters along the way.
func (a *AsyncStateStore) Pop(ctx context.Context, namespace, key string) (*AsyncItem, error) {
	for {
		row := a.db.QueryRowContext(ctx,
			`SELECT id, value, pushed_at, expires_at FROM async_state_queue
			 WHERE namespace = ? AND key = ? ORDER BY id ASC LIMIT 1`,
			namespace, key,
		)
		var (
			id        int64
			valueJSON string
			pushedAt  int64
			expiresAt sql.NullInt64
		)
		if err := row.Scan(&id, &valueJSON, &pushedAt, &expiresAt); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, ksierr.Wrap(ksierr.HandlerError, "pop async_state item", err)
		}
		if _, err := a.db.ExecContext(ctx, `DELETE FROM async_state_queue WHERE id = ?`, id); err != nil {
			return nil, ksierr.Wrap(ksierr.HandlerError, "delete popped async_state item", err)
		}
		if expiresAt.Valid && expiresAt.Int64 < time.Now().UTC().Unix() {
			// Expired before we got to it; skip and try the next item.
			continue
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, ksierr.Wrap(ksierr.InvalidJSON, "stored async_state value is corrupt", err)
		}
		item := &AsyncItem{
			ID:        id,
			Namespace: namespace,
			Key:       key,
			Value:     value,
			PushedAt:  time.Unix(pushedAt, 0).UTC(),
		}
		if expiresAt.Valid {
			item.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
		}
		return item, nil
	}
}

// GetQueue returns every non-expired entry in namespace/key's queue,
// oldest first, without removing them (spec §4.5 "async_state:get_queue").
func (a *AsyncStateStore) GetQueue(ctx context.Context, namespace, key string) ([]AsyncItem, error) {
	now := time.Now().UTC().Unix()
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, value, pushed_at, expires_at FROM async_state_queue
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at >= ?)
		 ORDER BY id ASC`,
		namespace, key, now,
	)
	if err != nil {
		return nil, ksierr.Wrap(ksierr.HandlerError, "query async_state queue", err)
	}
	defer rows.Close()

	var out []AsyncItem
	for rows.Next() {
		var (
			id        int64
			valueJSON string
			pushedAt  int64
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&id, &valueJSON, &pushedAt, &expiresAt); err != nil {
			return nil, ksierr.Wrap(ksierr.HandlerError, "scan async_state row", err)
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return nil, ksierr.Wrap(ksierr.InvalidJSON, "stored async_state value is corrupt", err)
		}
		item := AsyncItem{ID: id, Namespace: namespace, Key: key, Value: value, PushedAt: time.Unix(pushedAt, 0).UTC()}
		if expiresAt.Valid {
			item.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteItem removes a single queue entry by its row id, used by callers
// (the injection router) that peek via GetQueue and then selectively
// discard only the entries they actually delivered.
func (a *AsyncStateStore) DeleteItem(ctx context.Context, id int64) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM async_state_queue WHERE id = ?`, id); err != nil {
		return ksierr.Wrap(ksierr.HandlerError, "delete async_state item", err)
	}
	return nil
}

// Clear removes every entry in namespace/key's queue, returning the count
// removed (spec §4.4 "injection:clear").
func (a *AsyncStateStore) Clear(ctx context.Context, namespace, key string) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM async_state_queue WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return 0, ksierr.Wrap(ksierr.HandlerError, "clear async_state queue", err)
	}
	return res.RowsAffected()
}

// PruneExpired deletes every expired entry across all queues. Intended to
// run periodically (spec §4.5 "TTL-based pruning").
func (a *AsyncStateStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM async_state_queue WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now().UTC().Unix())
	if err != nil {
		return 0, ksierr.Wrap(ksierr.HandlerError, "prune expired async_state items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.log.Debug(ctx, "pruned expired async_state items", "count", n)
	}
	return n, nil
}

// RunPruner starts a goroutine that calls PruneExpired every interval until
// ctx is cancelled.
func (a *AsyncStateStore) RunPruner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.PruneExpired(ctx); err != nil {
					a.log.Warn(ctx, "async_state prune failed", "error", err)
				}
			}
		}
	}()
}
