// Package sqlite implements an embedded FIFO broker backed by SQLite.
//
// It is a real broker, not a test double: messages are persisted, claimed
// with row-level locking so only one consumer per message group holds a row
// at a time, and redelivered when a visibility timeout lapses. It exists so
// a single-node deployment can run without any external queue
// infrastructure.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	queue          TEXT NOT NULL,
	group_id       TEXT NOT NULL DEFAULT '',
	dedup_id       TEXT,
	body           BLOB NOT NULL,
	visible_at     INTEGER NOT NULL,
	inflight_owner TEXT,
	enqueued_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
	ON messages(queue, dedup_id) WHERE dedup_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_claim
	ON messages(queue, visible_at, inflight_owner);
`

// Broker owns the SQLite database shared by publishers and consumers.
type Broker struct {
	db *sql.DB

	// visibilityTimeout is how long a claimed row stays invisible before
	// it returns to the queue.
	visibilityTimeout time.Duration
}

// BrokerConfig configures the embedded broker.
type BrokerConfig struct {
	// Path is the database file. ":memory:" is accepted but only useful
	// in tests since each connection would otherwise see its own store;
	// a shared cache is forced for in-memory databases.
	Path string

	// VisibilityTimeout is applied to every claimed message.
	VisibilityTimeout time.Duration
}

// NewBroker opens (and if needed creates) the broker database.
func NewBroker(cfg *BrokerConfig) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: nil broker config")
	}
	path := cfg.Path
	if path == "" {
		path = "./data/queue.db"
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite serializes writers; a single connection avoids most
	// SQLITE_BUSY churn without hurting this workload.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}

	slog.Info("Embedded SQLite broker ready", "path", path, "visibilityTimeout", visibility)

	return &Broker{db: db, visibilityTimeout: visibility}, nil
}

// Enqueue inserts a message. A duplicate dedup ID within the same queue is
// collapsed silently, mirroring FIFO-queue deduplication semantics.
func (b *Broker) Enqueue(ctx context.Context, queueName, groupID, dedupID string, body []byte) error {
	now := time.Now().UnixMilli()

	var dedup interface{}
	if dedupID != "" {
		dedup = dedupID
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (queue, group_id, dedup_id, body, visible_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		queueName, groupID, dedup, body, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return nil
}

// claimedRow is one message handed to a consumer.
type claimedRow struct {
	id      int64
	groupID string
	body    []byte
}

// Claim atomically selects up to maxMessages visible rows and marks them
// in-flight for owner. Groups that already have an in-flight row anywhere
// are skipped entirely so one consumer per group holds rows at a time; the
// conditional UPDATE guarantees that two concurrent consumers competing
// for the same row see exactly one winner.
func (b *Broker) Claim(ctx context.Context, queueName, owner string, maxMessages int) ([]claimedRow, error) {
	now := time.Now().UnixMilli()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, group_id, body FROM messages
		WHERE queue = ?
		  AND visible_at <= ?
		  AND inflight_owner IS NULL
		  AND group_id NOT IN (
			SELECT DISTINCT group_id FROM messages
			WHERE queue = ? AND inflight_owner IS NOT NULL
		  )
		ORDER BY id
		LIMIT ?`,
		queueName, now, queueName, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select claimable: %w", err)
	}

	var candidates []claimedRow
	seenGroups := make(map[string]bool)
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.id, &r.groupID, &r.body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan claimable: %w", err)
		}
		// Within one claim batch, take only the head of each group;
		// the rest stay queued behind it.
		if seenGroups[r.groupID] {
			continue
		}
		seenGroups[r.groupID] = true
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate claimable: %w", err)
	}

	invisibleUntil := now + b.visibilityTimeout.Milliseconds()

	claimed := candidates[:0]
	for _, r := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET inflight_owner = ?, visible_at = ?
			WHERE id = ? AND inflight_owner IS NULL`,
			owner, invisibleUntil, r.id)
		if err != nil {
			return nil, fmt.Errorf("sqlite: claim row: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, r)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}

	return claimed, nil
}

// Ack deletes a claimed row. Acking a row that no longer exists (double
// ack, or the claim expired and another consumer finished it) is not an
// error.
func (b *Broker) Ack(ctx context.Context, id int64, owner string) error {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id = ? AND inflight_owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("sqlite: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Ack for unowned or missing message", "id", id, "owner", owner)
	}
	return nil
}

// Nack releases a claimed row back to the queue after delay.
func (b *Broker) Nack(ctx context.Context, id int64, owner string, delay time.Duration) error {
	visibleAt := time.Now().Add(delay).UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		UPDATE messages SET inflight_owner = NULL, visible_at = ?
		WHERE id = ? AND inflight_owner = ?`,
		visibleAt, id, owner)
	if err != nil {
		return fmt.Errorf("sqlite: nack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Nack for unowned or missing message", "id", id, "owner", owner)
	}
	return nil
}

// Extend pushes out the visibility deadline of a claimed row.
func (b *Broker) Extend(ctx context.Context, id int64, owner string, d time.Duration) error {
	visibleAt := time.Now().Add(d).UnixMilli()
	_, err := b.db.ExecContext(ctx, `
		UPDATE messages SET visible_at = ?
		WHERE id = ? AND inflight_owner = ?`,
		visibleAt, id, owner)
	if err != nil {
		return fmt.Errorf("sqlite: extend: %w", err)
	}
	return nil
}

// ReleaseExpired returns rows whose visibility deadline passed to the
// queue. Called opportunistically from the consume loop.
func (b *Broker) ReleaseExpired(ctx context.Context, queueName string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		UPDATE messages SET inflight_owner = NULL
		WHERE queue = ? AND inflight_owner IS NOT NULL AND visible_at <= ?`,
		queueName, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: release expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("Released expired in-flight messages", "queue", queueName, "count", n)
	}
	return n, nil
}

// Depth returns the number of messages currently stored for a queue.
func (b *Broker) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE queue = ?`, queueName).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (b *Broker) Close() error {
	return b.db.Close()
}
