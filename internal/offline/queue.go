package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/fleetsign/fleetlink/internal/constants"
	"github.com/fleetsign/fleetlink/internal/models"
)

// Kinds lists every queue kind accepted by Enqueue and served by the hub's
// intake endpoints.
var Kinds = []string{
	constants.QueueKindDeviceStatus,
	constants.QueueKindLocation,
	constants.QueueKindAdPlayback,
	constants.QueueKindQRScan,
}

func validKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Queue is the on-device durable buffer for telemetry captured while no
// live connection exists. Entries survive process restarts and are removed
// only after the flush path receives a positive acknowledgement. Ordering
// is FIFO within one kind; no ordering holds across kinds or relative to
// the live WebSocket path.
type Queue struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open initializes the queue database, creating directories as needed.
func Open(path string, logger zerolog.Logger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Queue{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// InitSchema ensures the queue table exists.
func (q *Queue) InitSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS offline_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		queued_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_offline_entries_kind ON offline_entries(kind, id);`

	if _, err := q.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init queue schema: %w", err)
	}
	return nil
}

// Enqueue appends one captured event under the given kind.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	if !validKind(kind) {
		return fmt.Errorf("unknown queue kind %q", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queued payload: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO offline_entries (kind, payload, queued_at) VALUES (?, ?, ?)`,
		kind, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s entry: %w", kind, err)
	}

	q.logger.Debug().Str("kind", kind).Msg("Queued offline entry")
	return nil
}

// Pending returns all queued entries of one kind in capture order.
func (q *Queue) Pending(ctx context.Context, kind string) ([]models.QueuedOfflineEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, payload, queued_at FROM offline_entries WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("query %s entries: %w", kind, err)
	}
	defer rows.Close()

	var entries []models.QueuedOfflineEntry
	for rows.Next() {
		var (
			entry    models.QueuedOfflineEntry
			payload  string
			queuedAt string
		)
		if err := rows.Scan(&entry.ID, &entry.Kind, &payload, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan queued entry: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			entry.QueuedTimestamp = ts
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Count returns the number of queued entries of one kind.
func (q *Queue) Count(ctx context.Context, kind string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_entries WHERE kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s entries: %w", kind, err)
	}
	return n, nil
}

// Delete removes one acknowledged entry.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM offline_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queued entry %d: %w", id, err)
	}
	return nil
}

// PruneOlderThan evicts entries older than the given age. A permanently
// offline device would otherwise grow the queue without bound.
func (q *Queue) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_entries WHERE queued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune queued entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn().Int64("evicted", n).Dur("max_age", age).Msg("Evicted expired offline entries")
	}
	return n, nil
}
