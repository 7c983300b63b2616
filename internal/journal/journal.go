// Package journal keeps a local SQLite record of pipeline faults. It stores
// failure metadata only; narration text is never written.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
	_ "modernc.org/sqlite"
)

// Entry is one recorded fault.
type Entry struct {
	ID        int64
	Kind      faults.Kind
	Component string
	Message   string
	TraceID   string
	CreatedAt time.Time
}

// Journal wraps the fault table. In ephemeral mode it only keeps per-kind
// counters in memory.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	counts map[faults.Kind]int
}

func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	j := &Journal{cfg: cfg, log: log, clock: time.Now, counts: make(map[faults.Kind]int)}
	if cfg.RetentionMode == "ephemeral" {
		return j, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j.db = db

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS faults (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    component TEXT NOT NULL,
    message TEXT,
    trace_id TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_faults_created ON faults(created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores a fault derived from err. Nil errors are ignored.
func (j *Journal) Record(ctx context.Context, component, traceID string, err error) error {
	if j == nil || err == nil {
		return nil
	}
	kind := faults.KindOf(err)
	j.mu.Lock()
	j.counts[kind]++
	j.mu.Unlock()

	if j.db == nil {
		return nil
	}
	_, execErr := j.db.ExecContext(ctx,
		`INSERT INTO faults(kind, component, message, trace_id, created_at) VALUES(?, ?, ?, ?, ?)`,
		string(kind), component, err.Error(), traceID, j.clock().UTC().UnixNano())
	if execErr != nil {
		return fmt.Errorf("insert fault: %w", execErr)
	}
	return nil
}

// Count returns how many faults of kind were recorded since start.
func (j *Journal) Count(kind faults.Kind) int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[kind]
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, component, message, trace_id, created_at
		 FROM faults ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var created int64
		if err := rows.Scan(&e.ID, &kind, &e.Component, &e.Message, &e.TraceID, &created); err != nil {
			return nil, err
		}
		e.Kind = faults.Kind(kind)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies retention_days and max_entries.
func (j *Journal) Prune(ctx context.Context) (err error) {
	if j == nil || j.db == nil {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM faults WHERE created_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if j.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM faults WHERE id IN (
			SELECT id FROM faults ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the journal mode matches its backing state.
func (j *Journal) Ensure() error {
	if j.cfg.RetentionMode == "ephemeral" && j.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
