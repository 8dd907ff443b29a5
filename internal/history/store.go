// Package history persists terminal tasks, consensus records, conflict
// resolutions and connection lifecycle events to SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-fleet/internal/agents"
	"github.com/basket/go-fleet/internal/conflict"
	"github.com/basket/go-fleet/internal/consensus"
	"github.com/basket/go-fleet/internal/tasks"
)

const (
	schemaVersion  = 1
	schemaChecksum = "gf-v1-2026-10-01-history"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// DefaultDBPath places the database under the gofleet home directory.
func DefaultDBPath(homeDir string) string {
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		homeDir = filepath.Join(home, ".gofleet")
	}
	return filepath.Join(homeDir, "history.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6).
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: %q", schemaVersion, existing)
		}
		return tx.Commit()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			agents TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			state_from TEXT NOT NULL DEFAULT '',
			state_to TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE TABLE IF NOT EXISTS consensus_records (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			decision TEXT NOT NULL,
			confidence REAL NOT NULL,
			votes TEXT NOT NULL,
			absent TEXT NOT NULL DEFAULT '[]',
			reasoning TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consensus_task ON consensus_records(task_id, attempt);`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			strategy TEXT NOT NULL,
			action TEXT NOT NULL,
			description TEXT NOT NULL,
			report TEXT NOT NULL,
			plan TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS connection_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			conn_id TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// RecordTask upserts the task row and appends a state change event.
func (s *Store) RecordTask(ctx context.Context, t *tasks.Task, from tasks.Status) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, name, description, priority, status, agents, dependencies,
				result, error, created_at, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				agents = excluded.agents,
				result = excluded.result,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at,
				updated_at = excluded.updated_at;
		`, t.ID, t.Name, t.Description, int(t.Priority), string(t.Status),
			marshalList(t.AssignedAgents), marshalList(t.Dependencies),
			string(t.Result), t.Error, t.CreatedAt.UTC(),
			nullTime(t.StartedAt), nullTime(t.CompletedAt), now); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, state_from, state_to, error, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, t.ID, string(from), string(t.Status), t.Error, now); err != nil {
			return fmt.Errorf("insert task event: %w", err)
		}
		return tx.Commit()
	})
}

// RecordConsensus stores an attempt. Records are immutable; a duplicate id
// is ignored.
func (s *Store) RecordConsensus(ctx context.Context, rec consensus.Record) error {
	votes, err := json.Marshal(rec.Votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO consensus_records
				(id, task_id, attempt, decision, confidence, votes, absent, reasoning, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.TaskID, rec.Attempt, string(rec.Decision), rec.Confidence,
			string(votes), marshalList(rec.Absent), rec.Reasoning, rec.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert consensus record: %w", err)
		}
		return nil
	})
}

// RecordConflict stores a resolution outcome.
func (s *Store) RecordConflict(ctx context.Context, rec conflict.Record) error {
	report, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO conflicts (id, type, strategy, action, description, report, plan, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, string(rec.Type), string(rec.Plan.Strategy), rec.Plan.Action,
			rec.Report.Description, string(report), string(plan), rec.Error, rec.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return nil
	})
}

// RecordConnection appends a connection lifecycle event.
func (s *Store) RecordConnection(ctx context.Context, connID, agent, event, reason string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connection_events (conn_id, agent, event, reason, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, connID, agent, event, reason, at.UTC())
		if err != nil {
			return fmt.Errorf("insert connection event: %w", err)
		}
		return nil
	})
}

// TaskRow is a persisted task.
type TaskRow struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	Agents       []string   `json:"agents"`
	Dependencies []string   `json:"dependencies"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func scanTask(scan func(dest ...any) error) (TaskRow, error) {
	var (
		row                TaskRow
		agentList, deps    string
		started, completed sql.NullTime
	)
	if err := scan(&row.ID, &row.Name, &row.Description, &row.Priority, &row.Status,
		&agentList, &deps, &row.Result, &row.Error, &row.CreatedAt, &started, &completed); err != nil {
		return TaskRow{}, err
	}
	_ = json.Unmarshal([]byte(agentList), &row.Agents)
	_ = json.Unmarshal([]byte(deps), &row.Dependencies)
	if started.Valid {
		t := started.Time
		row.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		row.CompletedAt = &t
	}
	return row, nil
}

const taskColumns = `id, name, description, priority, status, agents, dependencies, result, error, created_at, started_at, completed_at`

func (s *Store) GetTask(ctx context.Context, id string) (TaskRow, error) {
	row, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRow{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return TaskRow{}, fmt.Errorf("get task: %w", err)
	}
	return row, nil
}

// ListTasks returns the newest tasks first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]TaskRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []TaskRow
	for rows.Next() {
		row, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// TaskEvent is one persisted state change.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	StateFrom string    `json:"state_from"`
	StateTo   string    `json:"state_to"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, state_from, state_to, error, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.StateFrom, &ev.StateTo, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListConsensus returns the attempts for taskID in attempt order.
func (s *Store) ListConsensus(ctx context.Context, taskID string) ([]consensus.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt, decision, confidence, votes, absent, reasoning, created_at
		FROM consensus_records WHERE task_id = ? ORDER BY attempt ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list consensus: %w", err)
	}
	defer rows.Close()
	var out []consensus.Record
	for rows.Next() {
		var (
			rec           consensus.Record
			decision      string
			votes, absent string
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Attempt, &decision, &rec.Confidence,
			&votes, &absent, &rec.Reasoning, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan consensus: %w", err)
		}
		rec.Decision = agents.Vote(decision)
		_ = json.Unmarshal([]byte(votes), &rec.Votes)
		_ = json.Unmarshal([]byte(absent), &rec.Absent)
		for _, v := range rec.Votes {
			rec.Agents = append(rec.Agents, v.Agent)
		}
		rec.Agents = append(rec.Agents, rec.Absent...)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts reports row totals per table and tasks per status.
type Counts struct {
	Tasks            int            `json:"tasks"`
	TasksByStatus    map[string]int `json:"tasks_by_status"`
	ConsensusRecords int            `json:"consensus_records"`
	Conflicts        int            `json:"conflicts"`
	ConnectionEvents int            `json:"connection_events"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	c := Counts{TasksByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return c, fmt.Errorf("count tasks: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return c, fmt.Errorf("scan task count: %w", err)
		}
		c.TasksByStatus[status] = n
		c.Tasks += n
	}
	rows.Close()
	for table, dst := range map[string]*int{
		"consensus_records": &c.ConsensusRecords,
		"conflicts":         &c.Conflicts,
		"connection_events": &c.ConnectionEvents,
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+`;`).Scan(dst); err != nil {
			return c, fmt.Errorf("count %s: %w", table, err)
		}
	}
	return c, nil
}

// RetentionResult holds counts of purged rows.
type RetentionResult struct {
	PurgedTasks            int64 `json:"purged_tasks"`
	PurgedTaskEvents       int64 `json:"purged_task_events"`
	PurgedConsensus        int64 `json:"purged_consensus"`
	PurgedConflicts        int64 `json:"purged_conflicts"`
	PurgedConnectionEvents int64 `json:"purged_connection_events"`
}

// RunRetention deletes rows older than cutoff. Only terminal tasks are
// removed. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	cutoff = cutoff.UTC()
	steps := []struct {
		query string
		dst   *int64
	}{
		{`DELETE FROM tasks WHERE status IN ('completed','failed','cancelled') AND updated_at < ?;`, &result.PurgedTasks},
		{`DELETE FROM task_events WHERE created_at < ? AND task_id NOT IN (SELECT id FROM tasks);`, &result.PurgedTaskEvents},
		{`DELETE FROM consensus_records WHERE created_at < ?;`, &result.PurgedConsensus},
		{`DELETE FROM conflicts WHERE created_at < ?;`, &result.PurgedConflicts},
		{`DELETE FROM connection_events WHERE created_at < ?;`, &result.PurgedConnectionEvents},
	}
	for _, st := range steps {
		res, err := s.db.ExecContext(ctx, st.query, cutoff)
		if err != nil {
			return result, fmt.Errorf("retention: %w", err)
		}
		*st.dst, _ = res.RowsAffected()
	}
	return result, nil
}
