package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joshharrison/taskloom/internal/graph"
)

// SQLiteBackend stores everything in a single SQLite database.
type SQLiteBackend struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite creates or opens the database at dbPath, runs schema
// initialization and configures WAL mode for concurrent reads.
func OpenSQLite(dbPath string) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			parent_id TEXT,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, id),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(session_id, status)`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			task_id TEXT,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_records(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			level TEXT NOT NULL,
			task_id TEXT,
			seq INTEGER NOT NULL,
			tags TEXT,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at DESC)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies schema changes added after the initial schema. Each
// one is idempotent so it is safe to call on every open.
func runMigrations(db *sql.DB) error {
	// v1: free-form checkpoint metadata
	has, err := columnExists(db, "checkpoints", "metadata")
	if err != nil {
		return fmt.Errorf("check checkpoints.metadata column: %w", err)
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE checkpoints ADD COLUMN metadata TEXT`); err != nil {
			return fmt.Errorf("run migration v1: %w", err)
		}
	}

	// v2: change sequence carried across restarts
	has, err = columnExists(db, "sessions", "seq")
	if err != nil {
		return fmt.Errorf("check sessions.seq column: %w", err)
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE sessions ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("run migration v2: %w", err)
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(
		fmt.Sprintf("SELECT name FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	)
	if err != nil {
		return false, err
	}
	found := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return found, nil
}

func (b *SQLiteBackend) check() error {
	if b.closed.Load() {
		return ErrStorageClosed
	}
	return nil
}

const sessionColumns = `id, name, description, status, metadata, seq, created_at, updated_at`

func (b *SQLiteBackend) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

func (b *SQLiteBackend) SaveSession(ctx context.Context, s *Session) error {
	if err := b.check(); err != nil {
		return err
	}
	meta, err := marshalNullable(s.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, description, status, metadata, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			metadata = excluded.metadata,
			seq = excluded.seq,
			updated_at = excluded.updated_at`,
		s.ID, s.Name, s.Description, string(s.Status), meta, s.Seq,
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func (b *SQLiteBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) LoadTasks(ctx context.Context, sessionID string) ([]*graph.Task, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT data FROM tasks WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var out []*graph.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t graph.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) SaveTasks(ctx context.Context, sessionID string, tasks []*graph.Task) error {
	if err := b.check(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (session_id, id, position, parent_id, status, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, t.ID, i, nullString(t.ParentID), string(t.Status), string(data)); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) LoadMemoryRecords(ctx context.Context, sessionID string) ([]*MemoryRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, session_id, task_id, kind, content, tags, created_at
		FROM memory_records WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load memory records: %w", err)
	}
	defer rows.Close()

	var out []*MemoryRecord
	for rows.Next() {
		var (
			r       MemoryRecord
			taskID  sql.NullString
			tags    sql.NullString
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &taskID, &r.Kind, &r.Content, &tags, &created); err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		r.TaskID = taskID.String
		r.CreatedAt = time.Unix(0, created).UTC()
		if err := unmarshalNullable(tags, &r.Tags); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) SaveMemoryRecords(ctx context.Context, sessionID string, records []*MemoryRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear memory records: %w", err)
	}
	for _, r := range records {
		tags, err := marshalNullable(r.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_records (id, session_id, task_id, kind, content, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, sessionID, nullString(r.TaskID), r.Kind, r.Content, tags, r.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert memory record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) SaveCheckpoint(ctx context.Context, cp *CheckpointRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	tags, err := marshalNullable(cp.Tags)
	if err != nil {
		return err
	}
	meta, err := marshalNullable(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(id, session_id, level, task_id, seq, tags, metadata, hash, size, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Level, nullString(cp.TaskID), cp.Seq, tags, meta,
		cp.Hash, cp.Size, cp.Payload, cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `id, session_id, level, task_id, seq, tags, metadata, hash, size, payload, created_at`

func (b *SQLiteBackend) LoadCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (b *SQLiteBackend) ListCheckpoints(ctx context.Context, sessionID string, f CheckpointFilter) ([]*CheckpointRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var (
		where = []string{"session_id = ?"}
		args  = []any{sessionID}
	)
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, seq DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var all []*CheckpointRecord
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		all = append(all, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filterCheckpoints(all, f), nil
}

func (b *SQLiteBackend) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	if err := b.check(); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, checkpointID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                Session
		status           string
		meta             sql.NullString
		created, updated int64
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &status, &meta, &s.Seq, &created, &updated); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	s.CreatedAt = time.Unix(0, created).UTC()
	s.UpdatedAt = time.Unix(0, updated).UTC()
	if err := unmarshalNullable(meta, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanCheckpoint(row scanner) (*CheckpointRecord, error) {
	var (
		cp                 CheckpointRecord
		taskID, tags, meta sql.NullString
		created            int64
	)
	if err := row.Scan(&cp.ID, &cp.SessionID, &cp.Level, &taskID, &cp.Seq, &tags, &meta,
		&cp.Hash, &cp.Size, &cp.Payload, &created); err != nil {
		return nil, err
	}
	cp.TaskID = taskID.String
	cp.CreatedAt = time.Unix(0, created).UTC()
	if err := unmarshalNullable(tags, &cp.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(meta, &cp.Metadata); err != nil {
		return nil, err
	}
	return &cp, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalNullable[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
