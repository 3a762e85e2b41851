// Package store persists sessions, their task graphs, memory records and
// checkpoints. Backends: sqlite (default), redis and JSON files.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
)

var (
	// ErrSessionNotFound is returned when a session ID doesn't exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCheckpointNotFound is returned when a checkpoint ID doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend closed")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is the persisted metadata of one task graph.
type Session struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Status      SessionStatus     `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// Seq is the last change sequence number flushed for this session.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryRecord is a free-form note attached to a session, optionally about
// one task. Overall checkpoints capture and restore them with the graph.
type MemoryRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointRecord is a stored checkpoint. Payload is opaque to the store.
type CheckpointRecord struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Level     string            `json:"level"`
	TaskID    string            `json:"task_id,omitempty"`
	Seq       int64             `json:"seq"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Hash      string            `json:"hash"`
	Size      int               `json:"size"`
	Payload   []byte            `json:"payload"`
	CreatedAt time.Time         `json:"created_at"`
}

// CheckpointFilter narrows ListCheckpoints. Zero values match everything.
type CheckpointFilter struct {
	Level  string
	TaskID string
	Tag    string
	Limit  int
}

// Match reports whether r passes the filter, ignoring Limit.
func (f CheckpointFilter) Match(r *CheckpointRecord) bool {
	if f.Level != "" && r.Level != f.Level {
		return false
	}
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if f.Tag != "" && !slices.Contains(r.Tags, f.Tag) {
		return false
	}
	return true
}

// Backend is the persistence contract shared by every storage
// implementation. Save methods for tasks and memory records replace the
// session's whole set.
type Backend interface {
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	LoadTasks(ctx context.Context, sessionID string) ([]*graph.Task, error)
	SaveTasks(ctx context.Context, sessionID string, tasks []*graph.Task) error

	LoadMemoryRecords(ctx context.Context, sessionID string) ([]*MemoryRecord, error)
	SaveMemoryRecords(ctx context.Context, sessionID string, records []*MemoryRecord) error

	SaveCheckpoint(ctx context.Context, cp *CheckpointRecord) error
	LoadCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error)
	// ListCheckpoints returns a session's checkpoints newest first.
	ListCheckpoints(ctx context.Context, sessionID string, f CheckpointFilter) ([]*CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, checkpointID string) error

	Close() error
}

// Kind names a backend implementation.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindRedis  Kind = "redis"
	KindFile   Kind = "file"
)

// Open returns a backend of the given kind. dsn is a database path for
// sqlite, host:port for redis and a directory for file.
func Open(kind Kind, dsn string) (Backend, error) {
	switch kind {
	case KindSQLite, "":
		return OpenSQLite(dsn)
	case KindRedis:
		return NewRedisBackend(RedisConfig{Addr: dsn})
	case KindFile:
		return NewFileBackend(dsn)
	}
	return nil, fmt.Errorf("unknown storage backend %q", kind)
}

// filterCheckpoints applies f and orders the survivors newest first.
func filterCheckpoints(recs []*CheckpointRecord, f CheckpointFilter) []*CheckpointRecord {
	out := make([]*CheckpointRecord, 0, len(recs))
	for _, r := range recs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *CheckpointRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortSessions(ss []*Session) {
	slices.SortFunc(ss, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
