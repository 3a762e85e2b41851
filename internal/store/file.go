package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joshharrison/taskloom/internal/graph"
)

// ErrInvalidPathComponent is returned when an ID would escape the base
// directory.
var ErrInvalidPathComponent = errors.New("invalid path component")

const (
	sessionFile    = "session.json"
	tasksFile      = "tasks.json"
	memoryFile     = "memory.json"
	checkpointsDir = "checkpoints"
)

// FileBackend keeps each session as JSON files under a base directory:
//
//	<base>/
//	  sessions/<session-id>/
//	    session.json
//	    tasks.json
//	    memory.json
//	  checkpoints/<checkpoint-id>.json
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates the directory layout under baseDir.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	for _, d := range []string{filepath.Join(baseDir, "sessions"), filepath.Join(baseDir, checkpointsDir)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &FileBackend{baseDir: baseDir}, nil
}

func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidPathComponent, s)
	}
	return nil
}

func (b *FileBackend) sessionDir(sessionID string) string {
	return filepath.Join(b.baseDir, "sessions", sessionID)
}

func (b *FileBackend) checkpointPath(checkpointID string) string {
	return filepath.Join(b.baseDir, checkpointsDir, checkpointID+".json")
}

// lock takes the backend lock and fails once closed. Callers must call the
// returned unlock.
func (b *FileBackend) lock(write bool) (unlock func(), err error) {
	if write {
		b.mu.Lock()
		unlock = b.mu.Unlock
	} else {
		b.mu.RLock()
		unlock = b.mu.RUnlock
	}
	if b.closed {
		unlock()
		return nil, ErrStorageClosed
	}
	return unlock, nil
}

func (b *FileBackend) LoadSession(_ context.Context, sessionID string) (*Session, error) {
	if err := validatePathComponent(sessionID); err != nil {
		return nil, err
	}
	unlock, err := b.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var s Session
	if err := readJSON(filepath.Join(b.sessionDir(sessionID), sessionFile), &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return &s, nil
}

func (b *FileBackend) SaveSession(_ context.Context, s *Session) error {
	if err := validatePathComponent(s.ID); err != nil {
		return err
	}
	unlock, err := b.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	dir := b.sessionDir(s.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, sessionFile), s)
}

func (b *FileBackend) DeleteSession(_ context.Context, sessionID string) error {
	if err := validatePathComponent(sessionID); err != nil {
		return err
	}
	unlock, err := b.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	dir := b.sessionDir(sessionID)
	if _, err := os.Stat(filepath.Join(dir, sessionFile)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	cps, err := b.readCheckpoints(sessionID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		if err := os.Remove(b.checkpointPath(cp.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove checkpoint %s: %w", cp.ID, err)
		}
	}
	return os.RemoveAll(dir)
}

func (b *FileBackend) ListSessions(_ context.Context) ([]*Session, error) {
	unlock, err := b.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := os.ReadDir(filepath.Join(b.baseDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var s Session
		if err := readJSON(filepath.Join(b.sessionDir(e.Name()), sessionFile), &s); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &s)
	}
	sortSessions(out)
	return out, nil
}

func (b *FileBackend) LoadTasks(_ context.Context, sessionID string) ([]*graph.Task, error) {
	var tasks []*graph.Task
	if err := b.loadSessionFile(sessionID, tasksFile, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (b *FileBackend) SaveTasks(_ context.Context, sessionID string, tasks []*graph.Task) error {
	return b.saveSessionFile(sessionID, tasksFile, tasks)
}

func (b *FileBackend) LoadMemoryRecords(_ context.Context, sessionID string) ([]*MemoryRecord, error) {
	var recs []*MemoryRecord
	if err := b.loadSessionFile(sessionID, memoryFile, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (b *FileBackend) SaveMemoryRecords(_ context.Context, sessionID string, records []*MemoryRecord) error {
	return b.saveSessionFile(sessionID, memoryFile, records)
}

// loadSessionFile decodes one of a session's files. A missing file decodes
// to nothing.
func (b *FileBackend) loadSessionFile(sessionID, name string, v any) error {
	if err := validatePathComponent(sessionID); err != nil {
		return err
	}
	unlock, err := b.lock(false)
	if err != nil {
		return err
	}
	defer unlock()

	if err := readJSON(filepath.Join(b.sessionDir(sessionID), name), v); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) saveSessionFile(sessionID, name string, v any) error {
	if err := validatePathComponent(sessionID); err != nil {
		return err
	}
	unlock, err := b.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	dir := b.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, name), v)
}

func (b *FileBackend) SaveCheckpoint(_ context.Context, cp *CheckpointRecord) error {
	if err := validatePathComponent(cp.ID); err != nil {
		return err
	}
	unlock, err := b.lock(true)
	if err != nil {
		return err
	}
	defer unlock()
	return writeJSON(b.checkpointPath(cp.ID), cp)
}

func (b *FileBackend) LoadCheckpoint(_ context.Context, checkpointID string) (*CheckpointRecord, error) {
	if err := validatePathComponent(checkpointID); err != nil {
		return nil, err
	}
	unlock, err := b.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var cp CheckpointRecord
	if err := readJSON(b.checkpointPath(checkpointID), &cp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, err
	}
	return &cp, nil
}

func (b *FileBackend) ListCheckpoints(_ context.Context, sessionID string, f CheckpointFilter) ([]*CheckpointRecord, error) {
	unlock, err := b.lock(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cps, err := b.readCheckpoints(sessionID)
	if err != nil {
		return nil, err
	}
	return filterCheckpoints(cps, f), nil
}

// readCheckpoints scans the checkpoint directory for a session's records.
// Callers hold b.mu.
func (b *FileBackend) readCheckpoints(sessionID string) ([]*CheckpointRecord, error) {
	dir := filepath.Join(b.baseDir, checkpointsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints dir: %w", err)
	}
	var out []*CheckpointRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var cp CheckpointRecord
		if err := readJSON(filepath.Join(dir, e.Name()), &cp); err != nil {
			return nil, err
		}
		if cp.SessionID == sessionID {
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *FileBackend) DeleteCheckpoint(_ context.Context, checkpointID string) error {
	if err := validatePathComponent(checkpointID); err != nil {
		return err
	}
	unlock, err := b.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(b.checkpointPath(checkpointID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically via a temp file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
