package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joshharrison/taskloom/internal/graph"
)

// RedisBackend stores sessions in Redis, for deployments where several
// processes share one set of sessions.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "taskloom:").
	Prefix   string
	PoolSize int
}

const defaultRedisPrefix = "taskloom:"

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) sessionsKey() string {
	return b.prefix + "sessions"
}

func (b *RedisBackend) sessionKey(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

func (b *RedisBackend) tasksKey(sessionID string) string {
	return b.prefix + "tasks:" + sessionID
}

func (b *RedisBackend) memoryKey(sessionID string) string {
	return b.prefix + "memory:" + sessionID
}

func (b *RedisBackend) checkpointKey(checkpointID string) string {
	return b.prefix + "checkpoint:" + checkpointID
}

func (b *RedisBackend) sessionCheckpointsKey(sessionID string) string {
	return b.prefix + "session-checkpoints:" + sessionID
}

func (b *RedisBackend) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *RedisBackend) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (b *RedisBackend) SaveSession(ctx context.Context, s *Session) error {
	if err := b.check(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.sessionKey(s.ID), data, 0)
	pipe.SAdd(ctx, b.sessionsKey(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes the session with its tasks, memory records and
// checkpoints.
func (b *RedisBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if err := b.check(); err != nil {
		return err
	}
	n, err := b.client.Exists(ctx, b.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	cpIDs, err := b.client.ZRange(ctx, b.sessionCheckpointsKey(sessionID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list session checkpoints: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.sessionKey(sessionID), b.tasksKey(sessionID), b.memoryKey(sessionID), b.sessionCheckpointsKey(sessionID))
	for _, id := range cpIDs {
		pipe.Del(ctx, b.checkpointKey(id))
	}
	pipe.SRem(ctx, b.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *RedisBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ids, err := b.client.SMembers(ctx, b.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := b.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Stale index entry.
				b.client.SRem(ctx, b.sessionsKey(), id)
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func (b *RedisBackend) LoadTasks(ctx context.Context, sessionID string) ([]*graph.Task, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return loadList[graph.Task](ctx, b.client, b.tasksKey(sessionID))
}

func (b *RedisBackend) SaveTasks(ctx context.Context, sessionID string, tasks []*graph.Task) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := replaceList(ctx, b.client, b.tasksKey(sessionID), tasks); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

func (b *RedisBackend) LoadMemoryRecords(ctx context.Context, sessionID string) ([]*MemoryRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return loadList[MemoryRecord](ctx, b.client, b.memoryKey(sessionID))
}

func (b *RedisBackend) SaveMemoryRecords(ctx context.Context, sessionID string, records []*MemoryRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := replaceList(ctx, b.client, b.memoryKey(sessionID), records); err != nil {
		return fmt.Errorf("save memory records: %w", err)
	}
	return nil
}

func (b *RedisBackend) SaveCheckpoint(ctx context.Context, cp *CheckpointRecord) error {
	if err := b.check(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.checkpointKey(cp.ID), data, 0)
	pipe.ZAdd(ctx, b.sessionCheckpointsKey(cp.SessionID), redis.Z{
		Score:  float64(cp.CreatedAt.UnixMilli()),
		Member: cp.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (b *RedisBackend) LoadCheckpoint(ctx context.Context, checkpointID string) (*CheckpointRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, b.checkpointKey(checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp CheckpointRecord
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (b *RedisBackend) ListCheckpoints(ctx context.Context, sessionID string, f CheckpointFilter) ([]*CheckpointRecord, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ids, err := b.client.ZRevRange(ctx, b.sessionCheckpointsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.checkpointKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}

	all := make([]*CheckpointRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		var cp CheckpointRecord
		if err := json.Unmarshal([]byte(s), &cp); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		all = append(all, &cp)
	}
	return filterCheckpoints(all, f), nil
}

func (b *RedisBackend) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	cp, err := b.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.checkpointKey(checkpointID))
	pipe.ZRem(ctx, b.sessionCheckpointsKey(cp.SessionID), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func loadList[T any](ctx context.Context, client *redis.Client, key string) ([]*T, error) {
	data, err := client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]*T, 0, len(data))
	for _, d := range data {
		var v T
		if err := json.Unmarshal([]byte(d), &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// replaceList swaps the contents of a list in one MULTI/EXEC.
func replaceList[T any](ctx context.Context, client *redis.Client, key string, items []*T) error {
	vals := make([]any, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}
	pipe := client.TxPipeline()
	pipe.Del(ctx, key)
	if len(vals) > 0 {
		pipe.RPush(ctx, key, vals...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
