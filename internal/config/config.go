// Package config loads taskloom settings from defaults, an optional YAML
// file and TASKLOOM_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshharrison/taskloom/internal/store"
)

// Dir is the per-project state directory.
const Dir = ".taskloom"

// DefaultPath is where Load looks when no file is given.
var DefaultPath = filepath.Join(Dir, "config.yaml")

type Config struct {
	// Storage
	Backend     string `yaml:"backend"`
	DBPath      string `yaml:"db_path"`
	FileDir     string `yaml:"file_dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	// Scheduling
	MaxParallel      int           `yaml:"max_parallel"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	Shell            string        `yaml:"shell"`
	LogDir           string        `yaml:"log_dir"`
	WeightedProgress bool          `yaml:"weighted_progress"`
	HistorySize      int           `yaml:"history_size"`
	ChangeLogLimit   int           `yaml:"change_log_limit"`
	CheckpointKeep   int           `yaml:"checkpoint_keep"`

	// Server
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	// Dependency inference
	ClaudeModel string `yaml:"claude_model"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:        string(store.KindSQLite),
		DBPath:         filepath.Join(Dir, "taskloom.db"),
		FileDir:        filepath.Join(Dir, "sessions"),
		RedisAddr:      "localhost:6379",
		RedisPrefix:    "taskloom:",
		MaxParallel:    4,
		Shell:          "/bin/sh",
		LogDir:         filepath.Join(Dir, "logs"),
		HistorySize:    256,
		ChangeLogLimit: 10000,
		CheckpointKeep: 0,
		Addr:           ":8742",
		LogLevel:       "info",
		ClaudeModel:    "claude-sonnet-4-5",
	}
}

// Load reads path (DefaultPath when empty; a missing default file is not an
// error), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = envStr("TASKLOOM_BACKEND", c.Backend)
	c.DBPath = envStr("TASKLOOM_DB_PATH", c.DBPath)
	c.FileDir = envStr("TASKLOOM_FILE_DIR", c.FileDir)
	c.RedisAddr = envStr("TASKLOOM_REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = envStr("TASKLOOM_REDIS_PREFIX", c.RedisPrefix)
	c.MaxParallel = envInt("TASKLOOM_MAX_PARALLEL", c.MaxParallel)
	c.TaskTimeout = envDuration("TASKLOOM_TASK_TIMEOUT", c.TaskTimeout)
	c.Shell = envStr("TASKLOOM_SHELL", c.Shell)
	c.LogDir = envStr("TASKLOOM_LOG_DIR", c.LogDir)
	c.WeightedProgress = envBool("TASKLOOM_WEIGHTED_PROGRESS", c.WeightedProgress)
	c.HistorySize = envInt("TASKLOOM_HISTORY_SIZE", c.HistorySize)
	c.ChangeLogLimit = envInt("TASKLOOM_CHANGE_LOG_LIMIT", c.ChangeLogLimit)
	c.CheckpointKeep = envInt("TASKLOOM_CHECKPOINT_KEEP", c.CheckpointKeep)
	c.Addr = envStr("TASKLOOM_ADDR", c.Addr)
	c.LogLevel = envStr("TASKLOOM_LOG_LEVEL", c.LogLevel)
	c.ClaudeModel = envStr("TASKLOOM_CLAUDE_MODEL", c.ClaudeModel)
}

// Validate checks the configuration after flags have been applied.
func (c *Config) Validate() error { return c.validate() }

func (c *Config) validate() error {
	switch store.Kind(c.Backend) {
	case store.KindSQLite:
		if c.DBPath == "" {
			return errors.New("db_path must not be empty for the sqlite backend")
		}
	case store.KindRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr must not be empty for the redis backend")
		}
	case store.KindFile:
		if c.FileDir == "" {
			return errors.New("file_dir must not be empty for the file backend")
		}
	default:
		return fmt.Errorf("backend must be sqlite, redis or file, got %q", c.Backend)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be positive, got %d", c.MaxParallel)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task_timeout must not be negative, got %s", c.TaskTimeout)
	}
	if c.HistorySize < 0 || c.ChangeLogLimit < 0 || c.CheckpointKeep < 0 {
		return errors.New("history_size, change_log_limit and checkpoint_keep must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// OpenBackend opens the configured storage backend.
func (c *Config) OpenBackend() (store.Backend, error) {
	switch store.Kind(c.Backend) {
	case store.KindRedis:
		return store.NewRedisBackend(store.RedisConfig{Addr: c.RedisAddr, Prefix: c.RedisPrefix})
	case store.KindFile:
		return store.NewFileBackend(c.FileDir)
	}
	return store.OpenSQLite(c.DBPath)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
