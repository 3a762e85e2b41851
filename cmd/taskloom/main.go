package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/config"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/metrics"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/store"
)

var (
	flagConfig      string
	flagSession     string
	flagBackend     string
	flagDB          string
	flagMaxParallel int
	flagJSON        bool
	flagLogLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskloom",
		Short: "Plan, schedule and checkpoint hierarchical task graphs",
		Long: `Taskloom keeps sessions of hierarchical tasks with dependencies, runs
ready leaves with bounded parallelism, rolls progress up the hierarchy and
captures checkpoints that can be diffed and restored.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default .taskloom/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagSession, "session", "s", "", "Session id or unique prefix (default: current session)")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "Storage backend (sqlite, redis, file)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path")
	rootCmd.PersistentFlags().IntVar(&flagMaxParallel, "max-parallel", 0, "Max concurrently running tasks (default from config)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(wavesCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(vizCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(inferDepsCmd())
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs once flags are parsed.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	backend  store.Backend
	sessions *session.Manager
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagMaxParallel > 0 {
		cfg.MaxParallel = flagMaxParallel
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// newApp opens the configured backend. Interactive commands log warnings
// and above unless --log-level is given; the server logs at the configured
// level.
func newApp(cmd *cobra.Command, server bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.SlogLevel()
	var handler slog.Handler
	if server {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		if !cmd.Flags().Changed("log-level") && level < slog.LevelWarn {
			level = slog.LevelWarn
		}
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)

	backend, err := cfg.OpenBackend()
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mgr := session.NewManager(backend,
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithOptions(session.Options{
			WeightedProgress: cfg.WeightedProgress,
			HistorySize:      cfg.HistorySize,
			ChangeLogLimit:   cfg.ChangeLogLimit,
		}),
	)

	return &app{cfg: cfg, log: logger, backend: backend, sessions: mgr, registry: reg, metrics: m}, nil
}

// Close flushes open sessions and releases the backend.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(a.sessions.Close(ctx), a.backend.Close())
}

// withApp wraps a command body with app setup and teardown.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		runErr := fn(cmd, a, args)
		if err := a.Close(); err != nil && runErr == nil {
			runErr = err
		}
		return runErr
	}
}

// --- Session selection ---

var currentPath = filepath.Join(config.Dir, "current")

// currentSessionRef returns the session named by --session, TASKLOOM_SESSION
// or the current file, in that order.
func currentSessionRef() (string, error) {
	if flagSession != "" {
		return flagSession, nil
	}
	if ref := os.Getenv("TASKLOOM_SESSION"); ref != "" {
		return ref, nil
	}
	data, err := os.ReadFile(currentPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", errors.New("no session selected (use --session, TASKLOOM_SESSION or 'taskloom session use')")
	}
	if err != nil {
		return "", fmt.Errorf("read current session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func setCurrentSession(id string) error {
	if err := os.MkdirAll(filepath.Dir(currentPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(currentPath, []byte(id+"\n"), 0o644)
}

// resolveSessionID expands ref to a full session id.
func (a *app) resolveSessionID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		var err error
		if ref, err = currentSessionRef(); err != nil {
			return "", err
		}
	}
	infos, err := a.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	id, err := matchID(ids, ref)
	if err != nil {
		return "", fmt.Errorf("session %w", err)
	}
	return id, nil
}

// openSession opens the selected session for mutation.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	id, err := a.resolveSessionID(ctx, "")
	if err != nil {
		return nil, err
	}
	return a.sessions.Open(ctx, id)
}

// loadSnapshot reads the selected session straight from the backend without
// opening it, so it is safe to use while another process runs the session.
func (a *app) loadSnapshot(ctx context.Context) (*store.Session, *graph.Snapshot, error) {
	id, err := a.resolveSessionID(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	info, err := a.backend.LoadSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := a.backend.LoadTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return info, graph.NewSnapshot(id, tasks), nil
}

// matchID returns the id equal to ref, or the only id starting with it.
func matchID(ids []string, ref string) (string, error) {
	if slices.Contains(ids, ref) {
		return ref, nil
	}
	var found []string
	for _, id := range ids {
		if strings.HasPrefix(id, ref) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("%q not found", ref)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("%q is ambiguous (%d matches)", ref, len(found))
}

// resolveTask expands a task id prefix against v. An empty ref stays empty.
func resolveTask(v graph.View, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	id, err := matchID(v.TaskIDs(), ref)
	if err != nil {
		return "", fmt.Errorf("%w: task %v", graph.ErrTaskNotFound, err)
	}
	return id, nil
}

// resolveTasks resolves every ref against the session's live graph.
func resolveTasks(s *session.Session, refs ...string) ([]string, error) {
	out := make([]string, len(refs))
	var err error
	s.Graph().View(func(v graph.View) {
		for i, ref := range refs {
			if out[i], err = resolveTask(v, ref); err != nil {
				return
			}
		}
	})
	return out, err
}

// --- Output helpers ---

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// parseMeta turns k=v pairs into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}
