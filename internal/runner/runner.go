// Package runner executes tasks as shell commands. A task's command lives
// in its "command" metadata and may use text/template fields of the task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/ui"
)

// CommandKey is the task metadata key holding the shell command a task runs.
const CommandKey = "command"

// Config holds runner configuration.
type Config struct {
	Shell  string // default "/bin/sh"
	LogDir string // per-task logs go to LogDir/<session>/<task>.log; empty disables
	Dir    string // working directory, default current
	Env    []string
	Quiet  bool      // suppress live output
	Output io.Writer // live output, default os.Stderr
}

// ProgressFunc receives progress reported by a running command.
type ProgressFunc func(ctx context.Context, taskID string, progress int) error

// Status represents the state of one command execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped" // no command
)

// Execution tracks one command run.
type Execution struct {
	TaskID     string    `json:"task_id"`
	Command    string    `json:"command,omitempty"`
	Status     Status    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	LogFile    string    `json:"log_file,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Runner runs task commands. It is safe for concurrent use by a scheduler.
type Runner struct {
	cfg      Config
	log      *slog.Logger
	progress ProgressFunc

	mu    sync.Mutex
	execs map[string]*Execution
	out   sync.Mutex // serialises live output lines
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithProgress forwards {"progress": N} output lines to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.progress = fn }
}

// New creates a Runner.
func New(cfg Config, opts ...Option) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	r := &Runner{
		cfg:   cfg,
		log:   slog.Default(),
		execs: make(map[string]*Execution),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle adapts the runner to the scheduler.
func (r *Runner) Handle() scheduler.Handle {
	return r.Execute
}

// Execute runs the task's command and waits for it. A zero exit completes
// the task. Tasks without a command complete immediately.
func (r *Runner) Execute(ctx context.Context, task graph.Task) error {
	startedAt := time.Now()
	tmpl := strings.TrimSpace(task.Metadata[CommandKey])
	if tmpl == "" {
		r.track(&Execution{TaskID: task.ID, Status: StatusSkipped, StartedAt: startedAt, FinishedAt: startedAt})
		r.log.Debug("no command, completing", "task", task.ID)
		return nil
	}

	command, err := RenderCommand(tmpl, task)
	if err != nil {
		r.track(&Execution{TaskID: task.ID, Status: StatusFailed, ExitCode: -1, StartedAt: startedAt, FinishedAt: time.Now()})
		return err
	}

	cmd, sf, logFile, err := r.spawn(ctx, task, command)
	if err != nil {
		r.track(&Execution{TaskID: task.ID, Command: command, Status: StatusFailed, ExitCode: -1, StartedAt: startedAt, FinishedAt: time.Now()})
		return fmt.Errorf("spawn %s: %w", task.ID, err)
	}
	exe := &Execution{
		TaskID:    task.ID,
		Command:   command,
		Status:    StatusRunning,
		PID:       cmd.Process.Pid,
		StartedAt: startedAt,
	}
	if logFile != nil {
		exe.LogFile = logFile.Name()
	}
	r.track(exe)

	err = cmd.Wait()
	sf.Flush()
	if logFile != nil {
		logFile.Close()
	}

	finishedAt := time.Now()
	elapsed := finishedAt.Sub(startedAt)
	status, exitCode := StatusCompleted, 0
	switch {
	case ctx.Err() != nil:
		status, exitCode = StatusCancelled, -1
		err = ctx.Err()
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		status = StatusFailed
		err = fmt.Errorf("command exited with code %d", exitCode)
	}

	r.mu.Lock()
	exe.Status = status
	exe.ExitCode = exitCode
	exe.FinishedAt = finishedAt
	r.mu.Unlock()

	if !r.cfg.Quiet {
		r.out.Lock()
		switch status {
		case StatusCompleted:
			fmt.Fprintf(r.cfg.Output, "  ✅ %s %s %s\n", ui.TaskPrefix(task.ID), ui.Green("Completed"), ui.Dim(fmt.Sprintf("(%.1fs)", elapsed.Seconds())))
		case StatusFailed:
			fmt.Fprintf(r.cfg.Output, "  ❌ %s %s %s\n", ui.TaskPrefix(task.ID), ui.Red(fmt.Sprintf("Failed exit %d", exitCode)), ui.Dim(fmt.Sprintf("(%.1fs)", elapsed.Seconds())))
		}
		r.out.Unlock()
	}
	r.log.Debug("command finished", "task", task.ID, "status", status, "exit", exitCode, "elapsed", elapsed)
	return err
}

func (r *Runner) spawn(ctx context.Context, task graph.Task, command string) (*exec.Cmd, *ui.StreamFormatter, *os.File, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", command)
	cmd.Dir = r.cfg.Dir
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TASKLOOM_TASK_ID="+task.ID,
		"TASKLOOM_SESSION_ID="+task.SessionID,
		"TASKLOOM_TASK_NAME="+task.Name,
	)

	var logFile *os.File
	if r.cfg.LogDir != "" {
		dir := filepath.Join(r.cfg.LogDir, task.SessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, task.ID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create log file: %w", err)
		}
		fmt.Fprintf(f, "# %s %s: %s\n", time.Now().Format(time.RFC3339), task.ID, command)
		logFile = f
	}

	var live io.Writer
	if !r.cfg.Quiet {
		live = r.cfg.Output
	}
	sf := ui.NewStreamFormatter(task.ID, live, &r.out).OnProgress(func(p int) {
		if r.progress == nil {
			return
		}
		// Completion is decided by the exit code.
		if err := r.progress(ctx, task.ID, min(p, 99)); err != nil {
			r.log.Warn("progress update failed", "task", task.ID, "err", err)
		}
	})

	var w io.Writer = sf
	if logFile != nil {
		w = io.MultiWriter(logFile, sf)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, nil, nil, err
	}
	return cmd, sf, logFile, nil
}

func (r *Runner) track(e *Execution) {
	r.mu.Lock()
	r.execs[e.TaskID] = e
	r.mu.Unlock()
}

// Executions returns a copy of every tracked execution, ordered by start time.
func (r *Runner) Executions() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Execution, 0, len(r.execs))
	for _, e := range r.execs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// LogPath returns where the log of taskID in sessionID is written.
func (r *Runner) LogPath(sessionID, taskID string) string {
	if r.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(r.cfg.LogDir, sessionID, taskID+".log")
}

// TailLog returns the last n lines of a task log.
func TailLog(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
