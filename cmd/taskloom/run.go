package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/claude"
	"github.com/joshharrison/taskloom/internal/cpm"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/planner"
	"github.com/joshharrison/taskloom/internal/reporter"
	"github.com/joshharrison/taskloom/internal/runner"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/ui"
)

func runCmd() *cobra.Command {
	var (
		flagTimeout    time.Duration
		flagDeadline   time.Duration
		flagQuiet      bool
		flagDryRun     bool
		flagCheckpoint bool
		flagSummarise  bool
		flagModel      string
	)

	cmd := &cobra.Command{
		Use:   "run [root]",
		Short: "Execute the ready leaves of a subtree until nothing more can run",
		Long: `Runs every leaf under root (the whole session when omitted) as soon as its
dependencies complete, at most --max-parallel at a time. A task runs the
shell command stored in its "command" metadata; tasks without one complete
immediately. Commands may report progress by printing {"progress": N}.

Press Ctrl-C to cancel: running commands are stopped and their tasks return
to ready so a later run picks them up.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			var root string
			s.Graph().View(func(v graph.View) { root, err = rootArg(v, args) })
			if err != nil {
				return err
			}

			if flagDryRun {
				return printDryRun(a, s, root)
			}

			opts := scheduler.Options{MaxParallel: a.cfg.MaxParallel, TimeoutPerTask: a.cfg.TaskTimeout}
			if cmd.Flags().Changed("timeout") {
				opts.TimeoutPerTask = flagTimeout
			}
			if flagDeadline > 0 {
				opts.Deadline = time.Now().Add(flagDeadline)
			}

			if flagCheckpoint {
				cp, err := captureCheckpoint(ctx, a, s, checkpoint.CaptureRequest{
					Level:    checkpoint.LevelOverall,
					Tags:     []string{"pre-run"},
					Metadata: map[string]string{"root": root},
				})
				if err != nil {
					return fmt.Errorf("pre-run checkpoint: %w", err)
				}
				fmt.Printf("📸 Checkpoint %s captured before run\n", ui.BoldMagenta(ui.ShortID(cp.ID)))
			}

			r := runner.New(runner.Config{
				Shell:  a.cfg.Shell,
				LogDir: a.cfg.LogDir,
				Quiet:  flagQuiet || flagJSON,
				Output: os.Stderr,
			}, runner.WithLogger(a.log), runner.WithProgress(s.UpdateProgress))

			sum, err := s.Summary(root)
			if err != nil {
				return err
			}
			if !flagJSON {
				ui.PrintLogo()
				fmt.Printf("🚀 %s executing %s leaves (max %d parallel)\n",
					ui.BoldCyan("Taskloom:"), ui.Bold(sum.Leaves), opts.MaxParallel)
			}

			// The run gets its own cancellation so an interrupt can be reported
			// and the final summary still written.
			run, err := s.Run(context.WithoutCancel(ctx), root, opts, r.Handle())
			if err != nil {
				return err
			}
			go func() {
				select {
				case <-ctx.Done():
					fmt.Fprintf(os.Stderr, "\n🛑 %s\n", ui.Yellow("Received interrupt, cancelling..."))
					run.Cancel()
				case <-run.Done():
				}
			}()

			for ev := range run.Events() {
				if !flagJSON {
					printEvent(ev)
				}
			}
			res, err := run.Wait(context.Background())
			if err != nil {
				return err
			}
			if err := s.Flush(context.Background()); err != nil {
				return err
			}

			if flagJSON {
				if err := outputJSON(map[string]any{"result": res, "executions": r.Executions()}); err != nil {
					return err
				}
			} else {
				text := reporter.PrintRunSummary(os.Stdout, res, r.Executions())
				if flagSummarise {
					summariseRun(a, flagModel, text, r.Executions())
				}
			}

			switch {
			case res.Cancelled:
				return errors.New("run cancelled")
			case res.TimedOut:
				return errors.New("run deadline exceeded")
			case !res.Success:
				return fmt.Errorf("run finished with %d failed and %d blocked tasks", len(res.Failed), len(res.BlockedByFailure))
			}
			return nil
		}),
	}

	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "Per-task timeout (default from config, 0 for none)")
	cmd.Flags().DurationVar(&flagDeadline, "deadline", 0, "Stop dispatching and cancel running tasks after this long")
	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress streaming command output")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Show the waves that would run without executing")
	cmd.Flags().BoolVar(&flagCheckpoint, "checkpoint", false, "Capture an overall checkpoint before running")
	cmd.Flags().BoolVar(&flagSummarise, "summarise", false, "Ask Claude for a narrative summary of the run")
	cmd.Flags().StringVar(&flagModel, "model", "", "Claude model for --summarise (default from config)")

	return cmd
}

func printDryRun(a *app, s *session.Session, root string) error {
	snap := s.Graph().Snapshot()
	res, err := cpm.Analyze(snap, root)
	if err != nil {
		return fmt.Errorf("critical path analysis: %w", err)
	}
	sched := planner.Generate(snap, res)
	if flagJSON {
		return outputJSON(sched)
	}
	fmt.Printf("🎯 %s\n", ui.Yellow("Dry run — schedule computed but not executed."))
	fmt.Printf("Would execute %s leaves in %s waves (max %d parallel)\n\n",
		ui.Bold(sched.TotalTasks), ui.Bold(len(sched.Waves)), a.cfg.MaxParallel)
	reporter.New(snap, root, nil).PrintWaves(os.Stdout, sched)
	return nil
}

func printEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventDispatched:
		fmt.Fprintf(os.Stderr, "%s ▶ %s\n", ui.TaskPrefix(ev.TaskID), ev.Name)
	case scheduler.EventCancelled:
		fmt.Fprintf(os.Stderr, "%s 🚫 %s\n", ui.TaskPrefix(ev.TaskID), ui.Yellow("cancelled"))
	case scheduler.EventStale:
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.TaskPrefix(ev.TaskID), ui.Dim("result discarded, task changed while running"))
	}
}

// summariseRun asks Claude to narrate the run. Failures only warn: the run
// itself already finished.
func summariseRun(a *app, model, report string, execs []runner.Execution) {
	if model == "" {
		model = a.cfg.ClaudeModel
	}
	client, err := claude.NewClient("", model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s summary skipped: %v\n", ui.Yellow("⚠"), err)
		return
	}

	logs := make(map[string]string)
	for _, e := range execs {
		if e.LogFile == "" {
			continue
		}
		if tail, err := runner.TailLog(e.LogFile, 40); err == nil {
			logs[e.TaskID] = tail
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	fmt.Printf("\n🔍 Asking Claude to summarise %s task logs...\n", ui.Bold(len(logs)))
	text, err := client.SummariseRun(ctx, report, logs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s summary failed: %v\n", ui.Yellow("⚠"), err)
		return
	}
	fmt.Printf("\n💡 %s\n%s\n", ui.BoldWhite("Summary:"), text)
}
