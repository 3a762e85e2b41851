package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/analyzer"
	"github.com/joshharrison/taskloom/internal/cpm"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/planner"
	"github.com/joshharrison/taskloom/internal/reporter"
	"github.com/joshharrison/taskloom/internal/runner"
	"github.com/joshharrison/taskloom/internal/ui"
)

// rootArg resolves the optional [root] argument against v.
func rootArg(v graph.View, args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	return resolveTask(v, args[0])
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready [root]",
		Short: "List leaves that can be dispatched now, most urgent first",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			_, snap, err := a.loadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			root, err := rootArg(snap, args)
			if err != nil {
				return err
			}

			ids := analyzer.ReadySet(snap, root)
			if flagJSON {
				tasks := make([]*graph.Task, 0, len(ids))
				for _, id := range ids {
					t, _ := snap.Task(id)
					tasks = append(tasks, t)
				}
				return outputJSON(tasks)
			}
			if len(ids) == 0 {
				fmt.Println(ui.Dim("Nothing is ready."))
				return nil
			}
			for _, id := range ids {
				t, _ := snap.Task(id)
				prio := ""
				if t.Priority != nil {
					prio = ui.Dim(fmt.Sprintf("p%d", *t.Priority))
				}
				fmt.Printf("%s %s  %s %s\n", ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(id)), t.Name, prio)
			}
			return nil
		}),
	}
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order [root]",
		Short: "Print a dependency-respecting order of the tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			_, snap, err := a.loadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			root, err := rootArg(snap, args)
			if err != nil {
				return err
			}

			var ids []string
			if root == "" {
				ids, err = analyzer.TopologicalOrder(snap)
			} else {
				ids, err = analyzer.SubtreeOrder(snap, root)
			}
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(ids)
			}
			for i, id := range ids {
				t, _ := snap.Task(id)
				fmt.Printf("%3d. %s %s  %s\n", i+1, ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(id)), t.Name)
			}
			return nil
		}),
	}
}

func wavesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "waves [root]",
		Aliases: []string{"plan-waves"},
		Short:   "Show the critical path and parallel waves of the leaves",
		Args:    cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			info, snap, err := a.loadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			root, err := rootArg(snap, args)
			if err != nil {
				return err
			}
			res, err := cpm.Analyze(snap, root)
			if err != nil {
				return fmt.Errorf("critical path analysis: %w", err)
			}
			sched := planner.Generate(snap, res)
			if flagJSON {
				return outputJSON(sched)
			}
			rpt := reporter.New(snap, root, nil)
			rpt.Title = info.Name
			rpt.PrintWaves(os.Stdout, sched)
			return nil
		}),
	}
}

func statusCmd() *cobra.Command {
	var (
		flagWatch    bool
		flagInterval time.Duration
		flagLogs     string
		flagTail     int
	)

	cmd := &cobra.Command{
		Use:   "status [root]",
		Short: "Show the task tree with progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if flagWatch && flagJSON {
				return fmt.Errorf("--watch cannot be combined with --json")
			}
			ctx := cmd.Context()
			info, snap, err := a.loadSnapshot(ctx)
			if err != nil {
				return err
			}
			root, err := rootArg(snap, args)
			if err != nil {
				return err
			}

			if flagLogs != "" {
				id, err := resolveTask(snap, flagLogs)
				if err != nil {
					return err
				}
				path := runner.New(runner.Config{LogDir: a.cfg.LogDir}).LogPath(info.ID, id)
				if path == "" {
					return fmt.Errorf("task logs are disabled (log_dir is empty)")
				}
				text, err := runner.TailLog(path, flagTail)
				if err != nil {
					return fmt.Errorf("read log: %w", err)
				}
				fmt.Println(text)
				return nil
			}

			rpt := reporter.New(snap, root, nil)
			rpt.Title = info.Name
			if flagJSON {
				data, err := rpt.JSON()
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			if !flagWatch {
				rpt.PrintStatus(os.Stdout)
				return nil
			}
			for {
				fmt.Print("\033[2J\033[H") // clear screen
				rpt.PrintStatus(os.Stdout)
				if !anyRunning(snap, root) {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(flagInterval):
				}
				if _, snap, err = a.loadSnapshot(ctx); err != nil {
					return err
				}
				rpt.View = snap
			}
		}),
	}

	cmd.Flags().BoolVarP(&flagWatch, "watch", "w", false, "Refresh until no task is running")
	cmd.Flags().DurationVar(&flagInterval, "interval", 2*time.Second, "Refresh interval for --watch")
	cmd.Flags().StringVar(&flagLogs, "logs", "", "Show the log of a task instead")
	cmd.Flags().IntVar(&flagTail, "tail", 200, "Lines of log to show with --logs")

	return cmd
}

func anyRunning(v graph.View, root string) bool {
	for _, id := range graph.SubtreeIDs(v, root) {
		if t, _ := v.Task(id); t.Status == graph.StatusRunning {
			return true
		}
	}
	return false
}
