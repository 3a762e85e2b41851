package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/runner"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/store"
	"github.com/joshharrison/taskloom/internal/ui"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks", "t"},
		Short:   "Create, inspect and update tasks in the current session",
	}
	cmd.AddCommand(taskAddCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskStatusCmd())
	cmd.AddCommand(taskProgressCmd())
	cmd.AddCommand(taskResumeCmd("retry", "Move a failed task back to ready", (*scheduler.Scheduler).Retry))
	cmd.AddCommand(taskResumeCmd("clear", "Release a blocked task back to pending", (*scheduler.Scheduler).Clear))
	return cmd
}

// loadGraph builds a read-only graph of the selected session from the backend.
func (a *app) loadGraph(ctx context.Context) (*store.Session, *graph.Store, error) {
	info, snap, err := a.loadSnapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Load(info.ID, snap.Tasks(), graph.WithSeq(info.Seq))
	if err != nil {
		return nil, nil, err
	}
	g.SetReadOnly(true)
	return info, g, nil
}

func taskAddCmd() *cobra.Command {
	var (
		flagParent      string
		flagDependsOn   []string
		flagPriority    int
		flagWeight      int
		flagTags        []string
		flagCommand     string
		flagDescription string
		flagMeta        []string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			refs, err := resolveTasks(s, append([]string{flagParent}, flagDependsOn...)...)
			if err != nil {
				return err
			}
			meta, err := parseMeta(flagMeta)
			if err != nil {
				return err
			}
			if flagCommand != "" {
				if meta == nil {
					meta = make(map[string]string, 1)
				}
				meta[runner.CommandKey] = flagCommand
			}

			spec := graph.TaskSpec{
				ParentID:    refs[0],
				Name:        args[0],
				Description: flagDescription,
				DependsOn:   refs[1:],
				Weight:      flagWeight,
				Tags:        flagTags,
				Metadata:    meta,
			}
			if cmd.Flags().Changed("priority") {
				spec.Priority = &flagPriority
			}

			t, err := s.CreateTask(ctx, spec)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(t)
			}
			fmt.Printf("➕ Added %s %s %s\n", ui.StatusIcon(t.Status), ui.BoldMagenta(t.ID), t.Name)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagParent, "parent", "p", "", "Parent task id")
	cmd.Flags().StringSliceVar(&flagDependsOn, "depends-on", nil, "Task ids this task waits for")
	cmd.Flags().IntVar(&flagPriority, "priority", 0, "Dispatch priority (lower runs first)")
	cmd.Flags().IntVar(&flagWeight, "weight", 0, "Effort estimate used for critical path and weighted progress")
	cmd.Flags().StringSliceVar(&flagTags, "tag", nil, "Tags")
	cmd.Flags().StringVarP(&flagCommand, "command", "c", "", "Shell command run executes for this task")
	cmd.Flags().StringVarP(&flagDescription, "description", "d", "", "Task description")
	cmd.Flags().StringArrayVar(&flagMeta, "meta", nil, "Metadata key=value (repeatable)")

	return cmd
}

func taskListCmd() *cobra.Command {
	var (
		flagStatus string
		flagParent string
		flagTag    string
		flagRoots  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			_, g, err := a.loadGraph(cmd.Context())
			if err != nil {
				return err
			}
			f := graph.Filter{Status: graph.Status(flagStatus), Tag: flagTag, RootsOnly: flagRoots}
			if flagStatus != "" && !f.Status.Valid() {
				return fmt.Errorf("%w: unknown status %q", graph.ErrInvalidTask, flagStatus)
			}
			var ferr error
			g.View(func(v graph.View) { f.ParentID, ferr = resolveTask(v, flagParent) })
			if ferr != nil {
				return ferr
			}

			tasks := g.List(f)
			if flagJSON {
				return outputJSON(tasks)
			}
			for _, t := range tasks {
				fmt.Printf("%s %s  %-40s %s %3d%%\n", ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(t.ID)),
					t.Name, ui.ProgressBar(t.Progress, 10), t.Progress)
			}
			return nil
		}),
	}

	cmd.Flags().StringVar(&flagStatus, "status", "", "Only tasks with this status")
	cmd.Flags().StringVarP(&flagParent, "parent", "p", "", "Only children of this task")
	cmd.Flags().StringVar(&flagTag, "tag", "", "Only tasks with this tag")
	cmd.Flags().BoolVar(&flagRoots, "roots", false, "Only top-level tasks")

	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			_, g, err := a.loadGraph(cmd.Context())
			if err != nil {
				return err
			}
			var (
				t      *graph.Task
				blocks []string
			)
			g.View(func(v graph.View) {
				var id string
				if id, err = resolveTask(v, args[0]); err != nil {
					return
				}
				found, _ := v.Task(id)
				t = found.Clone()
				blocks = graph.Blocks(v, id)
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(map[string]any{"task": t, "blocks": blocks})
			}

			fmt.Printf("%s %s %s\n", ui.StatusIcon(t.Status), ui.BoldMagenta(t.ID), ui.Bold(t.Name))
			if t.Description != "" {
				fmt.Printf("  %s\n", t.Description)
			}
			fmt.Printf("Status:     %s\n", ui.StatusText(t.Status))
			fmt.Printf("Progress:   %s %d%%\n", ui.ProgressBar(t.Progress, 20), t.Progress)
			if t.ParentID != "" {
				fmt.Printf("Parent:     %s\n", t.ParentID)
			}
			if t.Priority != nil {
				fmt.Printf("Priority:   %d\n", *t.Priority)
			}
			fmt.Printf("Weight:     %d\n", t.EffectiveWeight())
			if len(t.Tags) > 0 {
				fmt.Printf("Tags:       %s\n", strings.Join(t.Tags, ", "))
			}
			if len(t.Children) > 0 {
				fmt.Printf("Children:   %s\n", strings.Join(t.Children, ", "))
			}
			if len(t.DependsOn) > 0 {
				fmt.Printf("Waits on:   %s\n", strings.Join(t.DependsOn, ", "))
			}
			if len(blocks) > 0 {
				fmt.Printf("Blocks:     %s\n", strings.Join(blocks, ", "))
			}
			if c := t.Metadata[runner.CommandKey]; c != "" {
				fmt.Printf("Command:    %s\n", ui.Cyan(c))
			}
			for k, v := range t.Metadata {
				if k != runner.CommandKey {
					fmt.Printf("  %s=%s\n", ui.Dim(k), v)
				}
			}
			fmt.Printf("Updated:    %s\n", ui.Dim(t.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
			return nil
		}),
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task> <status>",
		Short: "Set a task's status",
		Long: `Sets the status of a task. Completing a task sets its progress to 100;
parents derive their status from their children.`,
		Args: cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			st := graph.Status(args[1])
			if !st.Valid() {
				return fmt.Errorf("%w: unknown status %q", graph.ErrInvalidTask, args[1])
			}
			return updateTask(cmd.Context(), a, args[0], func(s *session.Session, id string) error {
				return s.UpdateStatus(cmd.Context(), id, st)
			})
		}),
	}
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task> <percent>",
		Short: "Report progress (0-100) on a leaf task",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			p, err := strconv.Atoi(strings.TrimSuffix(args[1], "%"))
			if err != nil {
				return fmt.Errorf("%w: %q is not a number", graph.ErrInvalidProgress, args[1])
			}
			return updateTask(cmd.Context(), a, args[0], func(s *session.Session, id string) error {
				return s.UpdateProgress(cmd.Context(), id, p)
			})
		}),
	}
}

func taskResumeCmd(use, short string, fn func(*scheduler.Scheduler, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return updateTask(cmd.Context(), a, args[0], func(s *session.Session, id string) error {
				if err := fn(s.Scheduler(), id); err != nil {
					return err
				}
				return s.Flush(cmd.Context())
			})
		}),
	}
}

// updateTask resolves ref in the current session, applies fn and prints the
// task afterwards.
func updateTask(ctx context.Context, a *app, ref string, fn func(s *session.Session, id string) error) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	ids, err := resolveTasks(s, ref)
	if err != nil {
		return err
	}
	if err := fn(s, ids[0]); err != nil {
		return err
	}
	t, err := s.Get(ids[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return outputJSON(t)
	}
	fmt.Printf("%s %s %s %s %d%%\n", ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(t.ID)), t.Name,
		ui.StatusText(t.Status), t.Progress)
	return nil
}

func depCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Add or remove dependencies between tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <task> <depends-on>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return changeDep(cmd.Context(), a, args, (*session.Session).AddDependency, "now waits on")
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "rm <task> <depends-on>",
		Aliases: []string{"remove"},
		Short:   "Remove a dependency",
		Args:    cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return changeDep(cmd.Context(), a, args, (*session.Session).RemoveDependency, "no longer waits on")
		}),
	})
	return cmd
}

func changeDep(ctx context.Context, a *app, args []string, fn func(*session.Session, context.Context, string, string) error, verb string) error {
	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	ids, err := resolveTasks(s, args[0], args[1])
	if err != nil {
		return err
	}
	if err := fn(s, ctx, ids[0], ids[1]); err != nil {
		return err
	}
	if flagJSON {
		return outputJSON(map[string]string{"task_id": ids[0], "depends_on_id": ids[1]})
	}
	fmt.Printf("🔗 %s %s %s\n", ui.BoldMagenta(ui.ShortID(ids[0])), verb, ui.BoldMagenta(ui.ShortID(ids[1])))
	return nil
}
