package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/checkpoint"
	"github.com/joshharrison/taskloom/internal/session"
	"github.com/joshharrison/taskloom/internal/ui"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Capture, compare and restore checkpoints of the current session",
	}
	cmd.AddCommand(checkpointCaptureCmd())
	cmd.AddCommand(checkpointListCmd())
	cmd.AddCommand(checkpointShowCmd())
	cmd.AddCommand(checkpointDiffCmd())
	cmd.AddCommand(checkpointChangesCmd())
	cmd.AddCommand(checkpointRestoreCmd())
	cmd.AddCommand(checkpointDeleteCmd())
	cmd.AddCommand(checkpointPruneCmd())
	return cmd
}

// captureCheckpoint captures req and then prunes down to checkpoint_keep
// when that is set.
func captureCheckpoint(ctx context.Context, a *app, s *session.Session, req checkpoint.CaptureRequest) (*checkpoint.Checkpoint, error) {
	cp, err := s.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	if keep := a.cfg.CheckpointKeep; keep > 0 {
		n, err := s.Checkpoints().Prune(ctx, keep)
		if err != nil {
			a.log.Warn("prune checkpoints failed", "session", s.ID(), "error", err)
		} else if n > 0 {
			a.log.Info("pruned checkpoints", "session", s.ID(), "deleted", n)
		}
	}
	return cp, nil
}

// resolveCheckpoint expands a checkpoint id prefix within the session.
func resolveCheckpoint(ctx context.Context, s *session.Session, ref string) (string, error) {
	cps, err := s.Checkpoints().List(ctx, checkpoint.Filter{})
	if err != nil {
		return "", err
	}
	ids := make([]string, len(cps))
	for i, cp := range cps {
		ids[i] = cp.ID
	}
	id, err := matchID(ids, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", checkpoint.ErrCheckpointNotFound, err)
	}
	return id, nil
}

func checkpointCaptureCmd() *cobra.Command {
	var (
		flagLevel string
		flagTask  string
		flagTags  []string
		flagMeta  []string
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a checkpoint",
		Long: `Captures a checkpoint at one of three levels:

  overall   the whole graph plus the session's memory records
  subtask   the subtree under --task
  stage     status and progress only, of the graph or of --task's subtree`,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			ids, err := resolveTasks(s, flagTask)
			if err != nil {
				return err
			}
			meta, err := parseMeta(flagMeta)
			if err != nil {
				return err
			}
			cp, err := captureCheckpoint(ctx, a, s, checkpoint.CaptureRequest{
				Level:    checkpoint.Level(flagLevel),
				TaskID:   ids[0],
				Tags:     flagTags,
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				cp.Payload = nil
				return outputJSON(cp)
			}
			fmt.Printf("📸 Captured %s checkpoint %s (%d bytes)\n", cp.Level, ui.BoldMagenta(cp.ID), cp.Size)
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagLevel, "level", "l", string(checkpoint.LevelOverall), "Level (overall, subtask, stage)")
	cmd.Flags().StringVarP(&flagTask, "task", "t", "", "Task whose subtree is captured")
	cmd.Flags().StringSliceVar(&flagTags, "tag", nil, "Tags")
	cmd.Flags().StringArrayVar(&flagMeta, "meta", nil, "Metadata key=value (repeatable)")

	return cmd
}

func checkpointListCmd() *cobra.Command {
	var (
		flagLevel string
		flagTask  string
		flagTag   string
		flagLimit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			ids, err := resolveTasks(s, flagTask)
			if err != nil {
				return err
			}
			cps, err := s.Checkpoints().List(ctx, checkpoint.Filter{
				Level:  checkpoint.Level(flagLevel),
				TaskID: ids[0],
				Tag:    flagTag,
				Limit:  flagLimit,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(cps)
			}
			if len(cps) == 0 {
				fmt.Println(ui.Dim("No checkpoints."))
				return nil
			}
			for _, cp := range cps {
				scope := ""
				if cp.TaskID != "" {
					scope = " @" + ui.ShortID(cp.TaskID)
				}
				tags := ""
				if len(cp.Tags) > 0 {
					tags = ui.Cyan(" [" + strings.Join(cp.Tags, ",") + "]")
				}
				fmt.Printf("%s  %-8s%s  seq %-5d %s%s\n", ui.BoldMagenta(ui.ShortID(cp.ID)), cp.Level, scope, cp.Seq,
					ui.Dim(cp.CreatedAt.Local().Format("2006-01-02 15:04:05")), tags)
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagLevel, "level", "l", "", "Only this level")
	cmd.Flags().StringVarP(&flagTask, "task", "t", "", "Only checkpoints scoped to this task")
	cmd.Flags().StringVar(&flagTag, "tag", "", "Only checkpoints with this tag")
	cmd.Flags().IntVarP(&flagLimit, "limit", "n", 0, "At most this many")

	return cmd
}

func checkpointShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint>",
		Short: "Show a checkpoint and the tasks it holds",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			id, err := resolveCheckpoint(ctx, s, args[0])
			if err != nil {
				return err
			}
			cp, err := s.Checkpoints().Get(ctx, id)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(cp)
			}
			fmt.Printf("📸 %s %s\n", ui.BoldCyan("Checkpoint"), ui.BoldMagenta(cp.ID))
			fmt.Printf("Level:    %s\n", cp.Level)
			if cp.TaskID != "" {
				fmt.Printf("Task:     %s\n", cp.TaskID)
			}
			fmt.Printf("Seq:      %d\n", cp.Seq)
			fmt.Printf("Hash:     %s\n", ui.Dim(cp.Hash))
			fmt.Printf("Created:  %s\n", cp.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			if cp.Payload != nil {
				fmt.Printf("Tasks:    %d", cp.Payload.Len())
				if n := len(cp.Payload.Memory); n > 0 {
					fmt.Printf(", %d memory records", n)
				}
				fmt.Println()
				for _, t := range cp.Payload.Tasks {
					fmt.Printf("  %s %s %s %d%%\n", ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(t.ID)), t.Name, t.Progress)
					if ext := cp.Payload.ExternalDeps[t.ID]; len(ext) > 0 {
						fmt.Printf("      %s %s\n", ui.Dim("outside scope, not restored:"), shortJoin(ext))
					}
				}
				for _, e := range cp.Payload.Stage {
					fmt.Printf("  %s %s %d%%\n", ui.StatusIcon(e.Status), ui.BoldMagenta(ui.ShortID(e.ID)), e.Progress)
				}
			}
			return nil
		}),
	}
}

func checkpointDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <from> [to]",
		Short: "Compare two checkpoints, or one against the live graph",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			from, err := resolveCheckpoint(ctx, s, args[0])
			if err != nil {
				return err
			}
			var d *checkpoint.Diff
			if len(args) == 2 {
				to, err := resolveCheckpoint(ctx, s, args[1])
				if err != nil {
					return err
				}
				d, err = s.Checkpoints().Diff(ctx, from, to)
				if err != nil {
					return err
				}
			} else if d, err = s.Checkpoints().DiffLive(ctx, from); err != nil {
				return err
			}

			if flagJSON {
				return outputJSON(d)
			}
			printDiff(d)
			return nil
		}),
	}
}

func printDiff(d *checkpoint.Diff) {
	to := d.To
	if to == "" {
		to = "live"
	}
	fmt.Printf("🔍 %s %s → %s\n", ui.BoldCyan("Diff"), ui.ShortID(d.From), ui.ShortID(to))
	if d.Empty() {
		fmt.Println(ui.Dim("  no differences"))
		return
	}
	for _, id := range d.Added {
		fmt.Printf("  %s %s\n", ui.Green("+"), id)
	}
	for _, id := range d.Removed {
		fmt.Printf("  %s %s\n", ui.Red("-"), id)
	}
	for _, c := range d.Changes {
		fmt.Printf("  %s %s %s: %s → %s\n", ui.Yellow("~"), ui.BoldMagenta(ui.ShortID(c.TaskID)), c.Field,
			ui.Dim(c.Old), c.New)
	}
}

func checkpointChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changes <checkpoint>",
		Short: "List graph changes recorded since a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			id, err := resolveCheckpoint(ctx, s, args[0])
			if err != nil {
				return err
			}
			changes, err := s.Checkpoints().ChangesSince(ctx, id)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(changes)
			}
			if len(changes) == 0 {
				fmt.Println(ui.Dim("No changes recorded in this process since the checkpoint; use 'checkpoint diff' to compare state."))
				return nil
			}
			for _, c := range changes {
				fmt.Printf("%6d %s %s %s: %s → %s\n", c.Seq, ui.Dim(c.At.Local().Format("15:04:05")),
					ui.BoldMagenta(ui.ShortID(c.TaskID)), c.Field, ui.Dim(c.Old), c.New)
			}
			return nil
		}),
	}
}

func checkpointRestoreCmd() *cobra.Command {
	var flagMerge bool

	cmd := &cobra.Command{
		Use:   "restore <checkpoint>",
		Short: "Restore the session from a checkpoint",
		Long: `Restores the checkpoint's scope. By default tasks created inside that
scope since the checkpoint are removed; --merge only overwrites the tasks the
checkpoint holds. The live graph is untouched if the checkpoint is corrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			id, err := resolveCheckpoint(ctx, s, args[0])
			if err != nil {
				return err
			}
			mode := checkpoint.ModeFull
			if flagMerge {
				mode = checkpoint.ModeMerge
			}
			if err := s.Restore(ctx, id, mode); err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(map[string]string{"checkpoint_id": id, "mode": string(mode)})
			}
			fmt.Printf("⏪ Restored checkpoint %s (%s)\n", ui.BoldMagenta(id), mode)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&flagMerge, "merge", false, "Only overwrite the tasks held by the checkpoint")

	return cmd
}

func checkpointDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <checkpoint>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			id, err := resolveCheckpoint(ctx, s, args[0])
			if err != nil {
				return err
			}
			if err := s.Checkpoints().Delete(ctx, id); err != nil {
				return err
			}
			fmt.Printf("🗑  Deleted checkpoint %s\n", ui.BoldMagenta(id))
			return nil
		}),
	}
}

func checkpointPruneCmd() *cobra.Command {
	var flagKeep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest checkpoints",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			keep := flagKeep
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.CheckpointKeep
			}
			if keep <= 0 {
				return fmt.Errorf("nothing to keep: pass --keep N or set checkpoint_keep")
			}
			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			n, err := s.Checkpoints().Prune(ctx, keep)
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(map[string]int{"deleted": n, "kept": keep})
			}
			fmt.Printf("🧹 Deleted %s checkpoints, kept the newest %d\n", ui.Bold(n), keep)
			return nil
		}),
	}

	cmd.Flags().IntVar(&flagKeep, "keep", 0, "How many checkpoints to keep (default checkpoint_keep)")

	return cmd
}
