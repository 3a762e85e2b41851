package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/store"
	"github.com/joshharrison/taskloom/internal/ui"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memory",
		Aliases: []string{"mem"},
		Short:   "Record and read notes attached to the session",
	}
	cmd.AddCommand(memoryAddCmd())
	cmd.AddCommand(memoryListCmd())
	return cmd
}

func memoryAddCmd() *cobra.Command {
	var (
		flagTask string
		flagKind string
		flagTags []string
	)

	cmd := &cobra.Command{
		Use:   "add <content...>",
		Short: "Record a note, optionally about one task",
		Args:  cobra.MinimumNArgs(1),
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
			rec, err := s.RecordMemory(ctx, store.MemoryRecord{
				TaskID:  ids[0],
				Kind:    flagKind,
				Content: strings.Join(args, " "),
				Tags:    flagTags,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(rec)
			}
			fmt.Printf("📝 Recorded %s %s\n", rec.Kind, ui.BoldMagenta(ui.ShortID(rec.ID)))
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagTask, "task", "t", "", "Task the note is about")
	cmd.Flags().StringVarP(&flagKind, "kind", "k", "", "Record kind (default note)")
	cmd.Flags().StringSliceVar(&flagTags, "tag", nil, "Tags")

	return cmd
}

func memoryListCmd() *cobra.Command {
	var (
		flagTask string
		flagKind string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes, oldest first",
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
			recs, err := s.Memory(ctx)
			if err != nil {
				return err
			}
			out := recs[:0]
			for _, r := range recs {
				if (ids[0] == "" || r.TaskID == ids[0]) && (flagKind == "" || r.Kind == flagKind) {
					out = append(out, r)
				}
			}
			if flagJSON {
				return outputJSON(out)
			}
			for _, r := range out {
				about := ""
				if r.TaskID != "" {
					about = " " + ui.BoldMagenta(ui.ShortID(r.TaskID))
				}
				fmt.Printf("%s %s%s %s\n", ui.Dim(r.CreatedAt.Local().Format("2006-01-02 15:04")), ui.Cyan(r.Kind), about, r.Content)
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagTask, "task", "t", "", "Only notes about this task")
	cmd.Flags().StringVarP(&flagKind, "kind", "k", "", "Only notes of this kind")

	return cmd
}
