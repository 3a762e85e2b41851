package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/store"
	"github.com/joshharrison/taskloom/internal/ui"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "Create, select and retire sessions",
	}
	cmd.AddCommand(sessionCreateCmd())
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionUseCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionArchiveCmd())
	cmd.AddCommand(sessionDeleteCmd())
	return cmd
}

func sessionCreateCmd() *cobra.Command {
	var (
		flagDescription string
		flagMeta        []string
		flagNoUse       bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session and make it current",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			meta, err := parseMeta(flagMeta)
			if err != nil {
				return err
			}
			s, err := a.sessions.Create(cmd.Context(), args[0], flagDescription, meta)
			if err != nil {
				return err
			}
			if !flagNoUse {
				if err := setCurrentSession(s.ID()); err != nil {
					return err
				}
			}
			if flagJSON {
				return outputJSON(s.Info())
			}
			fmt.Printf("🧵 Created session %s %s\n", ui.BoldMagenta(ui.ShortID(s.ID())), ui.Bold(args[0]))
			if !flagNoUse {
				fmt.Printf("   %s\n", ui.Dim("now the current session"))
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagDescription, "description", "d", "", "Session description")
	cmd.Flags().StringArrayVar(&flagMeta, "meta", nil, "Metadata key=value (repeatable)")
	cmd.Flags().BoolVar(&flagNoUse, "no-use", false, "Do not make the new session current")

	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			infos, err := a.sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return outputJSON(infos)
			}
			if len(infos) == 0 {
				fmt.Println("No sessions yet. Create one with 'taskloom session create <name>'.")
				return nil
			}
			current, _ := currentSessionRef()
			for _, info := range infos {
				marker := " "
				if info.ID == current {
					marker = ui.BoldGreen("*")
				}
				status := ui.Green(string(info.Status))
				if info.Status == store.SessionArchived {
					status = ui.Dim(string(info.Status))
				}
				fmt.Printf("%s %s  %-30s %-9s %s\n", marker, ui.BoldMagenta(ui.ShortID(info.ID)), info.Name, status,
					ui.Dim(info.UpdatedAt.Local().Format("2006-01-02 15:04")))
			}
			return nil
		}),
	}
}

func sessionUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <session>",
		Short: "Make a session current for later commands",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolveSessionID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := setCurrentSession(id); err != nil {
				return err
			}
			fmt.Printf("✅ Using session %s\n", ui.BoldMagenta(id))
			return nil
		}),
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current session and its progress",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			info, snap, err := a.loadSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			sum := progress.Summarize(snap, "")
			if flagJSON {
				return outputJSON(map[string]any{"session": info, "summary": sum})
			}
			fmt.Printf("🧵 %s %s\n", ui.BoldCyan("Session:"), ui.Bold(info.Name))
			fmt.Printf("ID:        %s\n", info.ID)
			if info.Description != "" {
				fmt.Printf("About:     %s\n", info.Description)
			}
			fmt.Printf("Status:    %s\n", info.Status)
			fmt.Printf("Tasks:     %s (%d leaves)\n", ui.Bold(sum.Total), sum.Leaves)
			fmt.Printf("Progress:  %s %d%%\n", ui.ProgressBar(sum.Percent, 20), sum.Percent)
			for k, v := range info.Metadata {
				fmt.Printf("  %s=%s\n", ui.Dim(k), v)
			}
			return nil
		}),
	}
}

func sessionArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive [session]",
		Short: "Make a session read-only",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ref := ""
			if len(args) > 0 {
				ref = args[0]
			}
			id, err := a.resolveSessionID(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if err := a.sessions.Archive(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("📦 Archived session %s\n", ui.BoldMagenta(id))
			return nil
		}),
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>",
		Short: "Delete a session with its tasks, memory and checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := a.resolveSessionID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.sessions.Delete(cmd.Context(), id); err != nil {
				return err
			}
			if current, _ := currentSessionRef(); current == id {
				_ = os.Remove(currentPath)
			}
			fmt.Printf("🗑  Deleted session %s\n", ui.BoldMagenta(id))
			return nil
		}),
	}
}
