package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/claude"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/ui"
)

func inferDepsCmd() *cobra.Command {
	var (
		flagApply    bool
		flagModel    string
		flagOutput   string
		flagFromFile string
	)

	cmd := &cobra.Command{
		Use:   "infer-deps [root]",
		Short: "Use Claude to infer dependencies between leaf tasks",
		Long: `Sends the names and descriptions of the leaves under root (the whole
session when omitted) to Claude and proposes dependency edges. Edges that
reference unknown tasks, repeat existing dependencies or would close a cycle
are skipped. By default runs in dry-run mode; use --apply to add them.`,
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

			var tasks []*graph.Task
			if root != "" {
				if tasks, err = s.Subtree(root); err != nil {
					return err
				}
			} else {
				tasks = s.List(graph.Filter{})
			}
			summaries := claude.Summarize(tasks)
			if len(summaries) < 2 {
				return fmt.Errorf("need at least two leaf tasks to infer dependencies, found %d", len(summaries))
			}

			var result *claude.InferDepsResult
			if flagFromFile != "" {
				data, err := os.ReadFile(flagFromFile)
				if err != nil {
					return fmt.Errorf("read from-file: %w", err)
				}
				result = &claude.InferDepsResult{}
				if err := json.Unmarshal(data, result); err != nil {
					return fmt.Errorf("parse from-file: %w", err)
				}
				fmt.Printf("📂 Loaded %s edges from %s\n", ui.Bold(len(result.Edges)), ui.Dim(flagFromFile))
			} else {
				fmt.Printf("🔍 Sending %s tasks to Claude for dependency inference...\n", ui.Bold(len(summaries)))
				model := flagModel
				if model == "" {
					model = a.cfg.ClaudeModel
				}
				client, err := claude.NewClient("", model)
				if err != nil {
					return err
				}
				if result, err = client.InferDeps(ctx, summaries); err != nil {
					return fmt.Errorf("infer deps: %w", err)
				}
			}

			kept, dropped := result.Filter(summaries)
			for _, e := range dropped {
				fmt.Printf("  %s %s -> %s (unknown, self or existing dependency)\n", ui.Yellow("⏭️  SKIP:"), e.TaskID, e.DependsOnID)
			}

			// Add edges one by one to a scratch copy of the graph, skipping any
			// that would close a cycle.
			trial, err := graph.Load(s.ID(), s.Graph().Snapshot().Tasks())
			if err != nil {
				return err
			}
			var accepted []claude.DepEdge
			for _, e := range kept {
				if err := trial.AddDependency(e.TaskID, e.DependsOnID); err != nil {
					reason := err.Error()
					if errors.Is(err, graph.ErrCycleDetected) {
						reason = "would create cycle"
					}
					fmt.Printf("  %s %s -> %s: %s\n", ui.Yellow("⏭️  SKIP:"), e.TaskID, e.DependsOnID, reason)
					continue
				}
				accepted = append(accepted, e)
			}

			if flagJSON {
				out := claude.InferDepsResult{Edges: accepted, Summary: result.Summary}
				if flagOutput != "" {
					data, err := json.MarshalIndent(out, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(flagOutput, data, 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote %d edges to %s\n", len(accepted), flagOutput)
					return nil
				}
				return outputJSON(out)
			}

			fmt.Printf("\n🔗 Inferred %s dependencies (%d proposed, %d after validation):\n\n",
				ui.Bold(len(accepted)), len(result.Edges), len(accepted))
			for _, e := range accepted {
				fmt.Printf("  %s %s waits on %s  — %s\n", ui.Cyan("→"), ui.BoldMagenta(ui.ShortID(e.TaskID)),
					ui.BoldMagenta(ui.ShortID(e.DependsOnID)), ui.Dim(e.Reason))
			}
			if result.Summary != "" {
				fmt.Printf("\n💡 %s %s\n", ui.BoldWhite("Summary:"), result.Summary)
			}

			if !flagApply {
				fmt.Printf("\n🎯 %s\n", ui.Yellow("Dry run — use --apply to add these dependencies."))
				return nil
			}

			fmt.Printf("\n📝 Applying %s dependencies...\n", ui.Bold(len(accepted)))
			applied := 0
			for _, e := range accepted {
				if err := s.AddDependency(ctx, e.TaskID, e.DependsOnID); err != nil {
					fmt.Printf("  %s %s -> %s: %v\n", ui.Red("❌ ERROR:"), e.TaskID, e.DependsOnID, err)
					continue
				}
				applied++
				fmt.Printf("  %s %s waits on %s\n", ui.Green("✅ OK:"), ui.BoldMagenta(ui.ShortID(e.TaskID)), ui.BoldMagenta(ui.ShortID(e.DependsOnID)))
			}
			fmt.Printf("\n🏁 Applied %s/%d dependencies.\n", ui.BoldGreen(applied), len(accepted))
			return nil
		}),
	}

	cmd.Flags().BoolVar(&flagApply, "apply", false, "Add the inferred dependencies (default: dry-run)")
	cmd.Flags().StringVar(&flagModel, "model", "", "Claude model to use (default from config)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Save JSON output to file (use with --json)")
	cmd.Flags().StringVar(&flagFromFile, "from-file", "", "Load inferred deps from a JSON file instead of calling Claude")

	return cmd
}
