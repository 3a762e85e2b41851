package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/planner"
	"github.com/joshharrison/taskloom/internal/ui"
)

func planCmd() *cobra.Command {
	var (
		flagParent string
		flagDryRun bool
	)

	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Import a task decomposition from a YAML or JSON plan file",
		Long: `Creates every task of a plan file in one step. Entries nest through
"children" and refer to each other in "depends_on" by key (the name when no
key is given); any other depends_on value must be an existing task id.

  tasks:
    - key: api
      name: Build API
      children:
        - {key: schema, name: Design schema, command: make schema}
        - {key: handlers, name: Write handlers, depends_on: [schema]}
    - {name: Write docs, depends_on: [api]}`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			p, err := planner.Load(args[0])
			if err != nil {
				return err
			}
			if flagDryRun {
				if flagJSON {
					return outputJSON(p)
				}
				fmt.Printf("🎯 %s\n", ui.Yellow("Dry run — plan is valid but nothing was created."))
				printPlanTasks(p.Tasks, 1)
				return nil
			}

			ctx := cmd.Context()
			s, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			ids, err := resolveTasks(s, flagParent)
			if err != nil {
				return err
			}
			applied, err := planner.Apply(ctx, s, ids[0], p)
			if err != nil {
				if applied != nil && len(applied.Tasks) > 0 {
					fmt.Fprintf(os.Stderr, "%s %d tasks were created before the error\n", ui.Yellow("⚠"), len(applied.Tasks))
				}
				return err
			}

			if flagJSON {
				return outputJSON(applied)
			}
			fmt.Printf("📥 Imported %s tasks from %s\n", ui.Bold(len(applied.Tasks)), ui.Dim(args[0]))
			depth := map[string]int{ids[0]: 0}
			for _, t := range applied.Tasks {
				depth[t.ID] = depth[t.ParentID] + 1
				fmt.Printf("%*s%s %s %s\n", depth[t.ID]*2, "", ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(t.ID)), t.Name)
			}
			return nil
		}),
	}

	cmd.Flags().StringVarP(&flagParent, "parent", "p", "", "Create the plan under this task")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Validate the plan without creating tasks")

	return cmd
}

func printPlanTasks(tasks []planner.PlanTask, depth int) {
	for _, t := range tasks {
		extra := ""
		if len(t.DependsOn) > 0 {
			extra = ui.Dim(fmt.Sprintf(" (after %v)", t.DependsOn))
		}
		if t.Command != "" {
			extra += " " + ui.Cyan("$ "+t.Command)
		}
		fmt.Printf("%*s• %s%s\n", depth*2, "", t.Name, extra)
		printPlanTasks(t.Children, depth+1)
	}
}
