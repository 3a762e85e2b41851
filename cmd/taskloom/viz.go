package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshharrison/taskloom/internal/cpm"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/ui"
)

// --- Graph export types ---

type GraphNode struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	ParentID   string       `json:"parent_id,omitempty"`
	Status     graph.Status `json:"status"`
	Progress   int          `json:"progress"`
	IsLeaf     bool         `json:"is_leaf"`
	IsCritical bool         `json:"is_critical"`
	WaveIndex  int          `json:"wave_index"` // -1 for parents
}

type GraphEdge struct {
	From string `json:"from"` // the task that must finish first
	To   string `json:"to"`
}

type GraphMetadata struct {
	SessionID  string `json:"session_id"`
	RootID     string `json:"root_id,omitempty"`
	ExportedAt string `json:"exported_at"`
	TotalTasks int    `json:"total_tasks"`
	TotalWaves int    `json:"total_waves"`
}

type Graph struct {
	Nodes        []GraphNode   `json:"nodes"`
	Edges        []GraphEdge   `json:"edges"`
	CriticalPath []string      `json:"critical_path"`
	Metadata     GraphMetadata `json:"metadata"`
}

// toGraph converts the subtree under rootID into nodes and dependency edges.
func toGraph(v graph.View, rootID string, res *cpm.Result) *Graph {
	ids := graph.SubtreeIDs(v, rootID)
	g := &Graph{
		Nodes:        make([]GraphNode, 0, len(ids)),
		Edges:        []GraphEdge{},
		CriticalPath: res.CriticalPath,
		Metadata: GraphMetadata{
			SessionID:  v.SessionID(),
			RootID:     rootID,
			ExportedAt: time.Now().UTC().Format(time.RFC3339),
			TotalTasks: len(ids),
			TotalWaves: len(res.Waves),
		},
	}
	if g.CriticalPath == nil {
		g.CriticalPath = []string{}
	}
	for _, id := range ids {
		t, _ := v.Task(id)
		n := GraphNode{
			ID:        id,
			Name:      t.Name,
			ParentID:  t.ParentID,
			Status:    t.Status,
			Progress:  t.Progress,
			IsLeaf:    t.IsLeaf(),
			WaveIndex: -1,
		}
		if ts := res.Tasks[id]; ts != nil {
			n.IsCritical = ts.IsCritical
			n.WaveIndex = ts.Wave
		}
		g.Nodes = append(g.Nodes, n)
		for _, dep := range t.DependsOn {
			g.Edges = append(g.Edges, GraphEdge{From: dep, To: id})
		}
	}
	return g
}

func vizCmd() *cobra.Command {
	var flagFormat string

	cmd := &cobra.Command{
		Use:   "viz [root]",
		Short: "Print the task graph (ascii, dot or json)",
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
			res, err := cpm.Analyze(snap, root)
			if err != nil {
				return fmt.Errorf("critical path analysis: %w", err)
			}

			format := flagFormat
			if flagJSON {
				format = "json"
			}
			switch format {
			case "json":
				return outputJSON(toGraph(snap, root, res))
			case "dot":
				printDOT(os.Stdout, snap, root, res)
				return nil
			case "ascii":
				printASCIIDAG(os.Stdout, snap, root, res)
				return nil
			}
			return fmt.Errorf("unsupported format %q (use ascii, dot or json)", format)
		}),
	}

	cmd.Flags().StringVarP(&flagFormat, "format", "f", "ascii", "Output format (ascii, dot, json)")

	return cmd
}

// printASCIIDAG lists the leaves wave by wave with the tasks each one
// unblocks.
func printASCIIDAG(w io.Writer, v graph.View, rootID string, res *cpm.Result) {
	fmt.Fprintf(w, "🔗 %s\n", ui.BoldCyan("Task Dependency Graph"))
	fmt.Fprintln(w, ui.Cyan("═══════════════════════"))
	fmt.Fprintln(w)

	for _, wave := range res.Waves {
		fmt.Fprintf(w, "%s 🌊 Wave %d %s\n", ui.Cyan("──"), wave.Index+1, ui.Cyan("──────────────────────────────"))
		for _, id := range wave.TaskIDs {
			t, _ := v.Task(id)
			crit := " "
			if ts := res.Tasks[id]; ts != nil && ts.IsCritical {
				crit = ui.BoldYellow("⚡")
			}
			fmt.Fprintf(w, "  %s %s [%s] %s\n", crit, ui.StatusIcon(t.Status), ui.BoldMagenta(ui.ShortID(id)), t.Name)
			for _, next := range v.Dependents(id) {
				if n, ok := v.Task(next); ok {
					fmt.Fprintf(w, "      %s %s %s\n", ui.Dim("└──→"), ui.Magenta(ui.ShortID(next)), ui.Dim(n.Name))
				}
			}
		}
		fmt.Fprintln(w)
	}

	// Containers have no wave of their own; show what they hold.
	for _, id := range graph.SubtreeIDs(v, rootID) {
		t, _ := v.Task(id)
		if t.IsLeaf() {
			continue
		}
		fmt.Fprintf(w, "📁 %s %s: %s\n", ui.BoldMagenta(ui.ShortID(id)), t.Name, ui.Dim(shortJoin(t.Children)))
	}
}

func shortJoin(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ui.ShortID(id)
	}
	return strings.Join(out, ", ")
}

// printDOT writes a Graphviz digraph. Containers become clusters and
// critical leaves and edges are drawn in red.
func printDOT(w io.Writer, v graph.View, rootID string, res *cpm.Result) {
	critical := func(id string) bool {
		ts := res.Tasks[id]
		return ts != nil && ts.IsCritical
	}

	fmt.Fprintln(w, "digraph taskloom {")
	fmt.Fprintln(w, "  rankdir=LR;")
	fmt.Fprintln(w, "  compound=true;")
	fmt.Fprintln(w, "  node [shape=box, style=rounded];")
	fmt.Fprintln(w)

	var node func(id, indent string)
	node = func(id, indent string) {
		t, ok := v.Task(id)
		if !ok {
			return
		}
		label := dotEscape(fmt.Sprintf("%s\\n%s (%d%%)", ui.ShortID(id), t.Name, t.Progress))
		if t.IsLeaf() {
			attrs := fmt.Sprintf(`label="%s"`, label)
			if critical(id) {
				attrs += `, style="rounded,bold", color=red`
			}
			fmt.Fprintf(w, "%s%q [%s];\n", indent, id, attrs)
			return
		}
		fmt.Fprintf(w, "%ssubgraph %q {\n", indent, "cluster_"+id)
		fmt.Fprintf(w, "%s  label=\"%s\";\n", indent, label)
		for _, c := range t.Children {
			node(c, indent+"  ")
		}
		fmt.Fprintf(w, "%s}\n", indent)
	}

	ids := graph.SubtreeIDs(v, rootID)
	starts := v.Roots()
	if rootID != "" {
		starts = []string{rootID}
	}
	for _, id := range starts {
		node(id, "  ")
	}
	fmt.Fprintln(w)

	// Edges touching a container attach to one of its leaves and clip at
	// the cluster border.
	anchor := func(id string) (string, string) {
		t, ok := v.Task(id)
		if !ok || t.IsLeaf() {
			return id, ""
		}
		for _, d := range graph.SubtreeIDs(v, id) {
			if dt, _ := v.Task(d); dt.IsLeaf() {
				return d, "cluster_" + id
			}
		}
		return id, ""
	}
	for _, id := range ids {
		t, _ := v.Task(id)
		for _, dep := range t.DependsOn {
			from, tail := anchor(dep)
			to, head := anchor(id)
			var attrs []string
			if tail != "" {
				attrs = append(attrs, fmt.Sprintf("ltail=%q", tail))
			}
			if head != "" {
				attrs = append(attrs, fmt.Sprintf("lhead=%q", head))
			}
			if critical(dep) && critical(id) {
				attrs = append(attrs, "color=red", "penwidth=2")
			}
			style := ""
			if len(attrs) > 0 {
				style = " [" + strings.Join(attrs, ", ") + "]"
			}
			fmt.Fprintf(w, "  %q -> %q%s;\n", from, to, style)
		}
	}

	fmt.Fprintln(w, "}")
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
