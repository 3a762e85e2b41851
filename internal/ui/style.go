package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/joshharrison/taskloom/internal/graph"
)

// Sprint color functions for building styled strings.
var (
	Bold        = color.New(color.Bold).SprintFunc()
	Dim         = color.New(color.Faint).SprintFunc()
	Cyan        = color.New(color.FgCyan).SprintFunc()
	Green       = color.New(color.FgGreen).SprintFunc()
	Red         = color.New(color.FgRed).SprintFunc()
	Yellow      = color.New(color.FgYellow).SprintFunc()
	Magenta     = color.New(color.FgMagenta).SprintFunc()
	BoldCyan    = color.New(color.Bold, color.FgCyan).SprintFunc()
	BoldGreen   = color.New(color.Bold, color.FgGreen).SprintFunc()
	BoldRed     = color.New(color.Bold, color.FgRed).SprintFunc()
	BoldYellow  = color.New(color.Bold, color.FgYellow).SprintFunc()
	BoldMagenta = color.New(color.Bold, color.FgMagenta).SprintFunc()
	BoldWhite   = color.New(color.Bold, color.FgWhite).SprintFunc()
)

// PrintLogo renders the colored taskloom banner to stderr.
func PrintLogo() {
	w := os.Stderr
	frame := color.New(color.FgCyan)
	nodes := color.New(color.FgYellow)
	edges := color.New(color.FgCyan, color.Faint)
	brand := color.New(color.Bold, color.FgMagenta)
	tag := color.New(color.Faint)

	fmt.Fprintln(w)
	frame.Fprintln(w, "   +--------------------------+")
	nodes.Fprintln(w, "   |      o                   |")
	edges.Fprintln(w, "   |     / \\      o---o       |")
	nodes.Fprintln(w, "   |    o   o----/            |")
	brand.Fprintln(w, "   |  T A S K L O O M         |")
	frame.Fprintln(w, "   +--------------------------+")
	tag.Fprintf(w, "   %s Hierarchical task scheduling\n", Dim("🧵"))
	fmt.Fprintln(w)
}

// taskColors is a palette of distinct bold colors for differentiating tasks.
var taskColors = []func(a ...interface{}) string{
	BoldMagenta,
	BoldCyan,
	BoldYellow,
	BoldGreen,
	color.New(color.Bold, color.FgHiBlue).SprintFunc(),
	color.New(color.Bold, color.FgHiRed).SprintFunc(),
}

// taskColorIndex hashes a task ID to a palette index.
func taskColorIndex(taskID string) int {
	var h uint32
	for _, c := range taskID {
		h = h*31 + uint32(c)
	}
	return int(h % uint32(len(taskColors)))
}

// TaskPrefix returns a colored [task-id] prefix string.
// Each task ID gets a distinct color from the palette.
func TaskPrefix(taskID string) string {
	c := taskColors[taskColorIndex(taskID)]
	return Dim("[") + c(ShortID(taskID)) + Dim("]")
}

// ShortID trims uuid task ids to their first block for display.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i == 8 && len(id) == 36 {
		return id[:8]
	}
	return id
}

// StatusIcon returns a colored status icon for compact table display.
func StatusIcon(st graph.Status) string {
	switch st {
	case graph.StatusCompleted:
		return Green("✓")
	case graph.StatusRunning:
		return Cyan("●")
	case graph.StatusReady:
		return BoldCyan("○")
	case graph.StatusFailed:
		return Red("✗")
	case graph.StatusBlocked:
		return Yellow("⊘")
	default:
		return Dim("◌")
	}
}

// StatusText colours a status name the same way StatusIcon does.
func StatusText(st graph.Status) string {
	s := string(st)
	switch st {
	case graph.StatusCompleted:
		return Green(s)
	case graph.StatusRunning, graph.StatusReady:
		return Cyan(s)
	case graph.StatusFailed:
		return Red(s)
	case graph.StatusBlocked:
		return Yellow(s)
	default:
		return Dim(s)
	}
}

// WaveStatus returns a colored wave status string.
func WaveStatus(status string) string {
	switch status {
	case "done":
		return Green("done")
	case "running":
		return BoldCyan("running")
	case "failed":
		return Red("failed")
	default:
		return Dim("waiting")
	}
}

// ProgressBar renders percent as a bar of width cells.
func ProgressBar(percent, width int) string {
	percent = max(0, min(100, percent))
	filled := percent * width / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	switch {
	case percent == 100:
		return Green(bar)
	case percent > 0:
		return Cyan(bar)
	default:
		return Dim(bar)
	}
}
