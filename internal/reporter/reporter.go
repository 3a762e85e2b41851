// Package reporter renders session status for terminals and machines.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/planner"
	"github.com/joshharrison/taskloom/internal/progress"
	"github.com/joshharrison/taskloom/internal/runner"
	"github.com/joshharrison/taskloom/internal/scheduler"
	"github.com/joshharrison/taskloom/internal/ui"
)

// ETAFunc estimates the remaining time of a task.
type ETAFunc func(taskID string) (time.Duration, bool)

// Reporter provides status display for one session graph.
type Reporter struct {
	View    graph.View
	RootID  string // empty for the whole graph
	Title   string
	ETA     ETAFunc
	barSize int
}

// New creates a Reporter over v. eta may be nil.
func New(v graph.View, rootID string, eta ETAFunc) *Reporter {
	return &Reporter{View: v, RootID: rootID, ETA: eta, barSize: 20}
}

// PrintStatus writes a terminal-friendly task tree with progress bars.
func (r *Reporter) PrintStatus(w io.Writer) {
	s := progress.Summarize(r.View, r.RootID)
	title := r.Title
	if title == "" {
		title = r.View.SessionID()
	}
	fmt.Fprintf(w, "%s %s — %d of %d leaves complete %s",
		ui.BoldCyan("🧵 Taskloom"), ui.Bold(title),
		r.completedLeaves(), s.Leaves, ui.ProgressBar(s.Percent, r.barSize))
	fmt.Fprintf(w, " %3d%%", s.Percent)
	if n := s.Counts[graph.StatusFailed]; n > 0 {
		fmt.Fprintf(w, " %s", ui.Red(fmt.Sprintf("(%d failed)", n)))
	}
	if n := s.Counts[graph.StatusBlocked]; n > 0 {
		fmt.Fprintf(w, " %s", ui.Yellow(fmt.Sprintf("(%d blocked)", n)))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	for _, id := range r.roots() {
		r.printTree(w, id, 0)
	}
}

func (r *Reporter) roots() []string {
	if r.RootID != "" {
		return []string{r.RootID}
	}
	return r.View.Roots()
}

func (r *Reporter) completedLeaves() int {
	n := 0
	for _, id := range graph.SubtreeIDs(r.View, r.RootID) {
		if t, _ := r.View.Task(id); t.IsLeaf() && t.Status == graph.StatusCompleted {
			n++
		}
	}
	return n
}

func (r *Reporter) printTree(w io.Writer, id string, depth int) {
	t, ok := r.View.Task(id)
	if !ok {
		return
	}

	name := t.Name
	if limit := 40 - 2*depth; len(name) > limit && limit > 3 {
		name = name[:limit-3] + "..."
	}
	pad := 40 - 2*depth - len([]rune(name))
	if pad < 0 {
		pad = 0
	}

	extra := ""
	switch {
	case t.Status == graph.StatusCompleted || t.Status == graph.StatusFailed:
	case t.Progress > 0 && r.ETA != nil:
		if eta, ok := r.ETA(t.ID); ok {
			extra = ui.Cyan(fmt.Sprintf("[eta %s]", eta.Truncate(time.Second)))
		}
	}
	if len(t.DependsOn) > 0 && (t.Status == graph.StatusPending || t.Status == graph.StatusBlocked) {
		extra = strings.TrimSpace(extra + " " + ui.Dim("waits on "+shortIDs(t.DependsOn)))
	}

	fmt.Fprintf(w, "  %s%s %s %s%s %s %3d%%  %s\n",
		strings.Repeat("  ", depth),
		ui.StatusIcon(t.Status),
		ui.BoldMagenta(ui.ShortID(t.ID)),
		name, strings.Repeat(" ", pad),
		ui.ProgressBar(t.Progress, 10), t.Progress,
		extra)

	for _, c := range t.Children {
		r.printTree(w, c, depth+1)
	}
}

func shortIDs(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ui.ShortID(id)
	}
	return strings.Join(out, ", ")
}

// TaskStatus is one row of the machine-readable status.
type TaskStatus struct {
	TaskID    string       `json:"task_id"`
	Name      string       `json:"name"`
	ParentID  string       `json:"parent_id,omitempty"`
	Depth     int          `json:"depth"`
	Status    graph.Status `json:"status"`
	Progress  int          `json:"progress"`
	DependsOn []string     `json:"depends_on,omitempty"`
	ETA       string       `json:"eta,omitempty"`
}

// Status is the machine-readable form of PrintStatus.
type Status struct {
	SessionID string           `json:"session_id"`
	Summary   progress.Summary `json:"summary"`
	Tasks     []TaskStatus     `json:"tasks"`
}

// Collect gathers the status rows in tree order.
func (r *Reporter) Collect() Status {
	out := Status{
		SessionID: r.View.SessionID(),
		Summary:   progress.Summarize(r.View, r.RootID),
	}
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		t, ok := r.View.Task(id)
		if !ok {
			return
		}
		ts := TaskStatus{
			TaskID:    t.ID,
			Name:      t.Name,
			ParentID:  t.ParentID,
			Depth:     depth,
			Status:    t.Status,
			Progress:  t.Progress,
			DependsOn: t.DependsOn,
		}
		if r.ETA != nil && t.Status.Active() {
			if eta, ok := r.ETA(t.ID); ok {
				ts.ETA = eta.Truncate(time.Second).String()
			}
		}
		out.Tasks = append(out.Tasks, ts)
		for _, c := range t.Children {
			walk(c, depth+1)
		}
	}
	for _, id := range r.roots() {
		walk(id, 0)
	}
	return out
}

// JSON returns machine-readable status.
func (r *Reporter) JSON() ([]byte, error) {
	return json.MarshalIndent(r.Collect(), "", "  ")
}

// PrintWaves writes the wave schedule with live task statuses.
func (r *Reporter) PrintWaves(w io.Writer, sched *planner.Schedule) {
	fmt.Fprintf(w, "%s %d leaves in %d waves, critical path length %d\n\n",
		ui.BoldCyan("🧵 Schedule"), sched.TotalTasks, len(sched.Waves), sched.TotalDuration)

	for _, wave := range sched.Waves {
		fmt.Fprintf(w, "  🌊 %s %d (%s)\n", ui.BoldWhite("WAVE"), wave.Index+1, ui.WaveStatus(r.waveStatus(wave)))
		for _, pt := range wave.Tasks {
			st := pt.Status
			if t, ok := r.View.Task(pt.TaskID); ok {
				st = t.Status
			}
			critical := " "
			if pt.IsCritical {
				critical = ui.BoldYellow("⚡")
			}
			name := pt.Name
			if len(name) > 40 {
				name = name[:37] + "..."
			}
			slack := ""
			if pt.Slack > 0 {
				slack = ui.Dim(fmt.Sprintf("[slack %d]", pt.Slack))
			}
			fmt.Fprintf(w, "    %s %-8s %-40s %s  %s\n", ui.StatusIcon(st), ui.BoldMagenta(ui.ShortID(pt.TaskID)), name, critical, slack)
		}
		fmt.Fprintln(w)
	}

	if len(sched.CriticalPath) > 0 {
		fmt.Fprintf(w, "Critical:  %s\n", ui.BoldYellow("⚡ "+strings.Join(shortAll(sched.CriticalPath), " → ")))
	}
}

func shortAll(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ui.ShortID(id)
	}
	return out
}

// waveStatus derives a wave's status from the live statuses of its tasks.
func (r *Reporter) waveStatus(wave planner.ScheduleWave) string {
	allDone, anyRunning, anyFailed := true, false, false
	for _, pt := range wave.Tasks {
		t, ok := r.View.Task(pt.TaskID)
		if !ok {
			continue
		}
		switch t.Status {
		case graph.StatusCompleted:
		case graph.StatusFailed:
			anyFailed = true
		case graph.StatusRunning:
			anyRunning = true
			allDone = false
		default:
			allDone = false
		}
	}
	switch {
	case anyRunning:
		return "running"
	case anyFailed && allDone:
		return "failed"
	case allDone:
		return "done"
	}
	return "waiting"
}

// PrintRunSummary writes a run result report. The text is also returned so
// it can be passed on, for example as context for a narrative summary.
func PrintRunSummary(w io.Writer, res scheduler.Result, execs []runner.Execution) string {
	var b strings.Builder
	mw := io.MultiWriter(w, &b)

	statusText := ui.BoldGreen("completed")
	statusEmoji := "✅"
	switch {
	case res.Cancelled:
		statusText = ui.Yellow("cancelled")
		statusEmoji = "🚫"
	case res.TimedOut:
		statusText = ui.Yellow("timed out")
		statusEmoji = "⏱"
	case !res.Success:
		statusText = ui.BoldRed("failed")
		statusEmoji = "❌"
	}

	root := res.RootID
	if root == "" {
		root = "*"
	}
	fmt.Fprintf(mw, "\n%s %s\n", statusEmoji, ui.BoldCyan("Taskloom Run Summary"))
	fmt.Fprintf(mw, "%s\n", ui.Cyan("══════════════════════════"))
	fmt.Fprintf(mw, "Run:       %s\n", ui.Dim(res.RunID))
	fmt.Fprintf(mw, "Root:      %s\n", root)
	fmt.Fprintf(mw, "Status:    %s\n", statusText)
	fmt.Fprintf(mw, "Duration:  %s\n", ui.Bold(res.FinishedAt.Sub(res.StartedAt).Truncate(time.Millisecond)))
	fmt.Fprintf(mw, "Totals:    %s  %s  %s",
		ui.Green(fmt.Sprintf("%d completed", len(res.Completed))),
		ui.Red(fmt.Sprintf("%d failed", len(res.Failed))),
		ui.Yellow(fmt.Sprintf("%d blocked", len(res.Blocked))))
	if n := len(res.Pending) + len(res.InFlight); n > 0 {
		fmt.Fprintf(mw, "  %s", ui.Dim(fmt.Sprintf("%d unfinished", n)))
	}
	fmt.Fprintln(mw)

	byTask := make(map[string]runner.Execution, len(execs))
	for _, e := range execs {
		byTask[e.TaskID] = e
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(mw, "\n%s\n", ui.BoldRed("Failed tasks:"))
		for _, id := range res.Failed {
			line := fmt.Sprintf("  %s %s", ui.Red("✗"), ui.BoldMagenta(id))
			if e, ok := byTask[id]; ok {
				line += ui.Red(fmt.Sprintf(" exit %d after %s", e.ExitCode, e.FinishedAt.Sub(e.StartedAt).Truncate(time.Second)))
				if e.LogFile != "" {
					line += "  " + ui.Dim("(log: "+e.LogFile+")")
				}
			}
			fmt.Fprintln(mw, line)
		}
	}
	if len(res.BlockedByFailure) > 0 {
		fmt.Fprintf(mw, "\n%s %s\n", ui.BoldYellow("Blocked by failure:"), strings.Join(res.BlockedByFailure, ", "))
	}
	return b.String()
}
