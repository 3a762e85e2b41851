// Package claude asks the Anthropic API to infer dependency edges between
// the tasks of a session and to summarise finished runs.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joshharrison/taskloom/internal/graph"
)

// TaskSummary is the minimal task info sent to Claude for dependency inference.
type TaskSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Summarize builds the prompt input for the leaf tasks in tasks. Containers
// are left out: edges are only proposed between schedulable work.
func Summarize(tasks []*graph.Task) []TaskSummary {
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		if !t.IsLeaf() {
			continue
		}
		out = append(out, TaskSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			ParentID:    t.ParentID,
			DependsOn:   t.DependsOn,
			Tags:        t.Tags,
		})
	}
	return out
}

// DepEdge is a single inferred dependency.
type DepEdge struct {
	TaskID      string `json:"task_id"`       // task that waits
	DependsOnID string `json:"depends_on_id"` // task that must finish first
	Reason      string `json:"reason"`
}

// InferDepsResult holds the full response from Claude.
type InferDepsResult struct {
	Edges   []DepEdge `json:"edges"`
	Summary string    `json:"summary"`
}

// Filter drops edges that reference unknown ids, point a task at itself, or
// repeat a dependency the task already has.
func (r *InferDepsResult) Filter(tasks []TaskSummary) (kept, dropped []DepEdge) {
	known := make(map[string]TaskSummary, len(tasks))
	for _, t := range tasks {
		known[t.ID] = t
	}
	seen := make(map[[2]string]bool)
	for _, e := range r.Edges {
		t, ok := known[e.TaskID]
		_, depOK := known[e.DependsOnID]
		key := [2]string{e.TaskID, e.DependsOnID}
		if !ok || !depOK || e.TaskID == e.DependsOnID || seen[key] || slices.Contains(t.DependsOn, e.DependsOnID) {
			dropped = append(dropped, e)
			continue
		}
		seen[key] = true
		kept = append(kept, e)
	}
	return kept, dropped
}

// Client wraps the Anthropic SDK for Claude API calls.
type Client struct {
	inner anthropic.Client
	model anthropic.Model
}

// NewClient creates a Claude client. apiKey defaults to ANTHROPIC_API_KEY env.
// model defaults to Claude Sonnet.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	inner := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	m := anthropic.Model("claude-sonnet-4-6") // ModelClaudeSonnet4_6; constant requires SDK >= v1.24.0 (Go >= 1.23)
	if model != "" {
		m = anthropic.Model(model)
	}

	return &Client{inner: inner, model: m}, nil
}

const inferDepsPrompt = `You plan work for a task scheduler. Given the leaf tasks of a session, infer which tasks must wait for others.

Rules:
- Only add a dependency when a task genuinely cannot start until another is complete.
- Prefer fewer edges. Skip transitive or speculative dependencies.
- Never create cycles, including through the existing depends_on lists.
- Only use task IDs from the provided list.
- A task cannot depend on itself.
- Do not repeat dependencies already listed in depends_on.

Return your answer as JSON with this exact structure:
{
  "edges": [
    {"task_id": "<task that waits>", "depends_on_id": "<task that must finish first>", "reason": "<short explanation>"}
  ],
  "summary": "<one paragraph summary of the dependency structure>"
}

Return ONLY the JSON object. No markdown fences, no commentary outside the JSON.

Here are the tasks:
`

// buildPrompt constructs the full prompt for dependency inference.
func buildPrompt(tasks []TaskSummary) (string, error) {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal tasks: %w", err)
	}
	return inferDepsPrompt + string(data), nil
}

// InferDeps calls the Claude API to infer task dependencies.
func (c *Client) InferDeps(ctx context.Context, tasks []TaskSummary) (*InferDepsResult, error) {
	prompt, err := buildPrompt(tasks)
	if err != nil {
		return nil, err
	}

	text, err := c.complete(ctx, "", prompt)
	if err != nil {
		return nil, err
	}
	return parseInferDeps(text)
}

func parseInferDeps(text string) (*InferDepsResult, error) {
	text = stripJSONFences(text)
	var result InferDepsResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("parse claude response: %w\nraw: %s", err, text)
	}
	return &result, nil
}

const summariseRunPrompt = `You are a technical project manager summarising a taskloom run.

You will receive:
1. A structured run result (root task, completed, failed and blocked task ids).
2. The output log of each task that ran (truncated).

Produce a concise narrative summary covering:
- What each task accomplished, or why it failed or stayed blocked.
- Any notable issues or warnings.
- An overall assessment of the run.

Aim for one or two sentences per task and a short overall paragraph.
Do not repeat raw log content verbatim.
`

// SummariseRun sends a run result and task logs to Claude and returns a
// human-readable narrative.
func (c *Client) SummariseRun(ctx context.Context, runSummary string, taskLogs map[string]string) (string, error) {
	var b strings.Builder
	b.WriteString("## Run Result\n\n")
	b.WriteString(runSummary)
	b.WriteString("\n\n## Task Logs\n\n")

	ids := make([]string, 0, len(taskLogs))
	for id := range taskLogs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "### Task: %s\n```\n%s\n```\n\n", id, taskLogs[id])
	}

	text, err := c.complete(ctx, summariseRunPrompt, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(4096),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// stripJSONFences removes markdown code fences that Claude sometimes adds.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
