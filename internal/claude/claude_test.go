package claude

import (
	"strings"
	"testing"

	"github.com/joshharrison/taskloom/internal/graph"
)

func TestStripJSONFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"clean", `{"edges": []}`},
		{"json tag", "```json\n{\"edges\": []}\n```"},
		{"plain fence", "```\n{\"edges\": []}\n```"},
		{"whitespace", "  \n```json\n{\"edges\": []}\n```\n  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripJSONFences(tt.input); got != `{"edges": []}` {
				t.Errorf("expected clean JSON, got %q", got)
			}
		})
	}
}

func TestSummarize_LeavesOnly(t *testing.T) {
	tasks := []*graph.Task{
		{ID: "T1", Name: "backend", Children: []string{"T2", "T3"}},
		{ID: "T2", Name: "schema", ParentID: "T1"},
		{ID: "T3", Name: "handlers", ParentID: "T1", DependsOn: []string{"T2"}},
	}
	got := Summarize(tasks)
	if len(got) != 2 {
		t.Fatalf("expected 2 leaf summaries, got %d", len(got))
	}
	if got[0].ID != "T2" || got[1].ID != "T3" || got[1].DependsOn[0] != "T2" {
		t.Errorf("unexpected summaries: %+v", got)
	}
}

func TestBuildPrompt_ContainsTaskData(t *testing.T) {
	tasks := []TaskSummary{
		{ID: "T1", Name: "Setup DB"},
		{ID: "T2", Name: "Add API", DependsOn: []string{"T1"}},
	}
	prompt, err := buildPrompt(tasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"T1", "Setup DB", "T2", "Add API", "depends_on_id"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestParseInferDeps(t *testing.T) {
	raw := "```json\n" + `{
		"edges": [
			{"task_id": "T2", "depends_on_id": "T1", "reason": "API needs DB"}
		],
		"summary": "T2 depends on T1"
	}` + "\n```"
	result, err := parseInferDeps(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(result.Edges))
	}
	if result.Edges[0].TaskID != "T2" || result.Edges[0].DependsOnID != "T1" {
		t.Errorf("unexpected edge: %+v", result.Edges[0])
	}
	if result.Summary != "T2 depends on T1" {
		t.Errorf("unexpected summary: %s", result.Summary)
	}

	if _, err := parseInferDeps("not json"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFilter(t *testing.T) {
	tasks := []TaskSummary{
		{ID: "T1"},
		{ID: "T2", DependsOn: []string{"T1"}},
		{ID: "T3"},
	}
	result := &InferDepsResult{Edges: []DepEdge{
		{TaskID: "T3", DependsOnID: "T2"},
		{TaskID: "T3", DependsOnID: "T2"}, // duplicate
		{TaskID: "T2", DependsOnID: "T1"}, // already present
		{TaskID: "T1", DependsOnID: "T1"}, // self
		{TaskID: "T9", DependsOnID: "T1"}, // unknown
	}}

	kept, dropped := result.Filter(tasks)
	if len(kept) != 1 || kept[0].TaskID != "T3" || kept[0].DependsOnID != "T2" {
		t.Errorf("expected only T3 -> T2 kept, got %+v", kept)
	}
	if len(dropped) != 4 {
		t.Errorf("expected 4 dropped edges, got %d", len(dropped))
	}
}
