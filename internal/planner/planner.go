// Package planner imports task decompositions from plan files and renders
// the wave schedule of a subtree.
package planner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joshharrison/taskloom/internal/cpm"
	"github.com/joshharrison/taskloom/internal/graph"
	"github.com/joshharrison/taskloom/internal/runner"
)

// Batcher runs fn inside one graph transaction and persists the outcome.
type Batcher interface {
	Batch(ctx context.Context, fn func(tx *graph.Tx) error) error
}

// Load reads a plan file. JSON is accepted as well as YAML.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if _, err := p.order(); err != nil {
		return nil, err
	}
	return &p, nil
}

// flatten lists every plan entry depth-first, parents before children.
func (p *Plan) flatten() ([]node, error) {
	var out []node
	seen := make(map[string]bool)
	var walk func(tasks []PlanTask, parent string) error
	walk = func(tasks []PlanTask, parent string) error {
		for i := range tasks {
			t := &tasks[i]
			if strings.TrimSpace(t.Name) == "" {
				return fmt.Errorf("%w: task under %q has no name", ErrInvalidPlan, parent)
			}
			key := t.Key
			if key == "" {
				key = t.Name
			}
			if seen[key] {
				return fmt.Errorf("%w: duplicate key %q", ErrInvalidPlan, key)
			}
			if t.Weight < 0 {
				return fmt.Errorf("%w: %q has negative weight", ErrInvalidPlan, key)
			}
			seen[key] = true
			out = append(out, node{key: key, parent: parent, task: t})
			if err := walk(t.Children, key); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(p.Tasks, ""); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}
	return out, nil
}

// order returns the entries so that every parent and every in-plan
// dependency precedes the entries that need it.
func (p *Plan) order() ([]node, error) {
	nodes, err := p.flatten()
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]node, len(nodes))
	keys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		byKey[n.key] = n
		keys = append(keys, n.key)
	}

	ancestors := func(key string) []string {
		var out []string
		for k := byKey[key].parent; k != ""; k = byKey[k].parent {
			out = append(out, k)
		}
		return out
	}
	for _, n := range nodes {
		anc := ancestors(n.key)
		for _, dep := range n.task.DependsOn {
			if dep == n.key || slices.Contains(anc, dep) {
				return nil, &graph.CycleError{Path: []string{n.key, dep, n.key}}
			}
		}
	}

	// Walk lists each entry before its prerequisites; reverse for creation order.
	prereqs := func(key string) []string {
		n := byKey[key]
		var out []string
		if n.parent != "" {
			out = append(out, n.parent)
		}
		for _, dep := range n.task.DependsOn {
			if _, ok := byKey[dep]; ok {
				out = append(out, dep)
			}
		}
		return out
	}
	walked, cycle := graph.Walk(keys, prereqs)
	if cycle != nil {
		return nil, &graph.CycleError{Path: cycle}
	}
	slices.Reverse(walked)

	out := make([]node, 0, len(walked))
	for _, k := range walked {
		out = append(out, byKey[k])
	}
	return out, nil
}

// Apply creates the plan's tasks under parentID (top level when empty) in a
// single transaction. Every external reference is checked before anything
// is created.
func Apply(ctx context.Context, b Batcher, parentID string, p *Plan) (*Applied, error) {
	nodes, err := p.order()
	if err != nil {
		return nil, err
	}
	inPlan := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		inPlan[n.key] = true
	}

	applied := &Applied{IDs: make(map[string]string, len(nodes))}
	err = b.Batch(ctx, func(tx *graph.Tx) error {
		if parentID != "" {
			if _, ok := tx.Task(parentID); !ok {
				return fmt.Errorf("%w: %s", graph.ErrInvalidParent, parentID)
			}
		}
		for _, n := range nodes {
			for _, dep := range n.task.DependsOn {
				if inPlan[dep] {
					continue
				}
				if _, ok := tx.Task(dep); !ok {
					return fmt.Errorf("%w: %q depends on %s", graph.ErrTaskNotFound, n.key, dep)
				}
			}
		}

		for _, n := range nodes {
			spec := specFor(n, parentID, applied.IDs)
			t, err := tx.CreateTask(spec)
			if err != nil {
				return fmt.Errorf("create %q: %w", n.key, err)
			}
			applied.IDs[n.key] = t.ID
			applied.Tasks = append(applied.Tasks, t)
		}
		return nil
	})
	if err != nil {
		return applied, err
	}
	return applied, nil
}

func specFor(n node, parentID string, ids map[string]string) graph.TaskSpec {
	t := n.task
	spec := graph.TaskSpec{
		ParentID:    parentID,
		Name:        t.Name,
		Description: t.Description,
		Priority:    t.Priority,
		Weight:      t.Weight,
		Tags:        t.Tags,
	}
	if n.parent != "" {
		spec.ParentID = ids[n.parent]
	}
	for _, dep := range t.DependsOn {
		if id, ok := ids[dep]; ok {
			spec.DependsOn = append(spec.DependsOn, id)
		} else {
			spec.DependsOn = append(spec.DependsOn, dep)
		}
	}
	if len(t.Metadata) > 0 || t.Command != "" {
		spec.Metadata = make(map[string]string, len(t.Metadata)+1)
		maps.Copy(spec.Metadata, t.Metadata)
		if t.Command != "" {
			spec.Metadata[runner.CommandKey] = t.Command
		}
	}
	return spec
}

// Generate builds the wave schedule from a critical path analysis.
func Generate(v graph.View, res *cpm.Result) *Schedule {
	s := &Schedule{
		RootID:        res.RootID,
		TotalTasks:    len(res.Tasks),
		TotalDuration: res.TotalDuration,
		CriticalPath:  res.CriticalPath,
	}
	for _, w := range res.Waves {
		sw := ScheduleWave{Index: w.Index, IsCritical: w.IsCritical}
		for _, id := range w.TaskIDs {
			pt := PlannedTask{TaskID: id}
			if t, ok := v.Task(id); ok {
				pt.Name = t.Name
				pt.Status = t.Status
			}
			if ts := res.Tasks[id]; ts != nil {
				pt.IsCritical = ts.IsCritical
				pt.Slack = ts.Slack
				pt.Start = ts.ES
				pt.Finish = ts.EF
			}
			sw.Tasks = append(sw.Tasks, pt)
		}
		s.Waves = append(s.Waves, sw)
	}
	return s
}
