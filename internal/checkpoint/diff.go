package checkpoint

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/joshharrison/taskloom/internal/graph"
)

// Diff loads two checkpoints of this session and compares them.
func (m *Manager) Diff(ctx context.Context, fromID, toID string) (*Diff, error) {
	a, err := m.Get(ctx, fromID)
	if err != nil {
		return nil, err
	}
	b, err := m.Get(ctx, toID)
	if err != nil {
		return nil, err
	}
	return Compare(a, b)
}

// Compare reports how b differs from a. If either is a stage checkpoint
// only status and progress are compared.
func Compare(a, b *Checkpoint) (*Diff, error) {
	if a.SessionID != b.SessionID {
		return nil, fmt.Errorf("%w: %s and %s", ErrIncompatibleCheckpoints, a.SessionID, b.SessionID)
	}
	if a.Payload == nil || b.Payload == nil {
		return nil, fmt.Errorf("compare %s and %s: payload not loaded", a.ID, b.ID)
	}
	stageOnly := a.Level == LevelStage || b.Level == LevelStage

	from := a.Payload.index()
	to := b.Payload.index()
	d := &Diff{From: a.ID, To: b.ID}

	for _, id := range sortedKeys(from) {
		if _, ok := to[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	for _, id := range sortedKeys(to) {
		old, ok := from[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		d.Changes = append(d.Changes, compareTask(old, to[id], stageOnly)...)
		if !stageOnly {
			oldExt := strings.Join(a.Payload.ExternalDeps[id], ",")
			newExt := strings.Join(b.Payload.ExternalDeps[id], ",")
			if oldExt != newExt {
				d.Changes = append(d.Changes, FieldChange{TaskID: id, Field: "external_deps", Old: oldExt, New: newExt})
			}
		}
	}
	return d, nil
}

func compareTask(a, b *graph.Task, stageOnly bool) []FieldChange {
	var out []FieldChange
	add := func(field, old, new string) {
		if old != new {
			out = append(out, FieldChange{TaskID: a.ID, Field: field, Old: old, New: new})
		}
	}
	add("status", string(a.Status), string(b.Status))
	add("progress", strconv.Itoa(a.Progress), strconv.Itoa(b.Progress))
	if stageOnly {
		return out
	}
	add("name", a.Name, b.Name)
	add("description", a.Description, b.Description)
	add("parent_id", a.ParentID, b.ParentID)
	add("depends_on", strings.Join(a.DependsOn, ","), strings.Join(b.DependsOn, ","))
	add("priority", priorityString(a.Priority), priorityString(b.Priority))
	add("weight", strconv.Itoa(a.Weight), strconv.Itoa(b.Weight))
	add("tags", strings.Join(a.Tags, ","), strings.Join(b.Tags, ","))
	return out
}

func priorityString(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func sortedKeys(m map[string]*graph.Task) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
