package graph

import (
	"slices"
	"sort"
)

// Walk runs a depth-first traversal over ids following next, using
// white/gray/black colouring. It returns the reverse postorder (every node
// before the nodes next leads to) or, if a back edge is found, the cycle in
// dependency order with the first node repeated at the end.
func Walk(ids []string, next func(string) []string) (order []string, cycle []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(ids))
	stack := make([]string, 0, 16)
	post := make([]string, 0, len(ids))

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		stack = append(stack, node)
		for _, nxt := range next(node) {
			switch color[nxt] {
			case gray:
				i := slices.Index(stack, nxt)
				c := append(slices.Clone(stack[i:]), nxt)
				slices.Reverse(c)
				return c
			case white:
				if c := dfs(nxt); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		post = append(post, node)
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if c := dfs(id); c != nil {
				return nil, c
			}
		}
	}
	slices.Reverse(post)
	return post, nil
}

// Blocks returns the tasks that must wait for id, sorted: its dependents,
// every descendant of a dependent (a container's dependencies gate its whole
// subtree) and its parent, which cannot complete before its children.
func Blocks(v View, id string) []string {
	var out []string
	for _, d := range v.Dependents(id) {
		out = append(out, SubtreeIDs(v, d)...)
	}
	if t, ok := v.Task(id); ok && t.ParentID != "" {
		out = append(out, t.ParentID)
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// FindCycle returns a cycle over dependency and hierarchy edges, or nil.
func FindCycle(v View) []string {
	_, cycle := Walk(v.TaskIDs(), func(id string) []string { return Blocks(v, id) })
	return cycle
}

// SubtreeIDs returns rootID and all its descendants in preorder.
// An empty rootID yields every task, roots first.
func SubtreeIDs(v View, rootID string) []string {
	var starts []string
	if rootID == "" {
		starts = v.Roots()
	} else if _, ok := v.Task(rootID); ok {
		starts = []string{rootID}
	}

	var out []string
	var visit func(id string)
	visit = func(id string) {
		t, ok := v.Task(id)
		if !ok {
			return
		}
		out = append(out, id)
		for _, c := range t.Children {
			visit(c)
		}
	}
	for _, s := range starts {
		visit(s)
	}
	return out
}

// Ancestors returns the parent chain of id, nearest first.
func Ancestors(v View, id string) []string {
	var out []string
	t, ok := v.Task(id)
	for ok && t.ParentID != "" {
		out = append(out, t.ParentID)
		t, ok = v.Task(t.ParentID)
	}
	return out
}

// IsAncestor reports whether anc is a strict ancestor of id.
func IsAncestor(v View, anc, id string) bool {
	return slices.Contains(Ancestors(v, id), anc)
}

// EffectiveDeps returns the dependencies that gate t: its own plus those
// declared by its ancestors.
func EffectiveDeps(v View, t *Task) []string {
	deps := slices.Clone(t.DependsOn)
	for _, a := range Ancestors(v, t.ID) {
		if at, ok := v.Task(a); ok {
			deps = append(deps, at.DependsOn...)
		}
	}
	if len(deps) == len(t.DependsOn) {
		return deps
	}
	sort.Strings(deps)
	return slices.Compact(deps)
}

// DependenciesMet reports whether every effective dependency of t is completed.
func DependenciesMet(v View, t *Task) bool {
	for _, dep := range EffectiveDeps(v, t) {
		d, ok := v.Task(dep)
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}
