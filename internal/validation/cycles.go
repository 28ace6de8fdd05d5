package validation

import "github.com/benvon/cohort-tags/internal/models"

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// cycleFinder runs a depth-first search over tag → dependency edges
type cycleFinder struct {
	graph map[string][]string
	state map[string]visitState
	stack []string
}

func newCycleFinder(tags []models.Tag) *cycleFinder {
	graph := make(map[string][]string, len(tags))
	for _, t := range tags {
		graph[t.ID] = t.Dependencies
	}
	return &cycleFinder{graph: graph, state: make(map[string]visitState, len(tags))}
}

// visit returns the first cycle reachable from id, with the first node repeated
// at the end, or nil. Dependencies naming unknown tags are not edges.
func (f *cycleFinder) visit(id string) []string {
	if _, ok := f.graph[id]; !ok || f.state[id] == visited {
		return nil
	}
	f.state[id] = visiting
	f.stack = append(f.stack, id)

	for _, dep := range f.graph[id] {
		if _, ok := f.graph[dep]; !ok {
			continue
		}
		switch f.state[dep] {
		case visiting:
			for i := len(f.stack) - 1; i >= 0; i-- {
				if f.stack[i] == dep {
					path := append([]string(nil), f.stack[i:]...)
					return append(path, dep)
				}
			}
		case unvisited:
			if path := f.visit(dep); path != nil {
				return path
			}
		}
	}

	f.stack = f.stack[:len(f.stack)-1]
	f.state[id] = visited
	return nil
}

// FindCycle returns the first dependency cycle in the tag set, or nil when the
// graph is acyclic. Tags are visited in the given order.
func FindCycle(tags []models.Tag) []string {
	f := newCycleFinder(tags)
	for _, t := range tags {
		if path := f.visit(t.ID); path != nil {
			return path
		}
	}
	return nil
}
