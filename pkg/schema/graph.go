package schema

import (
	"sort"
	"strings"
)

// color represents the state of a node during DFS.
type color int

const (
	white color = iota // unvisited
	gray               // in current DFS path (cycle if revisited)
	black              // fully processed
)

// dependencyGraph maps a table to the tables its foreign keys reference.
// Self references are dropped; they never constrain ordering.
func dependencyGraph(s *Schema) map[string][]string {
	graph := make(map[string][]string, len(s.Tables))
	for name, t := range s.Tables {
		seen := make(map[string]bool)
		graph[name] = nil
		for _, fk := range t.ForeignKeys {
			if fk.RefTable == name || seen[fk.RefTable] {
				continue
			}
			if _, ok := s.Tables[fk.RefTable]; !ok {
				continue
			}
			seen[fk.RefTable] = true
			graph[name] = append(graph[name], fk.RefTable)
		}
		sort.Strings(graph[name])
	}
	return graph
}

// DependencyOrder returns the given tables ordered so that every table comes
// after the tables its foreign keys reference. Only references between tables
// of s are considered. Ties and cycles are broken by name, so the order is
// deterministic.
func DependencyOrder(s *Schema, tables []string) []string {
	graph := dependencyGraph(s)
	include := make(map[string]bool, len(tables))
	for _, t := range tables {
		include[t] = true
	}

	names := append([]string(nil), tables...)
	sort.Strings(names)

	colors := make(map[string]color, len(names))
	order := make([]string, 0, len(names))

	var visit func(n string)
	visit = func(n string) {
		colors[n] = gray
		for _, dep := range graph[n] {
			if include[dep] && colors[dep] == white {
				visit(dep)
			}
		}
		colors[n] = black
		order = append(order, n)
	}

	for _, n := range names {
		if colors[n] == white {
			visit(n)
		}
	}
	return order
}

// ForeignKeyCycle returns a cycle of tables linked by foreign keys, or nil.
// Cycles are legal (foreign keys are added after all tables exist) but they
// make it impossible to drop or load tables one at a time.
//
// Example: "orders → subscriptions → orders"
func ForeignKeyCycle(s *Schema) []string {
	graph := dependencyGraph(s)
	colors := make(map[string]color, len(graph))
	parent := make(map[string]string, len(graph))

	var dfs func(n string) []string
	dfs = func(n string) []string {
		colors[n] = gray
		for _, neighbor := range graph[n] {
			switch colors[neighbor] {
			case gray:
				return reconstructCycle(n, neighbor, parent)
			case white:
				parent[neighbor] = n
				if cycle := dfs(neighbor); cycle != nil {
					return cycle
				}
			}
		}
		colors[n] = black
		return nil
	}

	for _, n := range s.TableNames() {
		if colors[n] == white {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// reconstructCycle builds the cycle path from parent pointers.
// from is the node where we detected the back-edge, to is the node we're returning to.
func reconstructCycle(from, to string, parent map[string]string) []string {
	cycle := []string{to}
	for n := from; n != to; n = parent[n] {
		cycle = append([]string{n}, cycle...)
	}
	cycle = append([]string{to}, cycle...)
	return cycle
}

// FormatCycle converts a cycle path to a human-readable string.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " → ")
}
