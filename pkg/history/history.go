// Package history models migration steps as a graph of parent links and
// resolves the path between two positions.
//
// A valid history is a single chain: one root, every other step naming an
// existing parent, no cycles, and ids increasing along every parent link.
// Branches are tolerated by New so that tooling can report them, but any
// operation that needs a single head fails with a
// *stratum.DivergentHistoryError.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/artifact"
)

// Base is the position before the first step.
const Base = ""

// Direction of a path.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Path is the ordered list of steps between two positions. For Down paths
// the steps are listed newest first and their downgrades are run.
type Path struct {
	Direction Direction
	From, To  string
	Steps     []*artifact.Step
}

// Empty reports whether from and to are the same position.
func (p Path) Empty() bool { return len(p.Steps) == 0 }

// Graph is a validated set of steps.
type Graph struct {
	steps    map[string]*artifact.Step
	children map[string][]string
	ordered  []string
}

// color represents the state of a node during DFS.
type color int

const (
	white color = iota // unvisited
	gray               // in current DFS path (cycle if revisited)
	black              // fully processed
)

// New validates steps and builds the graph.
func New(steps []*artifact.Step) (*Graph, error) {
	g := &Graph{
		steps:    make(map[string]*artifact.Step, len(steps)),
		children: make(map[string][]string),
	}

	var problems []string
	for _, s := range steps {
		if _, dup := g.steps[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %s", s.ID))
			continue
		}
		g.steps[s.ID] = s
		g.ordered = append(g.ordered, s.ID)
	}
	sort.Strings(g.ordered)

	var roots []string
	for _, id := range g.ordered {
		s := g.steps[id]
		switch {
		case s.Parent == Base:
			roots = append(roots, id)
		case g.steps[s.Parent] == nil:
			problems = append(problems, fmt.Sprintf("step %s has unknown parent %s", id, s.Parent))
		default:
			g.children[s.Parent] = append(g.children[s.Parent], id)
			if s.Parent >= id {
				problems = append(problems, fmt.Sprintf("step %s is not newer than its parent %s", id, s.Parent))
			}
		}
	}
	if len(roots) > 1 {
		problems = append(problems, fmt.Sprintf("multiple root steps %s", strings.Join(roots, ", ")))
	}
	if cycle := g.cycle(); cycle != nil {
		problems = append(problems, "cycle "+strings.Join(cycle, " → "))
	}

	if len(problems) > 0 {
		return nil, &stratum.DivergentHistoryError{Reason: strings.Join(problems, "; ")}
	}
	if len(g.steps) > 0 && len(roots) == 0 {
		return nil, &stratum.DivergentHistoryError{Reason: "no root step"}
	}
	return g, nil
}

// cycle follows parent links with the three-colour DFS and returns the first
// cycle found, or nil.
func (g *Graph) cycle() []string {
	colors := make(map[string]color, len(g.steps))

	var dfs func(id string, path []string) []string
	dfs = func(id string, path []string) []string {
		colors[id] = gray
		path = append(path, id)
		if parent := g.steps[id].Parent; parent != Base && g.steps[parent] != nil {
			switch colors[parent] {
			case gray:
				for i, p := range path {
					if p == parent {
						return append(path[i:], parent)
					}
				}
			case white:
				if c := dfs(parent, path); c != nil {
					return c
				}
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range g.ordered {
		if colors[id] == white {
			if c := dfs(id, nil); c != nil {
				return c
			}
		}
	}
	return nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Step returns a step by id.
func (g *Graph) Step(id string) (*artifact.Step, error) {
	s := g.steps[id]
	if s == nil {
		return nil, fmt.Errorf("%w: %s", stratum.ErrUnknownStep, id)
	}
	return s, nil
}

// Has reports whether id is a step of the graph. Base is always present.
func (g *Graph) Has(id string) bool {
	return id == Base || g.steps[id] != nil
}

// Steps returns all steps sorted by id.
func (g *Graph) Steps() []*artifact.Step {
	out := make([]*artifact.Step, len(g.ordered))
	for i, id := range g.ordered {
		out[i] = g.steps[id]
	}
	return out
}

// Heads returns the steps without children, sorted.
func (g *Graph) Heads() []string {
	var heads []string
	for _, id := range g.ordered {
		if len(g.children[id]) == 0 {
			heads = append(heads, id)
		}
	}
	return heads
}

// Head returns the single head, Base for an empty graph, or a
// *stratum.DivergentHistoryError listing the heads.
func (g *Graph) Head() (string, error) {
	heads := g.Heads()
	switch len(heads) {
	case 0:
		return Base, nil
	case 1:
		return heads[0], nil
	}
	return "", &stratum.DivergentHistoryError{Heads: heads}
}

// Append adds a step on top of the current head.
func (g *Graph) Append(s *artifact.Step) error {
	head, err := g.Head()
	if err != nil {
		return err
	}
	if s.Parent != head {
		return &stratum.DivergentHistoryError{Expected: s.Parent, Actual: head}
	}
	if g.steps[s.ID] != nil {
		return fmt.Errorf("step %s already exists", s.ID)
	}
	if head != Base && s.ID <= head {
		return &stratum.DivergentHistoryError{Reason: fmt.Sprintf("step %s is not newer than head %s", s.ID, head)}
	}
	g.steps[s.ID] = s
	g.ordered = append(g.ordered, s.ID)
	if s.Parent != Base {
		g.children[s.Parent] = append(g.children[s.Parent], s.ID)
	}
	return nil
}

// Ancestry returns the chain from the root to id, oldest first.
func (g *Graph) Ancestry(id string) ([]*artifact.Step, error) {
	var chain []*artifact.Step
	for cur := id; cur != Base; {
		s, err := g.Step(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, s)
		cur = s.Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ResolvePath returns the steps to run to move from one position to another.
// Moving to a descendant runs upgrades oldest first; moving to an ancestor
// runs downgrades newest first. Positions on different branches have no
// path and yield a *stratum.DivergentHistoryError.
func (g *Graph) ResolvePath(from, to string) (Path, error) {
	for _, id := range []string{from, to} {
		if !g.Has(id) {
			return Path{}, fmt.Errorf("%w: %s", stratum.ErrUnknownStep, id)
		}
	}
	p := Path{From: from, To: to}
	if from == to {
		return p, nil
	}

	toChain, err := g.Ancestry(to)
	if err != nil {
		return Path{}, err
	}
	if i := indexOf(toChain, from); from == Base || i >= 0 {
		p.Direction = Up
		p.Steps = toChain[i+1:]
		return p, nil
	}

	fromChain, err := g.Ancestry(from)
	if err != nil {
		return Path{}, err
	}
	if i := indexOf(fromChain, to); to == Base || i >= 0 {
		p.Direction = Down
		steps := append([]*artifact.Step(nil), fromChain[i+1:]...)
		for l, r := 0, len(steps)-1; l < r; l, r = l+1, r-1 {
			steps[l], steps[r] = steps[r], steps[l]
		}
		p.Steps = steps
		return p, nil
	}

	return Path{}, &stratum.DivergentHistoryError{
		Reason: fmt.Sprintf("%s and %s are on different branches", from, to),
	}
}

// indexOf returns the position of id in chain, or -1. Base is -1 as well,
// which makes chain[i+1:] the whole chain.
func indexOf(chain []*artifact.Step, id string) int {
	for i, s := range chain {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Load reads and validates the history in store.
func Load(store *artifact.Store) (*Graph, error) {
	steps, err := store.List()
	if err != nil {
		return nil, err
	}
	return New(steps)
}

// Commit adds step to the history in store. It holds the directory lock,
// reloads the history so that steps committed concurrently are seen, appends
// the step on the head and writes the artifact. Two commits based on the same
// head cannot both succeed; the loser gets a *stratum.DivergentHistoryError.
func Commit(ctx context.Context, store *artifact.Store, step *artifact.Step, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	release, err := store.Lock(ctx, timeout, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("releasing migrations directory lock", "error", err)
		}
	}()

	g, err := Load(store)
	if err != nil {
		return err
	}
	if err := g.Append(step); err != nil {
		return err
	}
	if err := store.Put(step); err != nil {
		return fmt.Errorf("writing step %s: %w", step.ID, err)
	}
	logger.Info("committed step", "step", step.ID, "parent", displayParent(step.Parent), "file", store.Path(step))
	return nil
}

func displayParent(id string) string {
	if id == Base {
		return "base"
	}
	return id
}
