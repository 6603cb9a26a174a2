package history_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/ops"
)

func step(id, parent string) *artifact.Step {
	return &artifact.Step{ID: id, Parent: parent, Message: "step " + id}
}

func ids(steps []*artifact.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

const (
	a = "20260101000000"
	b = "20260102000000"
	c = "20260103000000"
	d = "20260104000000"
)

func linear(t *testing.T) *history.Graph {
	t.Helper()
	g, err := history.New([]*artifact.Step{step(c, b), step(a, ""), step(b, a)})
	require.NoError(t, err)
	return g
}

func TestHead(t *testing.T) {
	g := linear(t)
	head, err := g.Head()
	require.NoError(t, err)
	assert.Equal(t, c, head)
	assert.Equal(t, []string{a, b, c}, ids(g.Steps()))

	empty, err := history.New(nil)
	require.NoError(t, err)
	head, err = empty.Head()
	require.NoError(t, err)
	assert.Equal(t, history.Base, head)
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name  string
		steps []*artifact.Step
		want  string
	}{
		{"duplicate", []*artifact.Step{step(a, ""), step(a, "")}, "duplicate step id"},
		{"missing parent", []*artifact.Step{step(a, ""), step(c, b)}, "unknown parent"},
		{"two roots", []*artifact.Step{step(a, ""), step(b, "")}, "multiple root steps"},
		{"older than parent", []*artifact.Step{step(a, ""), step(c, a), step(b, c)}, "not newer than its parent"},
		{"cycle", []*artifact.Step{step(a, ""), step(b, c), step(c, b)}, "cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := history.New(tt.steps)
			require.Error(t, err)
			assert.True(t, stratum.IsDivergentHistoryErr(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBranchedHistory(t *testing.T) {
	g, err := history.New([]*artifact.Step{step(a, ""), step(b, a), step(c, a)})
	require.NoError(t, err, "branches load so they can be reported")

	_, err = g.Head()
	var div *stratum.DivergentHistoryError
	require.True(t, errors.As(err, &div))
	assert.Equal(t, []string{b, c}, div.Heads)

	_, err = g.ResolvePath(b, c)
	assert.True(t, stratum.IsDivergentHistoryErr(err))

	path, err := g.ResolvePath(history.Base, b)
	require.NoError(t, err, "a path along one branch still resolves")
	assert.Equal(t, []string{a, b}, ids(path.Steps))
}

func TestResolvePath(t *testing.T) {
	g := linear(t)

	tests := []struct {
		from, to string
		dir      history.Direction
		want     []string
	}{
		{history.Base, c, history.Up, []string{a, b, c}},
		{a, c, history.Up, []string{b, c}},
		{c, a, history.Down, []string{c, b}},
		{c, history.Base, history.Down, []string{c, b, a}},
		{b, b, history.Up, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			p, err := g.ResolvePath(tt.from, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.dir, p.Direction)
			assert.Equal(t, tt.want, ids(p.Steps))
			assert.Equal(t, len(tt.want) == 0, p.Empty())
		})
	}

	_, err := g.ResolvePath(a, d)
	assert.ErrorIs(t, err, stratum.ErrUnknownStep)
}

func TestAppend(t *testing.T) {
	g := linear(t)

	err := g.Append(step(d, b))
	var div *stratum.DivergentHistoryError
	require.True(t, errors.As(err, &div))
	assert.Equal(t, b, div.Expected)
	assert.Equal(t, c, div.Actual)

	require.NoError(t, g.Append(step(d, c)))
	head, err := g.Head()
	require.NoError(t, err)
	assert.Equal(t, d, head)
}

func writeStep(t *testing.T, w *artifact.Writer, message, parent string) *artifact.Step {
	t.Helper()
	s, err := w.Write(diff.Delta{Operations: []ops.Operation{{Kind: ops.RawSQL, SQL: "SELECT 1", ReverseSQL: "SELECT 1"}}}, message, parent)
	require.NoError(t, err)
	return s
}

func TestConcurrentCommitsOnSameHead(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewStore(filepath.Join(t.TempDir(), "migrations"))

	root := writeStep(t, &artifact.Writer{Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }}, "root", "")
	require.NoError(t, history.Commit(ctx, store, root, time.Second, nil))

	// Two generators both saw root as the head.
	left := writeStep(t, &artifact.Writer{Now: func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }}, "left", root.ID)
	right := writeStep(t, &artifact.Writer{Now: func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }}, "right", root.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*artifact.Step{left, right} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = history.Commit(ctx, store, s, 5*time.Second, nil)
		}()
	}
	wg.Wait()

	var ok, divergent int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case stratum.IsDivergentHistoryErr(err):
			divergent++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, divergent)

	g, err := history.Load(store)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	_, err = g.Head()
	assert.NoError(t, err, "history stays linear")
}
