package artifact

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/ops"
)

// Writer builds steps from deltas.
type Writer struct {
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// NewWriter returns a Writer using the wall clock.
func NewWriter() *Writer {
	return &Writer{Now: time.Now}
}

// Write builds the step for delta on top of parent (empty for the first
// step). The upgrade is the delta as is; the downgrade is the inverse of
// each upgrade operation in reverse order. The step is not persisted.
func (w *Writer) Write(delta diff.Delta, message, parent string) (*Step, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errors.New("step message is required")
	}
	for i, op := range delta.Operations {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i+1, err)
		}
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	created := now().UTC().Truncate(time.Second)

	id, err := nextID(created, parent)
	if err != nil {
		return nil, err
	}

	step := &Step{
		ID:        id,
		Parent:    parent,
		Message:   message,
		CreatedAt: created,
		Upgrade:   cloneOps(delta.Operations),
		Downgrade: Downgrade(delta.Operations),
	}
	if step.Checksum, err = step.ComputeChecksum(); err != nil {
		return nil, err
	}
	return step, nil
}

// nextID returns the id for a step created at t. Ids must sort after the
// parent, so a clock behind the parent yields parent + 1s.
func nextID(t time.Time, parent string) (string, error) {
	id := t.Format(IDLayout)
	if parent == "" || id > parent {
		return id, nil
	}
	p, err := time.Parse(IDLayout, parent)
	if err != nil {
		return "", fmt.Errorf("invalid parent id %q: %w", parent, err)
	}
	return p.Add(time.Second).Format(IDLayout), nil
}

// Downgrade derives the downgrade procedure for an upgrade. Lossy operations
// and raw SQL without a reverse make it unsupported; lossy operations still
// get their structural inverse, raw SQL without a reverse gets nothing.
func Downgrade(upgrade []ops.Operation) Procedure {
	p := Procedure{Supported: true}
	for i := len(upgrade) - 1; i >= 0; i-- {
		op := upgrade[i]
		inv, ok := op.Inverse()
		switch {
		case !ok:
			p.Reasons = append(p.Reasons, fmt.Sprintf("%s has no reverse", op))
		case op.Lossy():
			p.Reasons = append(p.Reasons, fmt.Sprintf("%s discards data", op))
		}
		if ok {
			p.Operations = append(p.Operations, inv)
		}
	}
	slices.Reverse(p.Reasons)
	p.Supported = len(p.Reasons) == 0
	return p
}

func cloneOps(in []ops.Operation) []ops.Operation {
	if in == nil {
		return nil
	}
	out := make([]ops.Operation, len(in))
	for i, op := range in {
		out[i] = op
		out[i].Def = op.Def.Clone()
		out[i].Column = op.Column.Clone()
		out[i].Prior = op.Prior.Clone()
		out[i].PrimaryKey = op.PrimaryKey.Clone()
		out[i].ForeignKey = op.ForeignKey.Clone()
		out[i].Unique = op.Unique.Clone()
		out[i].Index = op.Index.Clone()
	}
	return out
}
