package stratum_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
		is       func(error) bool
	}{
		{"IsModelLoadErr", stratum.ErrModelLoad, stratum.IsModelLoadErr},
		{"IsConnectionErr", stratum.ErrConnection, stratum.IsConnectionErr},
		{"IsLedgerMissingErr", stratum.ErrLedgerMissing, stratum.IsLedgerMissingErr},
		{"IsDivergentHistoryErr", stratum.ErrDivergentHistory, stratum.IsDivergentHistoryErr},
		{"IsIrreversibleOperationErr", stratum.ErrIrreversibleOperation, stratum.IsIrreversibleOperationErr},
		{"IsMigrationFailedErr", stratum.ErrMigrationFailed, stratum.IsMigrationFailedErr},
		{"IsLockContentionErr", stratum.ErrLockContention, stratum.IsLockContentionErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(fmt.Errorf("wrapped: %w", tt.sentinel)))
			assert.False(t, tt.is(errors.New("other error")))
		})
	}
}

func TestMigrationFailedError(t *testing.T) {
	cause := errors.New("relation \"orders\" already exists")
	err := fmt.Errorf("apply: %w", &stratum.MigrationFailedError{
		Step:        "20260102000000",
		Operation:   "create table orders",
		LastApplied: "20260101000000",
		SQLState:    "42P07",
		Err:         cause,
	})

	assert.True(t, stratum.IsMigrationFailedErr(err))
	assert.ErrorIs(t, err, cause)

	var failed *stratum.MigrationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "20260102000000", failed.Step)
	assert.Equal(t, "20260101000000", failed.LastApplied)
	assert.Contains(t, err.Error(), "ledger at 20260101000000")
	assert.Contains(t, err.Error(), "sqlstate 42P07")
}

func TestMigrationFailedErrorAtBase(t *testing.T) {
	err := &stratum.MigrationFailedError{Step: "20260101000000", Err: errors.New("boom")}
	assert.Contains(t, err.Error(), "ledger at base")
}

func TestDivergentHistoryError(t *testing.T) {
	t.Run("multiple heads", func(t *testing.T) {
		err := &stratum.DivergentHistoryError{Heads: []string{"a", "b"}}
		assert.True(t, stratum.IsDivergentHistoryErr(err))
		assert.Contains(t, err.Error(), "multiple heads a, b")
	})

	t.Run("stale parent", func(t *testing.T) {
		err := &stratum.DivergentHistoryError{Expected: "", Actual: "20260101000000"}
		assert.Contains(t, err.Error(), "based on base but head is 20260101000000")
	})
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	assert.ErrorIs(t, &stratum.ConnectionError{Driver: "pgx", Err: cause}, stratum.ErrConnection)
	assert.ErrorIs(t, &stratum.ConnectionError{Driver: "pgx", Err: cause}, cause)
	assert.ErrorIs(t, &stratum.ModelLoadError{Path: "schema.yaml", Err: cause}, stratum.ErrModelLoad)
	assert.ErrorIs(t, &stratum.IrreversibleOperationError{Operations: []string{"drop table users"}}, stratum.ErrIrreversibleOperation)
	assert.ErrorIs(t, &stratum.LockContentionError{Key: "stratum", Waited: time.Second}, stratum.ErrLockContention)
}
