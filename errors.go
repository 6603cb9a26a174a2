package stratum

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the failure modes of generation and apply.
// Typed errors below wrap these, so callers can branch with errors.Is or
// the Is*Err helpers and use errors.As when they need the details.
var (
	// ErrModelLoad is returned when the declared schema cannot be read,
	// parsed or validated.
	ErrModelLoad = errors.New("stratum: declared schema could not be loaded")

	// ErrConnection is returned when the target database is unreachable.
	ErrConnection = errors.New("stratum: database connection failed")

	// ErrLedgerMissing is returned when the target database has no ledger
	// table or no ledger row. Callers treat it as the base position.
	ErrLedgerMissing = errors.New("stratum: ledger missing")

	// ErrDivergentHistory is returned when the history graph no longer
	// forms a single line, or a step is appended on something other than
	// the head.
	ErrDivergentHistory = errors.New("stratum: divergent history")

	// ErrIrreversibleOperation is returned when a step has no safe downgrade.
	ErrIrreversibleOperation = errors.New("stratum: irreversible operation")

	// ErrMigrationFailed is returned when a step fails during apply.
	ErrMigrationFailed = errors.New("stratum: migration failed")

	// ErrLockContention is returned when the exclusive migration lock could
	// not be acquired within the configured timeout.
	ErrLockContention = errors.New("stratum: lock contention")

	// ErrUnknownStep is returned when a step id is not part of history.
	ErrUnknownStep = errors.New("stratum: unknown step")

	// ErrCorruptArtifact is returned when a step artifact fails to parse or
	// its checksum does not match its content.
	ErrCorruptArtifact = errors.New("stratum: corrupt artifact")

	// ErrUnsupportedOperation is returned when a dialect cannot express an
	// operation.
	ErrUnsupportedOperation = errors.New("stratum: operation not supported by dialect")

	// ErrNotAtHead is returned by generate when the database ledger is not at
	// the history head. Pending steps must be applied first. It is always
	// joined with a *DivergentHistoryError.
	ErrNotAtHead = errors.New("stratum: database is not at history head")
)

// IsModelLoadErr returns true if err is or wraps ErrModelLoad.
func IsModelLoadErr(err error) bool {
	return errors.Is(err, ErrModelLoad)
}

// IsConnectionErr returns true if err is or wraps ErrConnection.
func IsConnectionErr(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsLedgerMissingErr returns true if err is or wraps ErrLedgerMissing.
func IsLedgerMissingErr(err error) bool {
	return errors.Is(err, ErrLedgerMissing)
}

// IsDivergentHistoryErr returns true if err is or wraps ErrDivergentHistory.
func IsDivergentHistoryErr(err error) bool {
	return errors.Is(err, ErrDivergentHistory)
}

// IsIrreversibleOperationErr returns true if err is or wraps ErrIrreversibleOperation.
func IsIrreversibleOperationErr(err error) bool {
	return errors.Is(err, ErrIrreversibleOperation)
}

// IsMigrationFailedErr returns true if err is or wraps ErrMigrationFailed.
func IsMigrationFailedErr(err error) bool {
	return errors.Is(err, ErrMigrationFailed)
}

// IsLockContentionErr returns true if err is or wraps ErrLockContention.
func IsLockContentionErr(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// ModelLoadError describes why the declared schema was rejected.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%v: %s: %v", ErrModelLoad, e.Path, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrModelLoad, e.Err)
}

func (e *ModelLoadError) Unwrap() []error { return []error{ErrModelLoad, e.Err} }

// ConnectionError wraps a driver error raised while reaching the database.
type ConnectionError struct {
	Driver string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrConnection, e.Driver, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// DivergentHistoryError reports the heads or the expected parent involved
// in a divergence.
type DivergentHistoryError struct {
	// Heads lists the competing heads when the graph has branched.
	Heads []string
	// Expected is the head the caller based its step on; Actual is the head
	// found when appending.
	Expected string
	Actual   string
	Reason   string
}

func (e *DivergentHistoryError) Error() string {
	switch {
	case len(e.Heads) > 1:
		return fmt.Sprintf("%v: multiple heads %s", ErrDivergentHistory, strings.Join(e.Heads, ", "))
	case e.Reason != "":
		return fmt.Sprintf("%v: %s", ErrDivergentHistory, e.Reason)
	default:
		return fmt.Sprintf("%v: step based on %s but head is %s",
			ErrDivergentHistory, displayStep(e.Expected), displayStep(e.Actual))
	}
}

func (e *DivergentHistoryError) Unwrap() error { return ErrDivergentHistory }

// IrreversibleOperationError lists the operations of a step that have no
// safe inverse.
type IrreversibleOperationError struct {
	Step       string
	Operations []string
}

func (e *IrreversibleOperationError) Error() string {
	msg := fmt.Sprintf("%v: %s", ErrIrreversibleOperation, strings.Join(e.Operations, "; "))
	if e.Step != "" {
		msg = fmt.Sprintf("%v in step %s: %s", ErrIrreversibleOperation, e.Step, strings.Join(e.Operations, "; "))
	}
	return msg
}

func (e *IrreversibleOperationError) Unwrap() error { return ErrIrreversibleOperation }

// MigrationFailedError is returned by the apply engine when a step fails.
// The ledger is left at LastApplied.
type MigrationFailedError struct {
	Step        string
	Operation   string
	LastApplied string
	// SQLState is the PostgreSQL error code when the failure came from the
	// server.
	SQLState string
	Err      error
}

func (e *MigrationFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: step %s", ErrMigrationFailed, e.Step)
	if e.Operation != "" {
		fmt.Fprintf(&b, " (%s)", e.Operation)
	}
	fmt.Fprintf(&b, ", ledger at %s", displayStep(e.LastApplied))
	if e.SQLState != "" {
		fmt.Fprintf(&b, ", sqlstate %s", e.SQLState)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *MigrationFailedError) Unwrap() []error { return []error{ErrMigrationFailed, e.Err} }

// LockContentionError is returned when the migration lock is held elsewhere.
type LockContentionError struct {
	Key    string
	Waited time.Duration
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("%v: %s still held after %s", ErrLockContention, e.Key, e.Waited)
}

func (e *LockContentionError) Unwrap() error { return ErrLockContention }

func displayStep(id string) string {
	if id == "" {
		return "base"
	}
	return id
}
