// Package prompt asks the user to confirm proposed renames.
package prompt

import (
	"errors"
	"log/slog"

	"github.com/charmbracelet/huh"

	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/ops"
)

// Asker shows a yes/no question and returns the answer.
type Asker func(title, description string) (bool, error)

// Huh asks on the terminal.
func Huh(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Rename").
		Negative("Drop and add").
		Value(&ok).
		Run()
	return ok, err
}

// Renames returns a diff.Confirm that asks about every proposed rename.
// A failed or aborted prompt declines the rename.
func Renames(ask Asker, logger *slog.Logger) diff.Confirm {
	if logger == nil {
		logger = slog.Default()
	}
	return func(op ops.Operation) bool {
		ok, err := ask(op.String()+"?", describe(op))
		if err != nil {
			if !errors.Is(err, huh.ErrUserAborted) {
				logger.Warn("rename prompt failed, treating as drop and add", "operation", op.String(), "error", err)
			}
			return false
		}
		logger.Debug("rename answered", "operation", op.String(), "accepted", ok)
		return ok
	}
}

// Always accepts every proposed rename.
func Always(ops.Operation) bool { return true }

func describe(op ops.Operation) string {
	if op.Kind == ops.RenameTable {
		return "Declining drops the old table and its data, then creates the new one."
	}
	return "Declining drops the old column and its data, then adds the new one."
}
