package prompt

import (
	"errors"
	"testing"

	"github.com/charmbracelet/huh"
	"github.com/stretchr/testify/assert"

	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

func TestRenames(t *testing.T) {
	op := ops.Operation{Kind: ops.RenameColumn, Table: "users", Column: &schema.Column{Name: "mail", Type: "text"}, NewName: "email"}

	var asked []string
	confirm := Renames(func(title, description string) (bool, error) {
		asked = append(asked, title)
		assert.Contains(t, description, "column")
		return true, nil
	}, nil)

	assert.True(t, confirm(op))
	assert.Equal(t, []string{op.String() + "?"}, asked)
}

func TestRenames_ErrorsDecline(t *testing.T) {
	op := ops.Operation{Kind: ops.RenameTable, Table: "people", NewName: "users"}

	for _, err := range []error{huh.ErrUserAborted, errors.New("no tty")} {
		confirm := Renames(func(string, string) (bool, error) { return true, err }, nil)
		assert.False(t, confirm(op), err.Error())
	}
}

func TestAlways(t *testing.T) {
	assert.True(t, Always(ops.Operation{Kind: ops.RenameTable}))
}
