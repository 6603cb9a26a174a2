// Package artifact turns a schema delta into a versioned migration step and
// persists steps as YAML files in the migrations directory.
//
// A step is immutable once written. Its checksum covers the id, the parent,
// the message and both procedures, and is verified every time the step is
// loaded, so hand-edited or truncated artifacts are rejected with
// stratum.ErrCorruptArtifact instead of being applied.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/ops"
)

// IDLayout is the time layout of step ids. Ids sort lexically in creation
// order.
const IDLayout = "20060102150405"

var idPattern = regexp.MustCompile(`^\d{14}$`)

// ValidID reports whether id is a well-formed step id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Step is one migration in the history chain.
type Step struct {
	ID        string          `json:"id"`
	Parent    string          `json:"parent,omitempty"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	Upgrade   []ops.Operation `json:"upgrade"`
	Downgrade Procedure       `json:"downgrade"`
}

// Procedure is the downgrade of a step.
type Procedure struct {
	// Supported is false when at least one upgrade operation has no safe
	// inverse. Operations still holds the best-effort structural inverse.
	Supported  bool            `json:"supported"`
	Reasons    []string        `json:"reasons,omitempty"`
	Operations []ops.Operation `json:"operations"`
}

// Err returns a *stratum.IrreversibleOperationError naming the unsafe
// operations, or nil when the procedure is supported.
func (p Procedure) Err(step string) error {
	if p.Supported {
		return nil
	}
	return &stratum.IrreversibleOperationError{Step: step, Operations: p.Reasons}
}

// Reversible reports whether the step can be rolled back without --force.
func (s *Step) Reversible() bool {
	return s.Downgrade.Supported
}

// Filename returns the artifact file name, <id>_<slug>.yaml.
func (s *Step) Filename() string {
	return s.ID + "_" + Slug(s.Message) + ".yaml"
}

// Operations returns the procedure for a direction.
func (s *Step) Operations(up bool) []ops.Operation {
	if up {
		return s.Upgrade
	}
	return s.Downgrade.Operations
}

// checksumInput is the canonical content covered by the checksum.
type checksumInput struct {
	ID        string          `json:"id"`
	Parent    string          `json:"parent"`
	Message   string          `json:"message"`
	Upgrade   []ops.Operation `json:"upgrade"`
	Downgrade Procedure       `json:"downgrade"`
}

// ComputeChecksum returns the hex SHA-256 of the step's canonical content.
func (s *Step) ComputeChecksum() (string, error) {
	data, err := yaml.Marshal(checksumInput{
		ID:        s.ID,
		Parent:    s.Parent,
		Message:   s.Message,
		Upgrade:   s.Upgrade,
		Downgrade: s.Downgrade,
	})
	if err != nil {
		return "", fmt.Errorf("encoding step %s: %w", s.ID, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks the id format, the operations and the checksum.
func (s *Step) Verify() error {
	if !ValidID(s.ID) {
		return fmt.Errorf("%w: invalid step id %q", stratum.ErrCorruptArtifact, s.ID)
	}
	if s.Parent != "" && !ValidID(s.Parent) {
		return fmt.Errorf("%w: step %s: invalid parent id %q", stratum.ErrCorruptArtifact, s.ID, s.Parent)
	}
	for i, op := range append(append([]ops.Operation(nil), s.Upgrade...), s.Downgrade.Operations...) {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("%w: step %s: operation %d: %v", stratum.ErrCorruptArtifact, s.ID, i+1, err)
		}
	}
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: step %s: checksum mismatch", stratum.ErrCorruptArtifact, s.ID)
	}
	return nil
}

// Marshal encodes the step as YAML.
func Marshal(s *Step) ([]byte, error) {
	return yaml.Marshal(s)
}

// Unmarshal decodes and verifies a step.
func Unmarshal(data []byte) (*Step, error) {
	var s Step
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", stratum.ErrCorruptArtifact, err)
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a message into the file name suffix: lowercase, runs of other
// characters folded to "_", at most 48 characters.
func Slug(message string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(message), "_"), "_")
	if len(s) > 48 {
		s = strings.TrimRight(s[:48], "_")
	}
	if s == "" {
		return "step"
	}
	return s
}
