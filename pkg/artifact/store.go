package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/lock"
)

// LockFile is the lock file created in the migrations directory.
const LockFile = ".stratum.lock"

var filePattern = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.yaml$`)

// Store reads and writes step artifacts in a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on the
// first Put.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the migrations directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the artifact path of a step.
func (s *Store) Path(step *Step) string {
	return filepath.Join(s.dir, step.Filename())
}

// List loads every artifact, sorted by id. A missing directory is an empty
// history. Files not named like artifacts are ignored.
func (s *Store) List() ([]*Step, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var steps []*Step
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, err := s.load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if step.ID != m[1] {
			return nil, fmt.Errorf("%w: %s holds step %s", stratum.ErrCorruptArtifact, e.Name(), step.ID)
		}
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps, nil
}

func (s *Store) load(path string) (*Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	step, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return step, nil
}

// Get loads one step by id.
func (s *Store) Get(id string) (*Step, error) {
	path, err := s.find(id)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: %s", stratum.ErrUnknownStep, id)
	}
	return s.load(path)
}

func (s *Store) find(id string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, id+"_*.yaml"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if filePattern.MatchString(filepath.Base(m)) {
			return m, nil
		}
	}
	return "", nil
}

// Put writes a step. The artifact is written to a temporary file and renamed
// into place, so readers never see a partial file. An existing artifact with
// the same id is never overwritten.
func (s *Store) Put(step *Step) error {
	if err := step.Verify(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating migrations directory: %w", err)
	}
	existing, err := s.find(step.ID)
	if err != nil {
		return err
	}
	if existing != "" {
		return fmt.Errorf("step %s already exists at %s", step.ID, existing)
	}

	data, err := Marshal(step)
	if err != nil {
		return fmt.Errorf("encoding step %s: %w", step.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".step-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing step %s: %w", step.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing step %s: %w", step.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing step %s: %w", step.ID, err)
	}
	if err := os.Rename(tmpPath, s.Path(step)); err != nil {
		return fmt.Errorf("installing step %s: %w", step.ID, err)
	}
	return nil
}

// Lock takes the directory lock that serializes history commits. It waits up
// to timeout and fails with a *stratum.LockContentionError.
func (s *Store) Lock(ctx context.Context, timeout time.Duration, logger *slog.Logger) (func() error, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating migrations directory: %w", err)
	}
	return lock.NewFile(filepath.Join(s.dir, LockFile), timeout, logger).Acquire(ctx)
}
