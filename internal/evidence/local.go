package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// LocalStore keeps artifacts as JSON files on the local filesystem:
//
//	<root>/<spec>/<stages|checkpoints>/<name>/attempt-<n>/<role>.json
type LocalStore struct {
	root   string
	locker *Locker
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root, locker: NewLocker(filepath.Join(root, ".locks"))}
}

// DefaultLocalStore returns a LocalStore at ~/.specfactory/evidence.
func DefaultLocalStore() (*LocalStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return NewLocalStore(filepath.Join(home, ".specfactory", "evidence")), nil
}

// Root returns the store's root directory.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) partitionDir(specID string, step pipeline.Step) string {
	return filepath.Join(s.root, specID, filepath.FromSlash(Partition(step)))
}

func (s *LocalStore) attemptDir(specID string, step pipeline.Step, attempt int) string {
	return filepath.Join(s.partitionDir(specID, step), fmt.Sprintf("attempt-%d", attempt))
}

func (s *LocalStore) path(k Key) string {
	return filepath.Join(s.root, k.SpecID, filepath.FromSlash(k.Partition), fmt.Sprintf("attempt-%d", k.Attempt), k.Role+".json")
}

// Store writes a new artifact. It never overwrites.
func (s *LocalStore) Store(_ context.Context, a Artifact) (Artifact, error) {
	if err := prepare(&a); err != nil {
		return Artifact{}, err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact: %w", err)
	}
	if err := pipeline.WriteExclusive(s.path(a.Key()), append(data, '\n')); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Artifact{}, fmt.Errorf("%s: %w", a.Key(), pipeline.ErrDuplicateArtifact)
		}
		return Artifact{}, fmt.Errorf("store %s: %w", a.Key(), err)
	}
	return a, nil
}

// Has reports whether an artifact exists for k.
func (s *LocalStore) Has(_ context.Context, k Key) (bool, error) {
	_, err := os.Stat(s.path(k))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Fetch returns the artifacts matching q, ordered by partition, attempt and time.
func (s *LocalStore) Fetch(ctx context.Context, q Query) ([]Artifact, error) {
	q, ok, err := resolveLatest(ctx, s, q)
	if err != nil || !ok {
		return nil, err
	}
	dir := filepath.Join(s.root, q.SpecID)
	if !q.wholeSpec() {
		dir = s.partitionDir(q.SpecID, q.Step)
		if q.Attempt > 0 {
			dir = s.attemptDir(q.SpecID, q.Step, q.Attempt)
		}
	}

	var arts []Artifact
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		var a Artifact
		if err := pipeline.ReadJSON(path, &a); err != nil {
			return err
		}
		if q.Attempt > 0 && a.Attempt != q.Attempt {
			return nil
		}
		arts = append(arts, a)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", q.SpecID, err)
	}
	sortArtifacts(arts)
	return arts, nil
}

// LatestAttempt returns the highest attempt recorded for a step, or 0.
func (s *LocalStore) LatestAttempt(_ context.Context, specID string, step pipeline.Step) (int, error) {
	entries, err := os.ReadDir(s.partitionDir(specID, step))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	latest := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "attempt-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "attempt-"))
		if err != nil {
			continue
		}
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}

// ListSpecs returns every spec id with recorded evidence.
func (s *LocalStore) ListSpecs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var specs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			specs = append(specs, e.Name())
		}
	}
	sort.Strings(specs)
	return specs, nil
}

// Lock takes the per-spec lock.
func (s *LocalStore) Lock(ctx context.Context, specID string) error {
	return s.locker.Lock(ctx, specID)
}

// Unlock releases the per-spec lock.
func (s *LocalStore) Unlock(_ context.Context, specID string) error {
	return s.locker.Unlock(specID)
}

// Close is a no-op for the local store.
func (s *LocalStore) Close() error { return nil }
