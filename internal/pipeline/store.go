package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var specIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSpecID rejects ids that cannot be used as a directory name.
func ValidateSpecID(id string) error {
	if !specIDRe.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid spec id %q", id)
	}
	return nil
}

// Store manages pipeline run state on disk. Active runs live under runs/,
// terminal runs are moved to archive/.
type Store struct {
	baseDir string // defaults to ~/.specfactory/pipelines
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.specfactory/pipelines, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".specfactory", "pipelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runPath(specID string) string {
	return filepath.Join(s.baseDir, "runs", specID, "pipeline.json")
}

func (s *Store) archiveDir(specID string) string {
	return filepath.Join(s.baseDir, "archive", specID)
}

// CreateOpts holds the parameters for a new run.
type CreateOpts struct {
	SpecID     string
	MaxRetries int
	FirstStep  Step
}

// Create initialises a new run on disk. It fails with ErrAlreadyRunning if an
// active run exists for the spec.
func (s *Store) Create(opts CreateOpts) (*PipelineRun, error) {
	if err := ValidateSpecID(opts.SpecID); err != nil {
		return nil, err
	}
	path := s.runPath(opts.SpecID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("spec %s: %w", opts.SpecID, ErrAlreadyRunning)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	run := &PipelineRun{
		SpecID:            opts.SpecID,
		SessionID:         uuid.NewString(),
		Status:            StateIdle,
		CurrentStage:      opts.FirstStep.Stage,
		CurrentCheckpoint: opts.FirstStep.Checkpoint,
		MaxRetries:        opts.MaxRetries,
		StageHistory:      []StageHistoryEntry{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := WriteJSON(path, run); err != nil {
		return nil, fmt.Errorf("write pipeline.json: %w", err)
	}
	return run, nil
}

// Get reads the active run for a spec.
func (s *Store) Get(specID string) (*PipelineRun, error) {
	var run PipelineRun
	if err := ReadJSON(s.runPath(specID), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spec %s: %w", specID, ErrRunNotFound)
		}
		return nil, err
	}
	return &run, nil
}

// GetLatest returns the active run, or the most recently archived one.
func (s *Store) GetLatest(specID string) (*PipelineRun, error) {
	run, err := s.Get(specID)
	if err == nil {
		return run, nil
	}
	entries, rerr := os.ReadDir(s.archiveDir(specID))
	if rerr != nil || len(entries) == 0 {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, err
	}
	sort.Strings(names)
	var archived PipelineRun
	if err := ReadJSON(filepath.Join(s.archiveDir(specID), names[len(names)-1]), &archived); err != nil {
		return nil, err
	}
	return &archived, nil
}

// Update performs an atomic read-modify-write of the run state.
func (s *Store) Update(specID string, fn func(*PipelineRun)) (*PipelineRun, error) {
	run, err := s.Get(specID)
	if err != nil {
		return nil, err
	}
	fn(run)
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := WriteJSON(s.runPath(specID), run); err != nil {
		return nil, err
	}
	return run, nil
}

// Save overwrites the active run state.
func (s *Store) Save(run *PipelineRun) error {
	run.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.runPath(run.SpecID), run)
}

// List returns all active runs, optionally filtered by status.
// Pass "" for statusFilter to return every run.
func (s *Store) List(statusFilter RunState) ([]PipelineRun, error) {
	dir := filepath.Join(s.baseDir, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var runs []PipelineRun
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || run.Status == statusFilter {
			runs = append(runs, *run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].SpecID < runs[j].SpecID
	})
	return runs, nil
}

// Archive moves a run out of the active set. The archived copy keeps the
// final state so status queries still work after completion.
func (s *Store) Archive(specID string) error {
	run, err := s.Get(specID)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.json", time.Now().UTC().Format("20060102T150405.000000000"), run.SessionID)
	if err := WriteJSON(filepath.Join(s.archiveDir(specID), name), run); err != nil {
		return fmt.Errorf("archive %s: %w", specID, err)
	}
	return os.RemoveAll(filepath.Dir(s.runPath(specID)))
}
