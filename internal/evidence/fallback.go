package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/metrics"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// FallbackRepository writes to a remote primary and falls back to a local
// store when the primary is unavailable. Artifacts written locally during an
// outage are marked Degraded. Reads merge both stores.
type FallbackRepository struct {
	primary Repository
	local   *LocalStore
	logger  *zap.Logger

	mu       sync.Mutex
	lockedBy map[string]Repository
}

// NewFallbackRepository wraps primary with a local fallback.
func NewFallbackRepository(primary Repository, local *LocalStore, logger *zap.Logger) *FallbackRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackRepository{primary: primary, local: local, logger: logger, lockedBy: make(map[string]Repository)}
}

func unavailable(err error) bool {
	return errors.Is(err, pipeline.ErrEvidenceStoreUnavailable)
}

// Store writes to the primary, or locally with Degraded set if the primary is down.
func (f *FallbackRepository) Store(ctx context.Context, a Artifact) (Artifact, error) {
	if err := prepare(&a); err != nil {
		return Artifact{}, err
	}
	// A key first written during an outage still lives only in the local store.
	exists, err := f.local.Has(ctx, a.Key())
	if err != nil {
		return Artifact{}, err
	}
	if exists {
		return Artifact{}, fmt.Errorf("%s: %w", a.Key(), pipeline.ErrDuplicateArtifact)
	}

	stored, err := f.primary.Store(ctx, a)
	if err == nil {
		return stored, nil
	}
	if !unavailable(err) {
		return Artifact{}, err
	}

	f.logger.Warn("evidence store unavailable, writing locally",
		zap.String("spec_id", a.SpecID),
		zap.String("key", a.Key().String()),
		zap.Error(err))
	metrics.EvidenceFallbacks.Inc()
	a.Degraded = true
	return f.local.Store(ctx, a)
}

// Fetch merges primary and local results. When both hold a key the primary wins.
func (f *FallbackRepository) Fetch(ctx context.Context, q Query) ([]Artifact, error) {
	q, ok, err := resolveLatest(ctx, f, q)
	if err != nil || !ok {
		return nil, err
	}
	localArts, err := f.local.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	remote, err := f.primary.Fetch(ctx, q)
	if err != nil {
		if !unavailable(err) {
			return nil, err
		}
		f.logger.Warn("evidence store unavailable, reading local only", zap.String("spec_id", q.SpecID), zap.Error(err))
		return localArts, nil
	}

	seen := make(map[Key]bool, len(remote))
	for _, a := range remote {
		seen[a.Key()] = true
	}
	merged := remote
	for _, a := range localArts {
		if !seen[a.Key()] {
			merged = append(merged, a)
		}
	}
	sortArtifacts(merged)
	return merged, nil
}

// Has checks the local store, then the primary.
func (f *FallbackRepository) Has(ctx context.Context, k Key) (bool, error) {
	ok, err := f.local.Has(ctx, k)
	if err != nil || ok {
		return ok, err
	}
	ok, err = f.primary.Has(ctx, k)
	if err != nil && unavailable(err) {
		return false, nil
	}
	return ok, err
}

// LatestAttempt returns the larger of the two stores' latest attempts.
func (f *FallbackRepository) LatestAttempt(ctx context.Context, specID string, step pipeline.Step) (int, error) {
	local, err := f.local.LatestAttempt(ctx, specID, step)
	if err != nil {
		return 0, err
	}
	remote, err := f.primary.LatestAttempt(ctx, specID, step)
	if err != nil {
		if unavailable(err) {
			return local, nil
		}
		return 0, err
	}
	if remote > local {
		return remote, nil
	}
	return local, nil
}

// ListSpecs returns the union of both stores' spec ids.
func (f *FallbackRepository) ListSpecs(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	local, err := f.local.ListSpecs(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range local {
		set[s] = true
	}
	remote, err := f.primary.ListSpecs(ctx)
	if err != nil && !unavailable(err) {
		return nil, err
	}
	for _, s := range remote {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Lock takes the primary's lock, or the local lock if the primary is down.
func (f *FallbackRepository) Lock(ctx context.Context, specID string) error {
	holder := Repository(f.primary)
	err := f.primary.Lock(ctx, specID)
	if err != nil {
		if !unavailable(err) {
			return err
		}
		f.logger.Warn("evidence store unavailable, locking locally", zap.String("spec_id", specID), zap.Error(err))
		holder = f.local
		if err := f.local.Lock(ctx, specID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.lockedBy[specID] = holder
	f.mu.Unlock()
	return nil
}

// Unlock releases whichever lock Lock took.
func (f *FallbackRepository) Unlock(ctx context.Context, specID string) error {
	f.mu.Lock()
	holder, ok := f.lockedBy[specID]
	delete(f.lockedBy, specID)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %s: not locked", specID)
	}
	return holder.Unlock(ctx, specID)
}

// Close closes both stores.
func (f *FallbackRepository) Close() error {
	return errors.CombineErrors(f.primary.Close(), f.local.Close())
}
