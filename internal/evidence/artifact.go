// Package evidence stores the immutable artifacts produced by pipeline runs.
//
// Artifacts are keyed by (spec, stage or checkpoint, attempt, role). A key is
// written once; a second write of the same key fails with
// pipeline.ErrDuplicateArtifact. Retries create new attempts.
package evidence

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// SchemaVersion is the artifact envelope version written by this package.
const SchemaVersion = 1

// Artifact kinds.
const (
	KindAgent        = "agent"
	KindVerdict      = "verdict"
	KindTelemetry    = "telemetry"
	KindGuardrail    = "guardrail"
	KindArbiter      = "arbiter"
	KindModification = "modification"
	KindHuman        = "human"
	KindQuality      = "quality"
)

// Artifact is one piece of evidence. Content round-trips byte for byte.
type Artifact struct {
	ID            string              `json:"id"`
	SpecID        string              `json:"spec_id"`
	Stage         pipeline.Stage      `json:"stage,omitempty"`
	Checkpoint    pipeline.Checkpoint `json:"checkpoint,omitempty"`
	Attempt       int                 `json:"attempt"`
	Role          string              `json:"role"`
	Kind          string              `json:"kind"`
	Content       []byte              `json:"content"`
	SchemaVersion int                 `json:"schema_version"`
	Timestamp     string              `json:"timestamp"`
	Degraded      bool                `json:"degraded,omitempty"`
}

// Step returns the stage or checkpoint the artifact belongs to.
func (a Artifact) Step() pipeline.Step {
	return pipeline.Step{Stage: a.Stage, Checkpoint: a.Checkpoint}
}

// Key returns the artifact's uniqueness key.
func (a Artifact) Key() Key {
	return Key{SpecID: a.SpecID, Partition: Partition(a.Step()), Attempt: a.Attempt, Role: a.Role}
}

// Key identifies an artifact.
type Key struct {
	SpecID    string
	Partition string
	Attempt   int
	Role      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/attempt-%d/%s", k.SpecID, k.Partition, k.Attempt, k.Role)
}

// Partition names the storage partition for a step: "stages/<stage>" or "checkpoints/<checkpoint>".
func Partition(step pipeline.Step) string {
	if step.IsCheckpoint() {
		return "checkpoints/" + string(step.Checkpoint)
	}
	return "stages/" + string(step.Stage)
}

// Query selects artifacts. With a Step set and Attempt 0 the most recent
// attempt is returned unless AllAttempts is set. A zero Step matches every
// partition and attempt of the spec.
type Query struct {
	SpecID      string
	Step        pipeline.Step
	Attempt     int
	AllAttempts bool
}

// wholeSpec reports whether the query spans every partition.
func (q Query) wholeSpec() bool { return q.Step == (pipeline.Step{}) }

// resolveLatest pins q to the latest attempt when the caller asked for it.
// ok is false when the step has no attempts yet.
func resolveLatest(ctx context.Context, r Repository, q Query) (Query, bool, error) {
	if q.wholeSpec() || q.Attempt > 0 || q.AllAttempts {
		return q, true, nil
	}
	n, err := r.LatestAttempt(ctx, q.SpecID, q.Step)
	if err != nil {
		return q, false, err
	}
	if n == 0 {
		return q, false, nil
	}
	q.Attempt = n
	return q, true, nil
}

// FetchAttempt returns the artifacts for one attempt of a step.
func FetchAttempt(ctx context.Context, r Repository, specID string, step pipeline.Step, attempt int) ([]Artifact, error) {
	return r.Fetch(ctx, Query{SpecID: specID, Step: step, Attempt: attempt})
}

// Repository is implemented by every evidence backend.
type Repository interface {
	Store(ctx context.Context, a Artifact) (Artifact, error)
	Fetch(ctx context.Context, q Query) ([]Artifact, error)
	Has(ctx context.Context, k Key) (bool, error)
	LatestAttempt(ctx context.Context, specID string, step pipeline.Step) (int, error)
	Lock(ctx context.Context, specID string) error
	Unlock(ctx context.Context, specID string) error
	ListSpecs(ctx context.Context) ([]string, error)
	Close() error
}

var roleRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// prepare validates an artifact and fills in generated fields.
func prepare(a *Artifact) error {
	if err := pipeline.ValidateSpecID(a.SpecID); err != nil {
		return err
	}
	if (a.Stage == "") == (a.Checkpoint == "") {
		return fmt.Errorf("artifact %s: exactly one of stage or checkpoint must be set", a.Role)
	}
	if !roleRe.MatchString(a.Role) {
		return fmt.Errorf("artifact role %q is invalid", a.Role)
	}
	if a.Attempt < 1 {
		return fmt.Errorf("artifact %s: attempt must be >= 1, got %d", a.Role, a.Attempt)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp == "" {
		a.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if a.SchemaVersion == 0 {
		a.SchemaVersion = SchemaVersion
	}
	if a.Kind == "" {
		a.Kind = KindAgent
	}
	return nil
}

// sortArtifacts orders by partition, attempt, timestamp, then role.
func sortArtifacts(arts []Artifact) {
	sort.SliceStable(arts, func(i, j int) bool {
		pi, pj := Partition(arts[i].Step()), Partition(arts[j].Step())
		if pi != pj {
			return pi < pj
		}
		if arts[i].Attempt != arts[j].Attempt {
			return arts[i].Attempt < arts[j].Attempt
		}
		if arts[i].Timestamp != arts[j].Timestamp {
			return arts[i].Timestamp < arts[j].Timestamp
		}
		return arts[i].Role < arts[j].Role
	})
}

// ByRole indexes artifacts by role; later entries win.
func ByRole(arts []Artifact) map[string]Artifact {
	out := make(map[string]Artifact, len(arts))
	for _, a := range arts {
		out[a.Role] = a
	}
	return out
}
