package quality

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/consensus"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/metrics"
)

// Normalize is the answer normalization used for equivalence.
func Normalize(s string) string { return consensus.Normalize(s) }

// Agreement describes the largest group of equivalent answers.
type Agreement struct {
	Count     int
	Answer    string   // as written by the first role of the group
	Roles     []string // roles in the group, sorted
	Dissent   []string // every other role that answered, sorted
	Unanimous bool
}

// ClassifyAgreement finds the largest set of roles giving equivalent answers.
// totalRoles is the number of roles that should have answered. Ties between
// equally large groups go to the group whose first role sorts first.
func ClassifyAgreement(answers map[string]string, totalRoles int) Agreement {
	groups := make(map[string][]string)
	var order []string
	for _, role := range sortedKeys(answers) {
		n := Normalize(answers[role])
		if n == "" {
			continue
		}
		if _, ok := groups[n]; !ok {
			order = append(order, n)
		}
		groups[n] = append(groups[n], role)
	}
	var best string
	for _, n := range order {
		if len(groups[n]) > len(groups[best]) {
			best = n
		}
	}
	if best == "" {
		return Agreement{}
	}
	a := Agreement{Count: len(groups[best]), Answer: answers[groups[best][0]], Roles: groups[best]}
	for _, role := range sortedKeys(answers) {
		if !contains(a.Roles, role) {
			a.Dissent = append(a.Dissent, role)
		}
	}
	a.Unanimous = a.Count == totalRoles && totalRoles > 0
	return a
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ArbiterRequest is what the arbiter sees: the full issue, every role's
// answer, and the document under review.
type ArbiterRequest struct {
	SpecID   string
	Attempt  int
	Issue    Issue
	Majority string
	Document string
}

// ArbiterResult is the arbiter's recommendation.
type ArbiterResult struct {
	Answer    string
	Reasoning string
}

// Arbiter breaks majority-versus-minority splits.
type Arbiter interface {
	Arbitrate(ctx context.Context, req ArbiterRequest) (ArbiterResult, error)
}

// Classifier resolves checkpoint issues.
type Classifier struct {
	arbiter Arbiter
	logger  *zap.Logger
}

// NewClassifier creates a Classifier. arbiter may be nil, in which case every
// issue needing arbitration escalates.
func NewClassifier(arbiter Arbiter, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{arbiter: arbiter, logger: logger}
}

// Resolve decides one issue:
//
//   - unanimous answers are applied with high confidence
//   - an N-1 majority (N >= 3) is applied with medium confidence only if the arbiter agrees
//   - anything else escalates
//
// When the issue carries a magnitude the decision matrix in ApplyMatrix further restricts this.
func (c *Classifier) Resolve(ctx context.Context, specID string, attempt int, is Issue, document string) Issue {
	total := is.TotalRoles
	if total < len(is.AnswersByRole) {
		total = len(is.AnswersByRole)
	}
	ag := ClassifyAgreement(is.AnswersByRole, total)
	is.AgreementCount = ag.Count
	is.Answer = ag.Answer

	switch {
	case ag.Unanimous:
		is.Confidence = ConfidenceHigh
		is.Resolution = ResolutionAutoApply
	case total >= 3 && ag.Count == total-1:
		is.Confidence = ConfidenceMedium
		is.Resolution = ResolutionArbiterValidate
	default:
		is.Confidence = ConfidenceLow
		is.Resolution = ResolutionEscalate
		is.Reason = fmt.Sprintf("no majority: %d of %d roles agree", ag.Count, total)
	}

	is = ApplyMatrix(is)
	if is.Resolution == ResolutionArbiterValidate {
		is = c.arbitrate(ctx, specID, attempt, is, document)
	}

	metrics.QualityResolutions.WithLabelValues(string(is.Resolution), string(is.Confidence)).Inc()
	c.logger.Info("quality issue resolved",
		logging.SpecID(specID),
		logging.Checkpoint(string(is.Checkpoint)),
		zap.String("issue", is.ID),
		zap.String("resolution", string(is.Resolution)),
		zap.String("confidence", string(is.Confidence)),
		zap.Int("agreement", is.AgreementCount),
		zap.Int("roles", total))
	return is
}

// ApplyMatrix applies the confidence x magnitude x resolvability rules to an
// issue whose agreement has been classified. Issues without a magnitude are
// returned unchanged. It may turn an auto-apply into an arbiter check (high
// confidence, critical) and anything into an escalation; it never upgrades
// an escalation.
func ApplyMatrix(is Issue) Issue {
	if is.Magnitude == "" || is.Resolution == ResolutionEscalate {
		return is
	}
	if is.Resolvability == ResolvabilityNeedHuman {
		is.Resolution = ResolutionEscalate
		is.Reason = "agents report the issue needs a human decision"
		return is
	}
	if is.Magnitude == MagnitudeCritical {
		if is.Confidence == ConfidenceHigh {
			is.Resolution = ResolutionArbiterValidate
			return is
		}
		is.Resolution = ResolutionEscalate
		is.Reason = fmt.Sprintf("critical issue with %s confidence", is.Confidence)
		return is
	}
	return is
}

func (c *Classifier) arbitrate(ctx context.Context, specID string, attempt int, is Issue, document string) Issue {
	if c.arbiter == nil {
		is.Resolution = ResolutionEscalate
		is.Reason = "no arbiter configured"
		return is
	}
	res, err := c.arbiter.Arbitrate(ctx, ArbiterRequest{SpecID: specID, Attempt: attempt, Issue: is, Majority: is.Answer, Document: document})
	if err != nil {
		c.logger.Warn("arbiter call failed", logging.SpecID(specID), zap.String("issue", is.ID), zap.Error(err))
		is.Resolution = ResolutionEscalate
		is.Reason = fmt.Sprintf("arbiter unavailable: %v", err)
		return is
	}
	is.ArbiterAnswer = res.Answer
	is.ArbiterReasoning = res.Reasoning
	if !consensus.Equivalent(res.Answer, is.Answer) {
		is.Resolution = ResolutionEscalate
		is.Reason = "arbiter disagrees with the majority"
		return is
	}
	is.Resolution = ResolutionAutoApply
	return is
}

// Counts tallies resolutions.
type Counts struct {
	AutoApplied int
	Escalated   int
}

// Tally counts the resolutions of a resolved set of issues.
func Tally(issues []Issue) Counts {
	var c Counts
	for _, is := range issues {
		if is.Resolution == ResolutionAutoApply {
			c.AutoApplied++
		} else {
			c.Escalated++
		}
	}
	return c
}
