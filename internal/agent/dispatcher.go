package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/metrics"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Outcome is the result of one dispatched call.
type Outcome struct {
	Role      string          `json:"role"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Latency   time.Duration   `json:"latency"`
	Error     string          `json:"error,omitempty"`
	Cancelled bool            `json:"cancelled,omitempty"`

	Raw []byte `json:"-"`
	Err error  `json:"-"`
}

// Succeeded reports whether the call produced a valid payload.
func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }

// Limit caps how often one role may be called.
type Limit struct {
	PerMinute float64
	Burst     int
}

// Options configures a Dispatcher.
type Options struct {
	// StageTimeout bounds one DispatchAll call. Zero means no bound.
	StageTimeout time.Duration
	// CallTimeout returns the per-call timeout for a role. Nil or zero means no bound
	// beyond the stage timeout.
	CallTimeout     func(role string) time.Duration
	MinContentChars int
	Limits          map[string]Limit
}

// DispatchOptions tunes one DispatchAll call.
type DispatchOptions struct {
	// Quorum is the number of successes after which in-flight calls are
	// cancelled. Zero waits for every role.
	Quorum int
	// OnOutcome is called for each outcome as it arrives, from a single goroutine.
	OnOutcome func(Outcome)
	// Recorded holds outcomes already durably stored for this attempt, by role.
	// Those roles are not called again; their outcomes are returned as given
	// and count toward the quorum. OnOutcome is not called for them.
	Recorded map[string]Outcome
}

// Dispatcher issues calls to roles and classifies the answers.
type Dispatcher struct {
	registry *Registry
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher over reg.
func NewDispatcher(reg *Registry, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: reg, opts: opts, logger: logger, limiters: make(map[string]*rate.Limiter)}
}

func (d *Dispatcher) limiter(role string) *rate.Limiter {
	l, ok := d.opts.Limits[role]
	if !ok || l.PerMinute <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[role]
	if !ok {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.PerMinute/60), burst)
		d.limiters[role] = lim
	}
	return lim
}

// Dispatch calls one role and classifies the result. It never returns an error;
// failures are reported through the outcome's Status and Err.
func (d *Dispatcher) Dispatch(ctx context.Context, roleName string, req Request) Outcome {
	out := Outcome{Role: roleName}
	start := time.Now()
	defer func() {
		out.Latency = time.Since(start)
		if out.Err != nil {
			out.Error = out.Err.Error()
		}
		d.record(req, out)
	}()

	role, err := d.registry.Get(roleName)
	if err != nil {
		out.Status, out.Err = StatusEmpty, err
		return out
	}

	if lim := d.limiter(roleName); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			out.Status, out.Cancelled = d.interrupted(ctx, ctx)
			out.Err = fmt.Errorf("rate limiter: %w", err)
			return out
		}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.CallTimeout != nil {
		if t := d.opts.CallTimeout(roleName); t > 0 {
			callCtx, cancel = context.WithTimeout(ctx, t)
		}
	}
	defer cancel()

	raw, err := role.Invoke(callCtx, req)
	out.Raw = raw
	if err != nil {
		if callCtx.Err() != nil {
			out.Status, out.Cancelled = d.interrupted(ctx, callCtx)
			if out.Cancelled {
				out.Err = fmt.Errorf("%s: %w", roleName, callCtx.Err())
			} else {
				out.Err = fmt.Errorf("%s: %v: %w", roleName, err, pipeline.ErrAgentTimeout)
			}
			return out
		}
		// The call failed without producing anything usable.
		out.Status = StatusEmpty
		out.Err = fmt.Errorf("%s: %v: %w", roleName, err, pipeline.ErrAgentEmptyResult)
		return out
	}

	payload, status, err := ValidateResponse(req.Kind, req.Step.Stage, raw, d.opts.MinContentChars)
	out.Payload, out.Status, out.Err = payload, status, err
	return out
}

// interrupted classifies a call stopped by its context. A deadline is a
// timeout; a cancellation of the parent is reported as cancelled.
func (d *Dispatcher) interrupted(parent, call context.Context) (Status, bool) {
	if errors.Is(parent.Err(), context.Canceled) {
		return StatusTimeout, true
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(parent.Err(), context.DeadlineExceeded) {
		return StatusTimeout, false
	}
	return StatusTimeout, true
}

func (d *Dispatcher) record(req Request, out Outcome) {
	metrics.AgentCalls.WithLabelValues(out.Role, string(out.Status)).Inc()
	metrics.AgentLatency.WithLabelValues(out.Role).Observe(out.Latency.Seconds())

	fields := []zap.Field{
		logging.SpecID(req.SpecID),
		logging.Step(req.Step.String()),
		logging.Attempt(req.Attempt),
		logging.Role(out.Role),
		zap.String("status", string(out.Status)),
		zap.Duration("latency", out.Latency),
	}
	switch {
	case out.Succeeded():
		d.logger.Info("agent call succeeded", fields...)
	case out.Cancelled:
		d.logger.Debug("agent call cancelled", fields...)
	default:
		d.logger.Warn("agent call failed", append(fields, zap.Error(out.Err))...)
	}
}

// DispatchAll calls every role concurrently and returns one outcome per role,
// in the order of roles. It returns when all calls have finished, the stage
// timeout fires, or the quorum is reached; calls still running at that point
// are cancelled and reported with Cancelled set.
func (d *Dispatcher) DispatchAll(ctx context.Context, roles []string, req Request, opts DispatchOptions) []Outcome {
	outcomes := make([]Outcome, len(roles))
	successes := 0
	pending := make([]int, 0, len(roles))
	for i, role := range roles {
		if rec, ok := opts.Recorded[role]; ok && rec.Succeeded() {
			outcomes[i] = rec
			successes++
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 || (opts.Quorum > 0 && successes >= opts.Quorum) {
		for _, i := range pending {
			outcomes[i] = Outcome{Role: roles[i], Status: StatusTimeout, Cancelled: true, Error: "quorum reached before dispatch"}
		}
		return outcomes
	}
	if successes > 0 {
		d.logger.Info("skipping roles with recorded outcomes",
			logging.SpecID(req.SpecID), logging.Step(req.Step.String()), logging.Attempt(req.Attempt), zap.Int("recorded", successes))
	}

	var stageCtx context.Context
	var cancel context.CancelFunc
	if d.opts.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, d.opts.StageTimeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type indexed struct {
		i   int
		out Outcome
	}
	results := make(chan indexed, len(pending))
	for _, i := range pending {
		go func(i int, role string) {
			results <- indexed{i: i, out: d.Dispatch(stageCtx, role, req)}
		}(i, roles[i])
	}

	for range pending {
		r := <-results
		outcomes[r.i] = r.out
		if opts.OnOutcome != nil {
			opts.OnOutcome(r.out)
		}
		if r.out.Succeeded() {
			successes++
			if opts.Quorum > 0 && successes == opts.Quorum && successes < len(roles) {
				d.logger.Debug("quorum reached, cancelling remaining calls",
					logging.SpecID(req.SpecID), logging.Step(req.Step.String()), zap.Int("quorum", opts.Quorum))
				cancel()
			}
		}
	}
	return outcomes
}
