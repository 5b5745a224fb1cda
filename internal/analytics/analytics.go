package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StepDuration holds duration stats for a pipeline step.
type StepDuration struct {
	Step  string  `json:"step"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_minutes"`
	P50   float64 `json:"p50_minutes"`
	P95   float64 `json:"p95_minutes"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// QueryStepDurations returns average and percentile durations per step.
// Each step_advanced event is paired with the most recent prior created or
// step_advanced event for the same spec.
func QueryStepDurations(database DB, since string) ([]StepDuration, error) {
	query := `
		SELECT pe1.spec_id, pe1.step, pe1.timestamp as end_ts,
			(SELECT MAX(pe2.timestamp) FROM pipeline_events pe2
			 WHERE pe2.spec_id = pe1.spec_id
			 AND pe2.event IN ('created', 'step_advanced')
			 AND pe2.id < pe1.id) as start_ts
		FROM pipeline_events pe1
		WHERE pe1.event = 'step_advanced'
		AND pe1.step != ''`

	args := []interface{}{}
	if since != "" {
		query += ` AND pe1.timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[string][]float64)
	for rows.Next() {
		var specID, step, endTS string
		var startTS sql.NullString
		if err := rows.Scan(&specID, &step, &endTS, &startTS); err != nil {
			return nil, fmt.Errorf("scan step duration: %w", err)
		}
		if !startTS.Valid {
			continue
		}
		start, err := parseTimestamp(startTS.String)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if minutes := end.Sub(start).Minutes(); minutes > 0 {
			durations[step] = append(durations[step], minutes)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StepDuration
	for step, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StepDuration{
			Step:  step,
			Count: len(ds),
			Avg:   avg(ds),
			P50:   percentile(ds, 50),
			P95:   percentile(ds, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Step < results[j].Step
	})
	return results, nil
}

// RoleOutcome counts the outcomes of one role's calls.
type RoleOutcome struct {
	Role         string  `json:"role"`
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	Timeout      int     `json:"timeout"`
	Empty        int     `json:"empty"`
	Malformed    int     `json:"malformed"`
	Cancelled    int     `json:"cancelled"`
	SuccessPct   float64 `json:"success_pct"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// QueryRoleOutcomes returns per-role call outcome counts, sorted by role.
func QueryRoleOutcomes(database DB, since string) ([]RoleOutcome, error) {
	query := `
		SELECT role,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'empty' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'malformed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
			AVG(latency_ms)
		FROM agent_calls`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY role ORDER BY role`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query role outcomes: %w", err)
	}
	defer rows.Close()

	var results []RoleOutcome
	for rows.Next() {
		var r RoleOutcome
		var latency sql.NullFloat64
		if err := rows.Scan(&r.Role, &r.Total, &r.Success, &r.Timeout, &r.Empty, &r.Malformed, &r.Cancelled, &latency); err != nil {
			return nil, fmt.Errorf("scan role outcome: %w", err)
		}
		r.SuccessPct = pct(r.Success, r.Total)
		r.AvgLatencyMs = math.Round(latency.Float64*10) / 10
		results = append(results, r)
	}
	return results, rows.Err()
}

// CheckpointResolutions holds the resolution split of one checkpoint.
type CheckpointResolutions struct {
	Checkpoint   string  `json:"checkpoint"`
	Total        int     `json:"total"`
	AutoApplied  int     `json:"auto_applied"`
	Escalated    int     `json:"escalated"`
	AutoApplyPct float64 `json:"auto_apply_pct"`
}

// ResolutionSummary is the auto-apply versus escalate ratio across checkpoints.
type ResolutionSummary struct {
	Total        int                     `json:"total"`
	AutoApplied  int                     `json:"auto_applied"`
	Escalated    int                     `json:"escalated"`
	AutoApplyPct float64                 `json:"auto_apply_pct"`
	EscalatePct  float64                 `json:"escalate_pct"`
	Checkpoints  []CheckpointResolutions `json:"checkpoints"`
}

// QueryResolutions summarizes final quality decisions. Arbiter validations
// are intermediate and not counted.
func QueryResolutions(database DB, since string) (*ResolutionSummary, error) {
	query := `
		SELECT checkpoint,
			SUM(CASE WHEN resolution = 'auto_apply' THEN 1 ELSE 0 END),
			SUM(CASE WHEN resolution = 'escalate' THEN 1 ELSE 0 END)
		FROM quality_decisions
		WHERE resolution != 'arbiter_validate'`
	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY checkpoint ORDER BY checkpoint`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	s := &ResolutionSummary{}
	for rows.Next() {
		var c CheckpointResolutions
		if err := rows.Scan(&c.Checkpoint, &c.AutoApplied, &c.Escalated); err != nil {
			return nil, fmt.Errorf("scan resolutions: %w", err)
		}
		c.Total = c.AutoApplied + c.Escalated
		c.AutoApplyPct = pct(c.AutoApplied, c.Total)
		s.Checkpoints = append(s.Checkpoints, c)
		s.AutoApplied += c.AutoApplied
		s.Escalated += c.Escalated
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.Total = s.AutoApplied + s.Escalated
	s.AutoApplyPct = pct(s.AutoApplied, s.Total)
	s.EscalatePct = pct(s.Escalated, s.Total)
	return s, nil
}

// Throughput counts terminal pipeline outcomes.
type Throughput struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
	Escalated int `json:"escalations"`
	Retries   int `json:"retries"`
}

// QueryThroughput counts pipeline lifecycle events.
func QueryThroughput(database DB, since string) (*Throughput, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN event = 'created' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'aborted' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'escalated' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event = 'retry' THEN 1 ELSE 0 END), 0)
		FROM pipeline_events`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	var t Throughput
	if err := database.Conn().QueryRow(query, args...).Scan(&t.Started, &t.Completed, &t.Failed, &t.Aborted, &t.Escalated, &t.Retries); err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	return &t, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
