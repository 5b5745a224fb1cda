package db

import (
	"database/sql"
	"fmt"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int    `json:"id"`
	SpecID    string `json:"spec_id"`
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// AgentCall represents a row in the agent_calls table.
type AgentCall struct {
	ID        int    `json:"id"`
	SpecID    string `json:"spec_id"`
	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	Role      string `json:"role"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	LatencyMs int    `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// QualityDecision represents a row in the quality_decisions table.
type QualityDecision struct {
	ID         int    `json:"id"`
	SpecID     string `json:"spec_id"`
	Checkpoint string `json:"checkpoint"`
	Attempt    int    `json:"attempt"`
	IssueID    string `json:"issue_id"`
	Resolution string `json:"resolution"`
	Confidence string `json:"confidence"`
	Magnitude  string `json:"magnitude"`
	Agreement  int    `json:"agreement"`
	TotalRoles int    `json:"total_roles"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// GuardrailRun represents a row in the guardrail_runs table.
type GuardrailRun struct {
	ID         int    `json:"id"`
	SpecID     string `json:"spec_id"`
	Stage      string `json:"stage"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Summary    string `json:"summary,omitempty"`
	Errors     string `json:"errors,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(specID, sessionID, event, step string, attempt int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (spec_id, session_id, event, step, attempt, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		specID, sessionID, event, step, attempt, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// LogAgentCall inserts an agent call record.
func (d *DB) LogAgentCall(c AgentCall) error {
	kind := c.Kind
	if kind == "" {
		kind = "stage"
	}
	_, err := d.conn.Exec(
		`INSERT INTO agent_calls (spec_id, step, attempt, role, kind, status, latency_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SpecID, c.Step, c.Attempt, c.Role, kind, c.Status, c.LatencyMs, nullable(c.Error),
	)
	if err != nil {
		return fmt.Errorf("log agent call: %w", err)
	}
	return nil
}

// LogQualityDecision inserts a quality decision.
func (d *DB) LogQualityDecision(q QualityDecision) error {
	_, err := d.conn.Exec(
		`INSERT INTO quality_decisions (spec_id, checkpoint, attempt, issue_id, resolution, confidence, magnitude, agreement, total_roles, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.SpecID, q.Checkpoint, q.Attempt, q.IssueID, q.Resolution, q.Confidence, q.Magnitude, q.Agreement, q.TotalRoles, nullable(q.Reason),
	)
	if err != nil {
		return fmt.Errorf("log quality decision: %w", err)
	}
	return nil
}

// LogGuardrailRun inserts a guardrail run record.
func (d *DB) LogGuardrailRun(g GuardrailRun) error {
	_, err := d.conn.Exec(
		`INSERT INTO guardrail_runs (spec_id, stage, passed, exit_code, duration_ms, summary, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.SpecID, g.Stage, g.Passed, g.ExitCode, g.DurationMs, g.Summary, g.Errors,
	)
	if err != nil {
		return fmt.Errorf("log guardrail run: %w", err)
	}
	return nil
}

// GetPipelineEvents returns every event for a spec in insertion order.
func (d *DB) GetPipelineEvents(specID string) ([]PipelineEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, spec_id, session_id, event, step, attempt, detail, timestamp
		 FROM pipeline_events WHERE spec_id = ? ORDER BY id ASC`,
		specID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.SpecID, &e.SessionID, &e.Event, &e.Step, &e.Attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetAgentCalls returns the agent calls for a spec, optionally limited to one step.
func (d *DB) GetAgentCalls(specID, step string) ([]AgentCall, error) {
	query := `SELECT id, spec_id, step, attempt, role, kind, status, latency_ms, error, timestamp
		 FROM agent_calls WHERE spec_id = ?`
	args := []interface{}{specID}
	if step != "" {
		query += ` AND step = ?`
		args = append(args, step)
	}
	query += ` ORDER BY id ASC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get agent calls: %w", err)
	}
	defer rows.Close()

	var calls []AgentCall
	for rows.Next() {
		var c AgentCall
		var errText sql.NullString
		if err := rows.Scan(&c.ID, &c.SpecID, &c.Step, &c.Attempt, &c.Role, &c.Kind, &c.Status, &c.LatencyMs, &errText, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan agent call: %w", err)
		}
		c.Error = errText.String
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GetQualityDecisions returns the quality decisions for a spec.
func (d *DB) GetQualityDecisions(specID string) ([]QualityDecision, error) {
	rows, err := d.conn.Query(
		`SELECT id, spec_id, checkpoint, attempt, issue_id, resolution, confidence, magnitude, agreement, total_roles, reason, timestamp
		 FROM quality_decisions WHERE spec_id = ? ORDER BY id ASC`,
		specID,
	)
	if err != nil {
		return nil, fmt.Errorf("get quality decisions: %w", err)
	}
	defer rows.Close()

	var out []QualityDecision
	for rows.Next() {
		var q QualityDecision
		var reason sql.NullString
		if err := rows.Scan(&q.ID, &q.SpecID, &q.Checkpoint, &q.Attempt, &q.IssueID, &q.Resolution, &q.Confidence, &q.Magnitude, &q.Agreement, &q.TotalRoles, &reason, &q.Timestamp); err != nil {
			return nil, fmt.Errorf("scan quality decision: %w", err)
		}
		q.Reason = reason.String
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetLatestGuardrailRun returns the most recent guardrail run for a spec and
// stage, or nil if there is none.
func (d *DB) GetLatestGuardrailRun(specID, stage string) (*GuardrailRun, error) {
	var g GuardrailRun
	var exitCode, duration sql.NullInt64
	var summary, errs sql.NullString
	err := d.conn.QueryRow(
		`SELECT id, spec_id, stage, passed, exit_code, duration_ms, summary, errors, timestamp
		 FROM guardrail_runs WHERE spec_id = ? AND stage = ? ORDER BY id DESC LIMIT 1`,
		specID, stage,
	).Scan(&g.ID, &g.SpecID, &g.Stage, &g.Passed, &exitCode, &duration, &summary, &errs, &g.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest guardrail run: %w", err)
	}
	g.ExitCode = int(exitCode.Int64)
	g.DurationMs = int(duration.Int64)
	g.Summary = summary.String
	g.Errors = errs.String
	return &g, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
