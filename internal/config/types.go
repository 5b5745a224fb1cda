package config

import (
	"strings"
	"time"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Config is the top-level configuration structure parsed from YAML.
type Config struct {
	Automation Automation `yaml:"automation"`
}

// Automation holds every tunable of the pipeline.
type Automation struct {
	MaxRetries      int                         `yaml:"max_retries"`
	Quorum          int                         `yaml:"quorum"`
	StageTimeout    string                      `yaml:"stage_timeout"`
	CallTimeout     string                      `yaml:"call_timeout"`
	MinContentChars int                         `yaml:"min_content_chars"`
	Parallelism     int                         `yaml:"parallelism"`
	Arbiter         string                      `yaml:"arbiter"`
	Agents          map[string]Agent            `yaml:"agents"`
	Stages          map[string]StageConfig      `yaml:"stages"`
	Checkpoints     map[string]CheckpointConfig `yaml:"checkpoints"`
	Evidence        Evidence                    `yaml:"evidence"`
	Documents       Documents                   `yaml:"documents"`
	Events          Events                      `yaml:"events"`
	StateDir        string                      `yaml:"state_dir"`
	DBPath          string                      `yaml:"db_path"`
	TemplateDir     string                      `yaml:"template_dir"`
	Log             Log                         `yaml:"log"`
	Commit          Commit                      `yaml:"commit"`
}

// Agent configures one role backend. Command is run through the shell-free
// splitter; the rendered prompt is written to its stdin.
type Agent struct {
	Command       string  `yaml:"command"`
	Model         string  `yaml:"model"`
	Timeout       string  `yaml:"timeout"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// StageConfig configures one stage.
type StageConfig struct {
	Roles     []string `yaml:"roles"`
	Guardrail string   `yaml:"guardrail"`
	Document  string   `yaml:"document"`
}

// CheckpointConfig configures one quality checkpoint.
type CheckpointConfig struct {
	Roles    []string `yaml:"roles"`
	Enabled  *bool    `yaml:"enabled"`
	Document string   `yaml:"document"`
}

// Evidence selects the evidence backend.
type Evidence struct {
	Backend  string         `yaml:"backend"`
	LocalDir string         `yaml:"local_dir"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis evidence backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig configures the PostgreSQL evidence backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Documents locates the spec documents. Paths may contain {{spec_id}} and are
// relative to Root.
type Documents struct {
	Root  string `yaml:"root"`
	Spec  string `yaml:"spec"`
	Plan  string `yaml:"plan"`
	Tasks string `yaml:"tasks"`
}

// Events configures the optional AMQP event publisher.
type Events struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Commit configures the completion commit.
type Commit struct {
	Enabled     *bool  `yaml:"enabled"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// IsEnabled reports whether completion commits are on (default true).
func (c Commit) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StageRoles returns the roles dispatched for a stage.
func (a *Automation) StageRoles(st pipeline.Stage) []string {
	return a.Stages[string(st)].Roles
}

// CheckpointRoles returns the roles dispatched for a checkpoint.
func (a *Automation) CheckpointRoles(cp pipeline.Checkpoint) []string {
	return a.Checkpoints[string(cp)].Roles
}

// EnabledCheckpoints returns the checkpoint switch map used to build the sequence.
func (a *Automation) EnabledCheckpoints() map[pipeline.Checkpoint]bool {
	out := make(map[pipeline.Checkpoint]bool, len(pipeline.Checkpoints))
	for _, cp := range pipeline.Checkpoints {
		c, ok := a.Checkpoints[string(cp)]
		out[cp] = !ok || c.Enabled == nil || *c.Enabled
	}
	return out
}

// Roles returns the roles dispatched for a step.
func (a *Automation) Roles(step pipeline.Step) []string {
	if step.IsCheckpoint() {
		return a.CheckpointRoles(step.Checkpoint)
	}
	return a.StageRoles(step.Stage)
}

// QuorumFor returns the quorum for n roles: the configured value capped at n,
// or n itself when unset.
func (a *Automation) QuorumFor(n int) int {
	if a.Quorum <= 0 || a.Quorum > n {
		return n
	}
	return a.Quorum
}

// DocumentTemplate returns the document path template a step writes to.
func (a *Automation) DocumentTemplate(step pipeline.Step) string {
	if step.IsCheckpoint() {
		if d := a.Checkpoints[string(step.Checkpoint)].Document; d != "" {
			return d
		}
		switch step.Checkpoint {
		case pipeline.CheckpointPrePlanning:
			return a.Documents.Spec
		case pipeline.CheckpointPostPlan:
			return a.Documents.Plan
		default:
			return a.Documents.Tasks
		}
	}
	if d := a.Stages[string(step.Stage)].Document; d != "" {
		return d
	}
	switch step.Stage {
	case pipeline.StagePlan:
		return a.Documents.Plan
	case pipeline.StageTasks:
		return a.Documents.Tasks
	default:
		return a.Documents.Spec
	}
}

// ExpandSpec substitutes {{spec_id}} in a path template.
func ExpandSpec(tmpl, specID string) string {
	return strings.ReplaceAll(tmpl, "{{spec_id}}", specID)
}

// StageTimeoutDuration parses StageTimeout. Validate guarantees it parses.
func (a *Automation) StageTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(a.StageTimeout)
	return d
}

// CallTimeoutDuration returns the per-call timeout for role, falling back to CallTimeout.
func (a *Automation) CallTimeoutDuration(role string) time.Duration {
	if ag, ok := a.Agents[role]; ok && ag.Timeout != "" {
		if d, err := time.ParseDuration(ag.Timeout); err == nil {
			return d
		}
	}
	d, _ := time.ParseDuration(a.CallTimeout)
	return d
}
