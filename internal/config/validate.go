package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedBackends = map[string]bool{
	"local":    true,
	"redis":    true,
	"postgres": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	a := cfg.Automation
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if a.MaxRetries < 1 {
		add("automation.max_retries", "must be at least 1")
	}
	if a.Quorum < 0 {
		add("automation.quorum", "must not be negative")
	}
	if a.MinContentChars < 0 {
		add("automation.min_content_chars", "must not be negative")
	}
	if a.Parallelism < 1 {
		add("automation.parallelism", "must be at least 1")
	}
	validateDuration("automation.stage_timeout", a.StageTimeout, &errs)
	validateDuration("automation.call_timeout", a.CallTimeout, &errs)

	// Agents: sorted so error order is stable.
	names := make([]string, 0, len(a.Agents))
	for name := range a.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ag := a.Agents[name]
		prefix := fmt.Sprintf("automation.agents.%s", name)
		if ag.Command == "" {
			add(prefix+".command", "is required")
		} else if _, err := shellquote.Split(ag.Command); err != nil {
			add(prefix+".command", "cannot be parsed: %v", err)
		}
		if ag.Timeout != "" {
			validateDuration(prefix+".timeout", ag.Timeout, &errs)
		}
		if ag.RatePerMinute < 0 {
			add(prefix+".rate_per_minute", "must not be negative")
		}
	}
	if _, ok := a.Agents[a.Arbiter]; !ok {
		add("automation.arbiter", "references undefined agent %q", a.Arbiter)
	}

	for _, key := range sortedKeys(a.Stages) {
		prefix := "automation.stages." + key
		if _, err := pipeline.ParseStage(key); err != nil {
			add(prefix, "unknown stage")
			continue
		}
		validateRoles(prefix, a.Stages[key].Roles, a, &errs)
	}
	for _, key := range sortedKeys(a.Checkpoints) {
		prefix := "automation.checkpoints." + key
		if _, err := pipeline.ParseCheckpoint(key); err != nil {
			add(prefix, "unknown checkpoint")
			continue
		}
		validateRoles(prefix, a.Checkpoints[key].Roles, a, &errs)
	}

	if !recognizedBackends[a.Evidence.Backend] {
		add("automation.evidence.backend", "unrecognized backend %q (want local, redis or postgres)", a.Evidence.Backend)
	}
	if a.Evidence.Backend == "redis" && a.Evidence.Redis.Addr == "" {
		add("automation.evidence.redis.addr", "is required for the redis backend")
	}
	if a.Evidence.Backend == "postgres" && a.Evidence.Postgres.DSN == "" {
		add("automation.evidence.postgres.dsn", "is required for the postgres backend")
	}

	if _, err := logging.ParseLevel(a.Log.Level); err != nil {
		add("automation.log.level", "%v", err)
	}
	if a.Log.Format != "json" && a.Log.Format != "console" {
		add("automation.log.format", "must be json or console, got %q", a.Log.Format)
	}

	return errs
}

func validateRoles(prefix string, roles []string, a Automation, errs *[]ValidationError) {
	if len(roles) == 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".roles", Message: "at least one role is required"})
		return
	}
	seen := make(map[string]bool)
	for i, role := range roles {
		field := fmt.Sprintf("%s.roles[%d]", prefix, i)
		if _, ok := a.Agents[role]; !ok {
			*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("references undefined agent %q", role)})
		}
		if seen[role] {
			*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate role %q", role)})
		}
		seen[role] = true
	}
	if a.Quorum > len(roles) {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".roles",
			Message: fmt.Sprintf("quorum %d exceeds the %d configured roles", a.Quorum, len(roles)),
		})
	}
}

func validateDuration(field, value string, errs *[]ValidationError) {
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", value)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
