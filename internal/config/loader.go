package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Default role names.
const (
	RoleResearch    = "research"
	RoleSynthesis   = "synthesis"
	RoleReview      = "review"
	RoleImplementer = "implementer"
	RoleArbiter     = "arbiter"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./specfactory.yaml, ~/.specfactory/config.yaml.
// When none exists the built-in defaults are returned with an empty path.
func LoadDefault() (*Config, string, error) {
	candidates := []string{"specfactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".specfactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// applyDefaults fills unset fields. Roles for stages and checkpoints that are
// not configured get the standard roster.
func applyDefaults(cfg *Config) {
	a := &cfg.Automation

	if a.MaxRetries == 0 {
		a.MaxRetries = 3
	}
	if a.StageTimeout == "" {
		a.StageTimeout = "30m"
	}
	if a.CallTimeout == "" {
		a.CallTimeout = "10m"
	}
	if a.MinContentChars == 0 {
		a.MinContentChars = 16
	}
	if a.Parallelism == 0 {
		a.Parallelism = 4
	}
	if a.Arbiter == "" {
		a.Arbiter = RoleArbiter
	}

	if a.Agents == nil {
		a.Agents = make(map[string]Agent)
	}
	for _, role := range []string{RoleResearch, RoleSynthesis, RoleReview, RoleImplementer, RoleArbiter} {
		if _, ok := a.Agents[role]; !ok {
			a.Agents[role] = Agent{Command: "claude -p"}
		}
	}

	if a.Stages == nil {
		a.Stages = make(map[string]StageConfig)
	}
	for _, st := range pipeline.Stages {
		sc := a.Stages[string(st)]
		if len(sc.Roles) == 0 {
			sc.Roles = []string{RoleResearch, RoleSynthesis, RoleReview}
			if st == pipeline.StageImplement {
				sc.Roles = append(sc.Roles, RoleImplementer)
			}
		}
		a.Stages[string(st)] = sc
	}

	if a.Checkpoints == nil {
		a.Checkpoints = make(map[string]CheckpointConfig)
	}
	for _, cp := range pipeline.Checkpoints {
		cc := a.Checkpoints[string(cp)]
		if len(cc.Roles) == 0 {
			cc.Roles = []string{RoleResearch, RoleSynthesis, RoleReview}
		}
		a.Checkpoints[string(cp)] = cc
	}

	if a.Evidence.Backend == "" {
		a.Evidence.Backend = "local"
	}
	if a.Evidence.LocalDir == "" {
		a.Evidence.LocalDir = "~/.specfactory/evidence"
	}
	if a.Evidence.Redis.Prefix == "" {
		a.Evidence.Redis.Prefix = "specfactory"
	}

	if a.Documents.Root == "" {
		a.Documents.Root = "."
	}
	if a.Documents.Spec == "" {
		a.Documents.Spec = "docs/{{spec_id}}/spec.md"
	}
	if a.Documents.Plan == "" {
		a.Documents.Plan = "docs/{{spec_id}}/plan.md"
	}
	if a.Documents.Tasks == "" {
		a.Documents.Tasks = "docs/{{spec_id}}/tasks.md"
	}

	if a.Events.Exchange == "" {
		a.Events.Exchange = "specfactory.events"
	}
	if a.StateDir == "" {
		a.StateDir = "~/.specfactory/pipelines"
	}
	if a.DBPath == "" {
		a.DBPath = "~/.specfactory/specfactory.db"
	}
	if a.Log.Level == "" {
		a.Log.Level = "info"
	}
	if a.Log.Format == "" {
		a.Log.Format = "console"
	}
	if a.Commit.AuthorName == "" {
		a.Commit.AuthorName = "specfactory"
	}
	if a.Commit.AuthorEmail == "" {
		a.Commit.AuthorEmail = "specfactory@localhost"
	}
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
