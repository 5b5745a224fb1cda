package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/lucasnoah/specfactory/internal/config"
)

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, env []string, stdin string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec. The process is killed when ctx ends.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, argv []string, env []string, stdin string) (string, string, int, error) {
	if len(argv) == 0 {
		return "", "", -1, fmt.Errorf("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec %s: %w", argv[0], err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CommandRole runs an external agent CLI. The prompt goes to stdin and the
// answer is read from stdout.
type CommandRole struct {
	name   string
	argv   []string
	model  string
	runner CommandRunner
}

// NewCommandRole parses command with shell quoting rules. No shell is involved.
func NewCommandRole(name, command, model string, runner CommandRunner) (*CommandRole, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("role %s: parse command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("role %s: empty command", name)
	}
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &CommandRole{name: name, argv: argv, model: model, runner: runner}, nil
}

func (c *CommandRole) Name() string { return c.name }

// Invoke runs the command once. A non-zero exit is an error carrying stderr.
func (c *CommandRole) Invoke(ctx context.Context, req Request) ([]byte, error) {
	env := []string{
		"SPECFACTORY_ROLE=" + c.name,
		"SPECFACTORY_SPEC_ID=" + req.SpecID,
		"SPECFACTORY_STEP=" + req.Step.String(),
		"SPECFACTORY_KIND=" + string(req.Kind),
	}
	if c.model != "" {
		env = append(env, "SPECFACTORY_MODEL="+c.model)
	}
	stdout, stderr, code, err := c.runner.Run(ctx, c.argv, env, req.Prompt)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("%s exited %d: %s", c.argv[0], code, strings.TrimSpace(stderr))
	}
	return []byte(stdout), nil
}

// NewRegistryFromConfig registers a CommandRole for every configured agent.
func NewRegistryFromConfig(a *config.Automation, runner CommandRunner) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range sortedAgentNames(a.Agents) {
		ag := a.Agents[name]
		role, err := NewCommandRole(name, ag.Command, ag.Model, runner)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(role); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LimitsFromConfig returns the per-role rate limits of every agent that sets one.
func LimitsFromConfig(a *config.Automation) map[string]Limit {
	limits := make(map[string]Limit)
	for name, ag := range a.Agents {
		if ag.RatePerMinute > 0 {
			limits[name] = Limit{PerMinute: ag.RatePerMinute, Burst: ag.Burst}
		}
	}
	return limits
}

func sortedAgentNames(m map[string]config.Agent) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
