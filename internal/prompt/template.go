// Package prompt renders the prompts sent to agent roles from small
// {{var}} / {{#if var}} templates.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// tagRe matches the three tag forms: {{name}}, {{#if name}} and {{/if}}.
// Anything else between braces is left as literal text.
var tagRe = regexp.MustCompile(`\{\{(?:(/if)|#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*|([a-zA-Z_][a-zA-Z0-9_]*))\}\}`)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

type node struct {
	text     string
	variable string
	cond     string
	body     []node
}

// Render expands tmpl. {{name}} is replaced with vars[name] and must be
// present; {{#if name}}...{{/if}} keeps its body only when vars[name] is
// non-empty. Variables inside a dropped block are not required, and values
// are inserted verbatim without further expansion.
func Render(tmpl string, vars Vars) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	missing := map[string]bool{}
	emit(&b, nodes, vars, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return b.String(), nil
}

func parse(tmpl string) ([]node, error) {
	type frame struct {
		cond  string
		open  string
		nodes []node
	}
	stack := []*frame{{}}
	top := func() *frame { return stack[len(stack)-1] }

	pos := 0
	for _, m := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if m[0] > pos {
			top().nodes = append(top().nodes, node{text: tmpl[pos:m[0]]})
		}
		pos = m[1]

		switch {
		case m[2] >= 0: // {{/if}}
			if len(stack) == 1 {
				return nil, fmt.Errorf("{{/if}} at offset %d has no matching {{#if}}", m[0])
			}
			done := top()
			stack = stack[:len(stack)-1]
			top().nodes = append(top().nodes, node{cond: done.cond, body: done.nodes})
		case m[4] >= 0: // {{#if name}}
			stack = append(stack, &frame{cond: tmpl[m[4]:m[5]], open: tmpl[m[0]:m[1]]})
		default:
			top().nodes = append(top().nodes, node{variable: tmpl[m[6]:m[7]]})
		}
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("unclosed conditional block %s", top().open)
	}
	if pos < len(tmpl) {
		stack[0].nodes = append(stack[0].nodes, node{text: tmpl[pos:]})
	}
	return stack[0].nodes, nil
}

func emit(b *strings.Builder, nodes []node, vars Vars, missing map[string]bool) {
	for _, n := range nodes {
		switch {
		case n.cond != "":
			if vars[n.cond] != "" {
				emit(b, n.body, vars, missing)
			}
		case n.variable != "":
			val, ok := vars[n.variable]
			if !ok {
				missing[n.variable] = true
				continue
			}
			b.WriteString(val)
		default:
			b.WriteString(n.text)
		}
	}
}

// LoadTemplate returns the template called name. A file of that name under
// dir overrides the built-in; dir may be empty.
func LoadTemplate(name string, dir string) (string, error) {
	if dir != "" {
		rel, err := filepath.Rel(dir, filepath.Join(dir, name))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("template name %q leaves %s", name, dir)
		}
		if data, err := os.ReadFile(filepath.Join(dir, rel)); err == nil {
			return string(data), nil
		}
	}

	content, ok := builtinTemplates[name]
	switch {
	case ok:
		return content, nil
	case dir == "":
		return "", fmt.Errorf("no built-in template %q", name)
	default:
		return "", fmt.Errorf("template %q is neither in %s nor built in", name, dir)
	}
}

// DefaultTemplateDir returns ~/.specfactory/templates, or "" if the home
// directory is unknown.
func DefaultTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".specfactory", "templates")
}

// InstallBuiltinTemplates writes the built-in templates to dir (the default
// directory when empty) so they can be edited. Files already there win.
func InstallBuiltinTemplates(dir string) error {
	if dir == "" {
		if dir = DefaultTemplateDir(); dir == "" {
			return fmt.Errorf("no template dir given and home directory unknown")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("templates dir %s: %w", dir, err)
	}

	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("install template %s: %w", name, err)
		}
	}
	return nil
}
