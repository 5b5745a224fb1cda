// Package modify applies approved resolutions to spec documents. Every change
// is backed up first and validated after; an invalid result is rolled back.
package modify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Kind of modification.
type Kind string

const (
	AddSection    Kind = "add_section"
	UpdateSection Kind = "update_section"
	ReplaceText   Kind = "replace_text"
)

// Modification is one change to a markdown document.
type Modification struct {
	Kind    Kind   `json:"kind"`
	Section string `json:"section,omitempty"`
	// Level is the heading level for AddSection. Zero means 2.
	Level   int    `json:"level,omitempty"`
	Content string `json:"content,omitempty"`
	// Append adds Content to the end of the section instead of replacing its body.
	Append  bool   `json:"append,omitempty"`
	Find    string `json:"find,omitempty"`
	Replace string `json:"replace,omitempty"`
	Source  string `json:"source,omitempty"` // issue or question id
}

// Result records an applied modification.
type Result struct {
	Path         string       `json:"path"`
	BackupPath   string       `json:"backup_path,omitempty"`
	Modification Modification `json:"modification"`
	Before       string       `json:"before"`
	After        string       `json:"after"`
	AppliedAt    string       `json:"applied_at"`
}

// Engine applies modifications.
type Engine struct {
	backupDir string
	logger    *zap.Logger
}

// NewEngine creates an Engine that writes backups under backupDir.
func NewEngine(backupDir string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{backupDir: backupDir, logger: logger}
}

func conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), pipeline.ErrFileModificationConflict)
}

// Apply changes the document at path. It fails with
// pipeline.ErrFileModificationConflict when the modification cannot be applied
// as described or the result does not validate; the document is left as it was.
func (e *Engine) Apply(path string, m Modification) (*Result, error) {
	before, err := os.ReadFile(path)
	if err != nil && !(os.IsNotExist(err) && m.Kind == AddSection) {
		if os.IsNotExist(err) {
			return nil, conflict("%s does not exist", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	after, err := transform(string(before), m)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Path:         path,
		Modification: m,
		Before:       string(before),
		After:        after,
		AppliedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if len(before) > 0 {
		res.BackupPath, err = e.backup(path, before)
		if err != nil {
			return nil, err
		}
	}

	if err := pipeline.WriteAtomic(path, []byte(after)); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := checkResult(before, []byte(after), m); err != nil {
		if rerr := e.restore(path, before); rerr != nil {
			return nil, fmt.Errorf("restore %s after invalid modification: %v (original error: %w)", path, rerr, err)
		}
		e.logger.Warn("modification rolled back", zap.String("path", path), zap.String("kind", string(m.Kind)), zap.Error(err))
		return nil, err
	}

	e.logger.Info("document modified",
		zap.String("path", path),
		zap.String("kind", string(m.Kind)),
		zap.String("section", m.Section),
		zap.String("source", m.Source))
	return res, nil
}

func (e *Engine) backup(path string, data []byte) (string, error) {
	dir := e.backupDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(path), time.Now().UTC().Format("20060102T150405.000000000"))
	bp := filepath.Join(dir, name)
	if err := pipeline.WriteAtomic(bp, data); err != nil {
		return "", fmt.Errorf("backup %s: %w", path, err)
	}
	return bp, nil
}

func (e *Engine) restore(path string, before []byte) error {
	if len(before) == 0 {
		return os.Remove(path)
	}
	return pipeline.WriteAtomic(path, before)
}

func transform(doc string, m Modification) (string, error) {
	switch m.Kind {
	case AddSection:
		return addSection(doc, m)
	case UpdateSection:
		return updateSection(doc, m)
	case ReplaceText:
		return replaceText(doc, m)
	}
	return "", fmt.Errorf("unknown modification kind %q", m.Kind)
}

func addSection(doc string, m Modification) (string, error) {
	if strings.TrimSpace(m.Section) == "" {
		return "", conflict("add section: empty heading")
	}
	lines := splitLines(doc)
	if _, _, ok := findSection(lines, m.Section); ok {
		return "", conflict("add section: %q already exists", m.Section)
	}
	level := m.Level
	if level <= 0 || level > 6 {
		level = 2
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(doc, "\n"))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%s %s\n", strings.Repeat("#", level), strings.TrimSpace(m.Section))
	if c := strings.TrimSpace(m.Content); c != "" {
		b.WriteString("\n" + c + "\n")
	}
	return b.String(), nil
}

func updateSection(doc string, m Modification) (string, error) {
	lines := splitLines(doc)
	h, end, ok := findSection(lines, m.Section)
	if !ok {
		return "", conflict("update section: %q not found", m.Section)
	}
	body := lines[h.line+1 : end]
	content := strings.TrimSpace(m.Content)

	var newBody []string
	if m.Append {
		trimmed := trimBlankTail(body)
		newBody = append(newBody, trimmed...)
		if len(trimmed) == 0 || !(isListItem(trimmed[len(trimmed)-1]) && isListItem(content)) {
			newBody = append(newBody, "")
		}
		newBody = append(newBody, content)
	} else {
		newBody = []string{"", content}
	}
	if end < len(lines) {
		newBody = append(newBody, "")
	}

	out := make([]string, 0, len(lines)+len(newBody))
	out = append(out, lines[:h.line+1]...)
	out = append(out, newBody...)
	out = append(out, lines[end:]...)
	return joinLines(out), nil
}

func replaceText(doc string, m Modification) (string, error) {
	if m.Find == "" {
		return "", conflict("replace text: empty search text")
	}
	switch n := strings.Count(doc, m.Find); n {
	case 0:
		return "", conflict("replace text: %q not found", truncate(m.Find, 60))
	case 1:
		return strings.Replace(doc, m.Find, m.Replace, 1), nil
	default:
		return "", conflict("replace text: %q occurs %d times", truncate(m.Find, 60), n)
	}
}

type heading struct {
	line  int
	level int
	text  string
}

// scanHeadings returns the ATX headings outside fenced code blocks.
func scanHeadings(lines []string) []heading {
	var hs []heading
	inFence := false
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "```") || strings.HasPrefix(t, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(t, "#") {
			continue
		}
		level := 0
		for level < len(t) && t[level] == '#' {
			level++
		}
		if level > 6 || (level < len(t) && t[level] != ' ') {
			continue
		}
		text := strings.TrimSpace(t[level:])
		// Optional closing sequence: "## Title ##".
		if closed := strings.TrimRight(text, "#"); closed != text && strings.HasSuffix(closed, " ") {
			text = strings.TrimSpace(closed)
		}
		hs = append(hs, heading{line: i, level: level, text: text})
	}
	return hs
}

// findSection locates the heading named name. end is the index of the first
// line after the section: the next heading of the same or a higher level.
func findSection(lines []string, name string) (heading, int, bool) {
	hs := scanHeadings(lines)
	for i, h := range hs {
		if !sameHeading(h.text, name) {
			continue
		}
		end := len(lines)
		for _, next := range hs[i+1:] {
			if next.level <= h.level {
				end = next.line
				break
			}
		}
		return h, end, true
	}
	return heading{}, 0, false
}

func sameHeading(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

// HasSection reports whether doc has a heading named name.
func HasSection(doc, name string) bool {
	_, _, ok := findSection(splitLines(doc), name)
	return ok
}

func splitLines(doc string) []string {
	if doc == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(doc, "\n"), "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}

func trimBlankTail(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}

func isListItem(l string) bool {
	t := strings.TrimSpace(l)
	return strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
