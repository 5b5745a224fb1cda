package modify

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// ErrNoRepository is returned when the modified files are not inside a git repository.
var ErrNoRepository = errors.New("no git repository")

// Committer records modified documents as a single git commit.
type Committer struct {
	name   string
	email  string
	logger *zap.Logger
}

// NewCommitter creates a Committer that signs commits as name <email>.
func NewCommitter(name, email string, logger *zap.Logger) *Committer {
	if name == "" {
		name = "specfactory"
	}
	if email == "" {
		email = "specfactory@localhost"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{name: name, email: email, logger: logger}
}

// CommitAll stages paths and commits them with message. It returns the commit
// hash, or ErrNoRepository if the first path is not in a repository.
func (c *Committer) CommitAll(paths []string, message string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("commit: no files")
	}
	first, err := realPath(paths[0])
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpenWithOptions(filepath.Dir(first), &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", errors.Wrapf(ErrNoRepository, "%s", filepath.Dir(first))
	}
	if err != nil {
		return "", errors.Wrap(err, "open repository")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "open worktree")
	}
	root, err := realPath(wt.Filesystem.Root())
	if err != nil {
		return "", err
	}

	for _, p := range paths {
		abs, err := realPath(p)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", errors.Newf("%s is outside repository %s", p, root)
		}
		if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
			return "", errors.Wrapf(err, "stage %s", rel)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.name,
			Email: c.email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "commit")
	}
	c.logger.Info("committed spec changes", zap.String("hash", hash.String()), zap.Int("files", len(paths)))
	return hash.String(), nil
}

func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	return abs, nil
}

// CommitMessage summarizes a completed run: one line per step with its outcome
// and resolution counts, then the modified files.
func CommitMessage(specID, sessionID string, history []pipeline.StageHistoryEntry, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "spec(%s): pipeline complete\n\n", specID)
	if sessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n\n", sessionID)
	}
	for _, h := range history {
		fmt.Fprintf(&b, "- %s attempt %d: %s", h.Step, h.Attempt, h.Outcome)
		if h.AutoApplied > 0 || h.Escalated > 0 {
			fmt.Fprintf(&b, " (%d auto-applied, %d escalated)", h.AutoApplied, h.Escalated)
		}
		b.WriteString("\n")
	}
	if len(files) > 0 {
		b.WriteString("\nModified:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	return b.String()
}
