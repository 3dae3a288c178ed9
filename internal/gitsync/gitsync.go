// Package gitsync clones and pulls golden repo master working copies via
// the system git binary. It is grounded on executor/command_executor.go's
// exec.CommandContext + CombinedOutput pattern, narrowed from an arbitrary
// shell command to the two git subcommands the refresh pipeline actually
// needs.
package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Syncer runs git against a configurable binary, defaulting to "git" on
// PATH -- overridable in tests.
type Syncer struct {
	GitBinary string
}

// New creates a Syncer using the system git binary.
func New() *Syncer {
	return &Syncer{GitBinary: "git"}
}

// Result reports whether a Pull changed the working copy.
type Result struct {
	Changed bool
	Output  string
}

// CloneOrPull ensures masterPath holds a checkout of sourceURL: clones if
// masterPath does not exist, otherwise runs a fetch+reset pull. It never
// touches masterPath's contents on failure beyond what git itself leaves
// behind -- the scheduler is responsible for deciding whether a failed
// sync aborts the refresh (spec §4.8 step 2/7).
func (s *Syncer) CloneOrPull(ctx context.Context, sourceURL, masterPath string) (Result, error) {
	if _, err := os.Stat(masterPath); os.IsNotExist(err) {
		return s.clone(ctx, sourceURL, masterPath)
	}
	return s.pull(ctx, masterPath)
}

func (s *Syncer) clone(ctx context.Context, sourceURL, masterPath string) (Result, error) {
	out, err := s.run(ctx, "", "clone", sourceURL, masterPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", model.ErrGitCloneFailed, out)
	}
	return Result{Changed: true, Output: out}, nil
}

func (s *Syncer) pull(ctx context.Context, masterPath string) (Result, error) {
	beforeOut, err := s.run(ctx, masterPath, "rev-parse", "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", model.ErrGitCloneFailed, beforeOut)
	}
	before := strings.TrimSpace(beforeOut)

	if _, err := s.run(ctx, masterPath, "fetch", "--all", "--prune"); err != nil {
		return Result{}, fmt.Errorf("%w: fetch failed", model.ErrGitCloneFailed)
	}

	headOut, err := s.run(ctx, masterPath, "rev-parse", "@{u}")
	if err != nil {
		return Result{}, fmt.Errorf("%w: no upstream configured", model.ErrGitCloneFailed)
	}
	upstream := strings.TrimSpace(headOut)

	if before == upstream {
		return Result{Changed: false}, nil
	}

	out, err := s.run(ctx, masterPath, "reset", "--hard", upstream)
	if err != nil {
		return Result{}, fmt.Errorf("%w: reset failed: %s", model.ErrGitCloneFailed, out)
	}
	return Result{Changed: true, Output: out}, nil
}

func (s *Syncer) run(ctx context.Context, dir string, args ...string) (string, error) {
	binary := s.GitBinary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
