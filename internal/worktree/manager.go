// Package worktree implements the Worktree Manager (spec §4.3): allocation
// and reclamation of per-workspace and per-attempt git worktrees under two
// rooted directories, WorkspacesRoot and AttemptsRoot. Grounded on the
// teacher's internal/infra/external/workspace.Manager — the git-CLI-wrapper
// shape (exec.CommandContext, mutex discipline) is kept; the single ".elephant/worktrees" root is replaced by the spec's
// dual-root layout, and the path-safety validator (safepath.go) is new.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"alex/internal/apperr"
	"alex/internal/logging"
)

// Manager allocates and reclaims git worktrees rooted at WorkspacesRoot and
// AttemptsRoot.
type Manager struct {
	workspacesRoot string
	attemptsRoot   string
	logger         logging.Logger
	mu             sync.Mutex

	// cleanupParallelism bounds concurrent git invocations during bulk
	// reclamation.
	cleanupParallelism int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCleanupParallelism bounds the number of concurrent git invocations
// during bulk cleanup. Defaults to 4.
func WithCleanupParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.cleanupParallelism = n
		}
	}
}

// NewManager constructs a Manager rooted at workspacesRoot/attemptsRoot.
// Both roots are created eagerly so later path-containment checks always
// have a resolvable root to compare against.
func NewManager(workspacesRoot, attemptsRoot string, opts ...Option) (*Manager, error) {
	m := &Manager{
		workspacesRoot:     workspacesRoot,
		attemptsRoot:       attemptsRoot,
		logger:             logging.NewComponentLogger("WorktreeManager"),
		cleanupParallelism: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	if err := os.MkdirAll(m.workspacesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces root: %w", err)
	}
	if err := os.MkdirAll(m.attemptsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create attempts root: %w", err)
	}
	return m, nil
}

// CreateWorkspace allocates a long-lived worktree for workspaceID under
// WorkspacesRoot, checking out branch (created if absent) against the
// project repo at projectPath.
func (m *Manager) CreateWorkspace(ctx context.Context, projectPath, workspaceID, branch string) (string, error) {
	if err := ValidateIdentifier("workspace_id", workspaceID); err != nil {
		return "", err
	}
	if err := ValidateBranchName(branch); err != nil {
		return "", err
	}
	worktreePath := filepath.Join(m.workspacesRoot, workspaceID)
	if err := ValidateWithinRoot(m.workspacesRoot, worktreePath); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if branchExists(ctx, projectPath, branch) {
		if err := m.gitIn(ctx, projectPath, "worktree", "add", worktreePath, branch); err != nil {
			return "", err
		}
	} else if err := m.gitIn(ctx, projectPath, "worktree", "add", worktreePath, "-b", branch); err != nil {
		return "", err
	}
	return worktreePath, nil
}

// CreateAttempt allocates an ephemeral attempt worktree at
// ATTEMPTS_ROOT/<workspaceID>/<attemptID> on branch attempt/<attemptID>,
// branched from baseBranch in the project repo.
func (m *Manager) CreateAttempt(ctx context.Context, projectPath, workspaceID, attemptID, baseBranch string) (worktreePath, branch string, err error) {
	if err = ValidateIdentifier("workspace_id", workspaceID); err != nil {
		return "", "", err
	}
	if err = ValidateIdentifier("attempt_id", attemptID); err != nil {
		return "", "", err
	}
	branch = "attempt/" + attemptID
	if err = ValidateBranchName(branch); err != nil {
		return "", "", err
	}

	parent := filepath.Join(m.attemptsRoot, workspaceID)
	worktreePath = filepath.Join(parent, attemptID)
	if err = ValidateWithinRoot(m.attemptsRoot, worktreePath); err != nil {
		return "", "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err = os.MkdirAll(parent, 0o755); err != nil {
		return "", "", fmt.Errorf("create attempt parent dir: %w", err)
	}
	if err = m.gitIn(ctx, projectPath, "worktree", "add", worktreePath, "-b", branch, baseBranch); err != nil {
		return "", "", err
	}
	return worktreePath, branch, nil
}

// Cleanup removes a single worktree: git worktree remove --force first;
// on failure, falls back to a recursive rmdir (the worktree may already be
// half-deleted on disk). The branch is then deleted, errors ignored,
// per spec §4.3 "delete the branch (ignore errors)".
func (m *Manager) Cleanup(ctx context.Context, projectPath, worktreePath, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(ctx, projectPath, worktreePath, branch)
}

func (m *Manager) cleanupLocked(ctx context.Context, projectPath, worktreePath, branch string) error {
	if err := m.gitIn(ctx, projectPath, "worktree", "remove", "--force", worktreePath); err != nil {
		m.logger.Warn("git worktree remove failed for %s, falling back to rmdir: %v", worktreePath, err)
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree dir %s: %w", worktreePath, rmErr)
		}
		_ = m.gitIn(ctx, projectPath, "worktree", "prune")
	}
	if branch != "" {
		if err := m.gitIn(ctx, projectPath, "branch", "-D", branch); err != nil {
			m.logger.Warn("branch delete failed for %s: %v", branch, err)
		}
	}
	return nil
}

// attemptEntry pairs an attempt worktree with the branch it was created on,
// as needed for CleanupForWorkspace to reclaim both.
type attemptEntry struct {
	id     string
	path   string
	branch string
}

// CleanupForWorkspace reclaims every attempt subdirectory under
// ATTEMPTS_ROOT/<workspaceID> not present in keep, running cleanups with
// bounded parallelism. Individual failures are logged and do not abort the
// batch.
func (m *Manager) CleanupForWorkspace(ctx context.Context, projectPath, workspaceID string, keep map[string]bool) error {
	if err := ValidateIdentifier("workspace_id", workspaceID); err != nil {
		return err
	}
	parent := filepath.Join(m.attemptsRoot, workspaceID)
	if err := ValidateWithinRoot(m.attemptsRoot, parent); err != nil {
		return err
	}

	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read attempts dir: %w", err)
	}

	var toReclaim []attemptEntry
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		toReclaim = append(toReclaim, attemptEntry{
			id:     e.Name(),
			path:   filepath.Join(parent, e.Name()),
			branch: "attempt/" + e.Name(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cleanupParallelism)
	for _, entry := range toReclaim {
		entry := entry
		g.Go(func() error {
			m.mu.Lock()
			err := m.cleanupLocked(gctx, projectPath, entry.path, entry.branch)
			m.mu.Unlock()
			if err != nil {
				m.logger.Error("cleanup of attempt %s failed: %v", entry.id, err)
			}
			return nil // individual failures never abort the batch
		})
	}
	_ = g.Wait()

	if remaining, err := os.ReadDir(parent); err == nil && len(remaining) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

func branchExists(ctx context.Context, projectPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = projectPath
	return cmd.Run() == nil
}

func (m *Manager) gitIn(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apperr.InternalError(fmt.Sprintf("git %s: %v: %s", strings.Join(args, " "), err, stderr.String()))
	}
	return nil
}
