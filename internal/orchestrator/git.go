package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// worktreeCurrentBranch resolves the branch an attempt should fork from:
// whatever HEAD currently names in the workspace's primary checkout.
// Grounded on the same exec.CommandContext git-wrapper idiom as
// internal/worktree.Manager.gitIn.
func worktreeCurrentBranch(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD in %s: %w: %s", dir, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// resetWorkspaceToBranch hard-resets the primary workspace checkout onto
// branch, applying the picked attempt's changes (spec §4.7 "Pick
// semantics"). branch must already have passed worktree.ValidateBranchName.
func resetWorkspaceToBranch(ctx context.Context, workspacePath, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", workspacePath, "reset", "--hard", branch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git reset --hard %s in %s: %w: %s", branch, workspacePath, err, stderr.String())
	}
	return nil
}
