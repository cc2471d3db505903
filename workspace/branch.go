// Package workspace isolates each agent's work in its own branch and sandbox
// directory so concurrent agents never step on each other's files.
package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/c360studio/orchestrate/orcherrors"
)

// BranchInfo records a branch created for one agent's task.
type BranchInfo struct {
	Name       string
	AgentID    string
	TaskID     string
	BaseBranch string
	CreatedAt  time.Time
}

// BranchManager creates and merges per-agent branches in a single shared git
// working tree. Concurrent agents never touch the same branch, so isolation
// comes from branch naming, not from separate clones.
type BranchManager struct {
	repoRoot          string
	integrationBranch string
}

// NewBranchManager returns a manager rooted at repoRoot, merging work onto
// integrationBranch by default.
func NewBranchManager(repoRoot, integrationBranch string) *BranchManager {
	return &BranchManager{repoRoot: repoRoot, integrationBranch: integrationBranch}
}

// BranchName returns the deterministic branch name for an agent's task.
func BranchName(agentID, taskID string) string {
	return fmt.Sprintf("agent/%s/%s", agentID, taskID)
}

func (bm *BranchManager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = bm.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}

func (bm *BranchManager) branchExists(ctx context.Context, name string) bool {
	_, err := bm.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateAgentBranch creates (or, if it already exists, leaves in place) the
// branch for agentID's taskID, based on the integration branch.
func (bm *BranchManager) CreateAgentBranch(ctx context.Context, agentID, taskID string) (*BranchInfo, error) {
	base := bm.integrationBranch
	name := BranchName(agentID, taskID)

	if _, err := bm.runGit(ctx, "fetch", "origin", base); err != nil {
		// A missing remote is not fatal for a local-only integration branch.
	}

	if bm.branchExists(ctx, name) {
		return &BranchInfo{Name: name, AgentID: agentID, TaskID: taskID, BaseBranch: base, CreatedAt: time.Now()}, nil
	}

	baseRef := "origin/" + base
	if _, err := bm.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/remotes/"+baseRef); err != nil {
		baseRef = base
	}

	if _, err := bm.runGit(ctx, "branch", name, baseRef); err != nil {
		return nil, &orcherrors.BranchError{Branch: name, Operation: "create", Err: err}
	}

	return &BranchInfo{Name: name, AgentID: agentID, TaskID: taskID, BaseBranch: base, CreatedAt: time.Now()}, nil
}

// CheckoutBranch checks the shared working tree out onto name.
func (bm *BranchManager) CheckoutBranch(ctx context.Context, name string) error {
	if _, err := bm.runGit(ctx, "checkout", name); err != nil {
		return &orcherrors.BranchError{Branch: name, Operation: "checkout", Err: err}
	}
	return nil
}

// MergeBranch merges agentID's branch into target (defaulting to the
// integration branch) with --no-ff so the merge commit records provenance.
func (bm *BranchManager) MergeBranch(ctx context.Context, agentID, taskID, target string) error {
	if target == "" {
		target = bm.integrationBranch
	}
	name := BranchName(agentID, taskID)

	if _, err := bm.runGit(ctx, "checkout", target); err != nil {
		return &orcherrors.BranchError{Branch: target, Operation: "checkout", Err: err}
	}
	if _, err := bm.runGit(ctx, "merge", "--no-ff", "-m", fmt.Sprintf("merge %s into %s", name, target), name); err != nil {
		return &orcherrors.BranchError{Branch: name, Operation: "merge", Err: err}
	}
	return nil
}

// DeleteBranch removes an agent's branch. force uses -D instead of -d.
func (bm *BranchManager) DeleteBranch(ctx context.Context, agentID, taskID string, force bool) error {
	name := BranchName(agentID, taskID)
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := bm.runGit(ctx, "branch", flag, name); err != nil {
		return &orcherrors.BranchError{Branch: name, Operation: "delete", Err: err}
	}
	return nil
}

// GetCommits returns "hash subject" lines for branch since it diverged from base.
func (bm *BranchManager) GetCommits(ctx context.Context, branch, base string) ([]string, error) {
	out, err := bm.runGit(ctx, "log", "--oneline", base+".."+branch)
	if err != nil {
		return nil, &orcherrors.BranchError{Branch: branch, Operation: "log", Err: err}
	}
	return splitNonEmptyLines(out), nil
}

// GetChangedFiles returns the set of files touched on branch relative to base.
func (bm *BranchManager) GetChangedFiles(ctx context.Context, branch, base string) ([]string, error) {
	out, err := bm.runGit(ctx, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, &orcherrors.BranchError{Branch: branch, Operation: "diff", Err: err}
	}
	return splitNonEmptyLines(out), nil
}

// PushBranch pushes an agent's branch to origin.
func (bm *BranchManager) PushBranch(ctx context.Context, agentID, taskID string) error {
	name := BranchName(agentID, taskID)
	if _, err := bm.runGit(ctx, "push", "-u", "origin", name); err != nil {
		return &orcherrors.BranchError{Branch: name, Operation: "push", Err: err}
	}
	return nil
}

// Status returns "git status --porcelain" for the shared working tree.
func (bm *BranchManager) Status(ctx context.Context) (string, error) {
	out, err := bm.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return "", &orcherrors.BranchError{Operation: "status", Err: err}
	}
	return out, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
