package plan

import (
	"fmt"
	"time"
)

// Matcher layers the claim lifecycle (claim/release/complete) on top of a
// Model. It is the only component permitted to mutate task status.
type Matcher struct {
	model *Model
}

// NewMatcher wraps a Model with claim-lifecycle operations.
func NewMatcher(m *Model) *Matcher {
	return &Matcher{model: m}
}

// GetClaimableTasks returns AVAILABLE, dependency-satisfied tasks for role,
// excluding any already assigned to an agent.
func (mt *Matcher) GetClaimableTasks(role string) []*Task {
	return mt.model.GetAvailableTasksForRole(role)
}

// ClaimTask transitions an AVAILABLE task to CLAIMED for agentID on branch.
// It fails if the task does not exist or is not AVAILABLE.
func (mt *Matcher) ClaimTask(taskID, agentID, branch string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != TaskAvailable {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotAvailable, taskID, t.Status)
	}

	now := time.Now()
	t.Status = TaskClaimed
	t.AssignedAgent = agentID
	t.Branch = branch
	t.ClaimedAt = &now
	return nil
}

// ReleaseTask returns a task to AVAILABLE, clearing its assignment. Used
// when a lifecycle loop exhausts its retries or errors out irrecoverably.
func (mt *Matcher) ReleaseTask(taskID string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	t.Status = TaskAvailable
	t.AssignedAgent = ""
	t.Branch = ""
	t.ClaimedAt = nil
	return nil
}

// SetInProgress moves a CLAIMED task to IN_PROGRESS.
func (mt *Matcher) SetInProgress(taskID string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.Status = TaskInProgress
	return nil
}

// SetBlocked marks a task BLOCKED. The blocking task IDs live on the
// AgentInstance/Breakpoint, not on the task itself.
func (mt *Matcher) SetBlocked(taskID string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.Status = TaskBlocked
	return nil
}

// SetPRPending marks a task PR_PENDING and records the PR URL.
func (mt *Matcher) SetPRPending(taskID, prURL string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.Status = TaskPRPending
	t.PRUrl = prURL
	return nil
}

// CompleteTask transitions a task to COMPLETE. Must be called exactly once
// per task; calling it on an already-complete task is a no-op for idempotence
// under at-least-once dispatch.
func (mt *Matcher) CompleteTask(taskID string) error {
	mt.model.mu.Lock()
	defer mt.model.mu.Unlock()

	t, ok := mt.model.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status == TaskComplete {
		return nil
	}

	now := time.Now()
	t.Status = TaskComplete
	t.CompletedAt = &now
	return nil
}

// Model returns the underlying Model for read-only queries.
func (mt *Matcher) Model() *Model {
	return mt.model
}
