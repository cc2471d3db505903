// Package orcherrors defines the orchestrator's error taxonomy. Each kind
// wraps an optional cause and carries just enough context to be logged
// structurally; callers switch on the concrete type, not on string matching.
package orcherrors

import "fmt"

// PlanParseError indicates the plan file could not be parsed.
type PlanParseError struct {
	File string
	Line int
	Err  error
}

func (e *PlanParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse plan %s:%d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("parse plan %s: %v", e.File, e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// PlanValidationError indicates the plan parsed but failed validation.
type PlanValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %d error(s), %d warning(s)", len(e.Errors), len(e.Warnings))
}

// AgentSpawnError indicates an agent process could not be started.
type AgentSpawnError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *AgentSpawnError) Error() string {
	return fmt.Sprintf("spawn agent %s for task %s: %v", e.AgentID, e.TaskID, e.Err)
}

func (e *AgentSpawnError) Unwrap() error { return e.Err }

// CommunicationError indicates a CommBus I/O or semantic failure.
type CommunicationError struct {
	AgentID   string
	Operation string
	Err       error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("commbus %s (agent %s): %v", e.Operation, e.AgentID, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// BranchError indicates a git branch operation failed.
type BranchError struct {
	Branch    string
	Operation string
	Err       error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch %s %s: %v", e.Operation, e.Branch, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }

// WorkspaceError indicates a sandbox filesystem failure.
type WorkspaceError struct {
	AgentID string
	Path    string
	Err     error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s (%s): %v", e.AgentID, e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }

// CIError indicates a CI provider action failed.
type CIError struct {
	Provider  string
	Operation string
	Err       error
}

func (e *CIError) Error() string {
	return fmt.Sprintf("ci %s %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *CIError) Unwrap() error { return e.Err }

// LifecycleError indicates the lifecycle loop hit an internal invariant violation.
type LifecycleError struct {
	AgentID string
	State   string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("lifecycle %s in state %s: %v", e.AgentID, e.State, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// TimeoutError indicates a bounded wait expired.
type TimeoutError struct {
	Operation string
	TimeoutMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Operation, e.TimeoutMs)
}
