// Package lifecycle drives one agent's claim-spawn-breakpoint cycle:
// claim a task, spawn a subprocess, wait for it to leave a breakpoint in
// the communications document, and dispatch on what happened.
package lifecycle

import "time"

// State is where one AgentInstance's loop currently sits.
type State string

const (
	StateWorking         State = "WORKING"
	StateSpawn           State = "SPAWN"
	StateAwaitBreakpoint State = "AWAIT_BREAKPOINT"
	StateWaitUnblock     State = "WAIT_UNBLOCK"
	StateWaitPRMerge     State = "WAIT_PR_MERGE"
	StateError           State = "ERROR"
	StateComplete        State = "COMPLETE"
	StateMaxRetries      State = "MAX_RETRIES"
	StateIdle            State = "IDLE"
	StateShutdown        State = "SHUTDOWN"
	StatePRPending       State = "PR_PENDING"
)

// AgentInstance is the loop's view of the agent it is driving. It lives
// for the lifetime of the loop; the Orchestrator holds only the agent ID.
type AgentInstance struct {
	AgentID    string
	Role       string
	TaskID     string
	Branch     string
	SpawnCount int
	RetryCount int
	State      State
}

// Result is what a loop run returns to its caller.
type Result struct {
	AgentID    string
	TaskID     string
	FinalState State
	Err        error
}

// Snapshot is the context handed forward from one spawn to the next.
type Snapshot struct {
	AgentID       string    `json:"agentId"`
	TaskID        string    `json:"taskId"`
	Branch        string    `json:"branch"`
	ModifiedFiles []string  `json:"modifiedFiles,omitempty"`
	RecentCommits []string  `json:"recentCommits,omitempty"`
	Summary       string    `json:"summary"`
	BusStateJSON  string    `json:"busStateJSON,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
