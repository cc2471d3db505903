// Package plan models the hierarchical project plan (milestones, epics,
// stories, tasks, personas) and the claim lifecycle tasks move through as
// agents pick them up.
package plan

import "time"

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskAvailable  TaskStatus = "available"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskPRPending  TaskStatus = "pr_pending"
	TaskComplete   TaskStatus = "complete"
)

// Task is a single unit of work assignable to one agent at a time.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Role           string     `json:"role"`
	Status         TaskStatus `json:"status"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	AssignedAgent  string     `json:"assignedAgent,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	PRUrl          string     `json:"prUrl,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Story groups tasks under a shared acceptance bar.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	EpicID             string   `json:"epicId"`
	Tasks              []*Task  `json:"tasks"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

// Epic groups stories and may itself depend on other epics.
type Epic struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	MilestoneID  string   `json:"milestoneId,omitempty"`
	Stories      []*Story `json:"stories"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Milestone is a shippable unit made of one or more epics.
type Milestone struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	EpicIDs   []string `json:"epicIds"`
	Completed bool     `json:"completed"`
	PRUrl     string   `json:"prUrl,omitempty"`
}

// Persona is a role template an agent instance is spawned from.
type Persona struct {
	ID                  string   `json:"id"`
	Role                string   `json:"role"`
	Capabilities        []string `json:"capabilities,omitempty"`
	Constraints         []string `json:"constraints,omitempty"`
	InstructionTemplate string   `json:"instructionTemplate"`
}

// ProjectPlan is the parsed, validated plan root.
type ProjectPlan struct {
	Milestones []*Milestone `json:"milestones"`
	Epics      []*Epic      `json:"epics"`
	Personas   []*Persona   `json:"personas"`
}

// Stats summarizes task counts by status.
type Stats struct {
	Total      int `json:"total"`
	Available  int `json:"available"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"inProgress"`
	Blocked    int `json:"blocked"`
	Complete   int `json:"complete"`
}
