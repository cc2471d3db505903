package plan

import "errors"

var (
	// ErrTaskNotFound is returned when a task ID does not exist in the plan.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotAvailable is returned when claiming a task that is not AVAILABLE.
	ErrTaskNotAvailable = errors.New("task not available")
	// ErrPersonaNotFound is returned when no persona matches a requested role.
	ErrPersonaNotFound = errors.New("persona not found for role")
	// ErrDuplicateID is returned when plan validation finds a repeated entity ID.
	ErrDuplicateID = errors.New("duplicate entity id in plan")
	// ErrCyclicDependency is returned when plan validation finds a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency in plan")
)
