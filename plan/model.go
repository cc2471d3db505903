package plan

import (
	"fmt"
	"sync"
)

// Model is an in-memory, mutex-guarded query and mutation surface over a
// parsed ProjectPlan. All mutations to task status flow through it so that
// claim/complete/release remain compare-and-swap against a single lock.
type Model struct {
	mu sync.Mutex

	tasks      map[string]*Task
	stories    map[string]*Story
	epics      map[string]*Epic
	milestones map[string]*Milestone
	personas   map[string]*Persona

	taskStory map[string]string // taskID -> storyID, for epic/milestone lookups
	storyEpic map[string]string // storyID -> epicID
}

// NewModel indexes a parsed plan for fast lookups. Tasks with no status are
// set to AVAILABLE in place, and the Model keeps the plan's own entity
// pointers, so later status changes are visible through plan as well.
func NewModel(p *ProjectPlan) (*Model, error) {
	m := &Model{
		tasks:      make(map[string]*Task),
		stories:    make(map[string]*Story),
		epics:      make(map[string]*Epic),
		milestones: make(map[string]*Milestone),
		personas:   make(map[string]*Persona),
		taskStory:  make(map[string]string),
		storyEpic:  make(map[string]string),
	}

	for _, ms := range p.Milestones {
		if _, dup := m.milestones[ms.ID]; dup {
			return nil, fmt.Errorf("%w: milestone %s", ErrDuplicateID, ms.ID)
		}
		m.milestones[ms.ID] = ms
	}

	for _, ep := range p.Epics {
		if _, dup := m.epics[ep.ID]; dup {
			return nil, fmt.Errorf("%w: epic %s", ErrDuplicateID, ep.ID)
		}
		m.epics[ep.ID] = ep

		for _, st := range ep.Stories {
			if _, dup := m.stories[st.ID]; dup {
				return nil, fmt.Errorf("%w: story %s", ErrDuplicateID, st.ID)
			}
			m.stories[st.ID] = st
			m.storyEpic[st.ID] = ep.ID

			for _, t := range st.Tasks {
				if _, dup := m.tasks[t.ID]; dup {
					return nil, fmt.Errorf("%w: task %s", ErrDuplicateID, t.ID)
				}
				if t.Status == "" {
					t.Status = TaskAvailable
				}
				m.tasks[t.ID] = t
				m.taskStory[t.ID] = st.ID
			}
		}
	}

	for _, per := range p.Personas {
		if _, dup := m.personas[per.ID]; dup {
			return nil, fmt.Errorf("%w: persona %s", ErrDuplicateID, per.ID)
		}
		m.personas[per.ID] = per
	}

	if err := m.checkAcyclic(); err != nil {
		return nil, err
	}

	return m, nil
}

// checkAcyclic verifies task and epic dependency graphs have no cycles.
func (m *Model) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(m.tasks))
	var visitTask func(id string) error
	visitTask = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: task %s", ErrCyclicDependency, id)
		}
		color[id] = gray
		for _, dep := range m.tasks[id].Dependencies {
			if _, ok := m.tasks[dep]; !ok {
				continue
			}
			if err := visitTask(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range m.tasks {
		if err := visitTask(id); err != nil {
			return err
		}
	}

	color = make(map[string]int, len(m.epics))
	var visitEpic func(id string) error
	visitEpic = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: epic %s", ErrCyclicDependency, id)
		}
		color[id] = gray
		for _, dep := range m.epics[id].Dependencies {
			if _, ok := m.epics[dep]; !ok {
				continue
			}
			if err := visitEpic(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range m.epics {
		if err := visitEpic(id); err != nil {
			return err
		}
	}

	return nil
}

// GetAllTasks returns every task in the plan, order unspecified.
func (m *Model) GetAllTasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// GetTaskByID looks up a task by ID.
func (m *Model) GetTaskByID(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// GetTasksByRole returns every task whose Role matches, regardless of status.
func (m *Model) GetTasksByRole(role string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// dependenciesSatisfiedLocked reports whether every dependency of t is COMPLETE.
// Caller must hold m.mu.
func (m *Model) dependenciesSatisfiedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		dt, ok := m.tasks[dep]
		if !ok || dt.Status != TaskComplete {
			return false
		}
	}
	return true
}

// GetAvailableTasksForRole returns tasks with Role == role, Status ==
// AVAILABLE, and all dependencies COMPLETE.
func (m *Model) GetAvailableTasksForRole(role string) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Role != role || t.Status != TaskAvailable {
			continue
		}
		if m.dependenciesSatisfiedLocked(t) {
			out = append(out, t)
		}
	}
	return out
}

// GetPersonaByRole returns the persona registered for role.
func (m *Model) GetPersonaByRole(role string) (*Persona, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.personas {
		if p.Role == role {
			return p, nil
		}
	}
	return nil, ErrPersonaNotFound
}

// GetAllMilestones returns every milestone in the plan, order unspecified.
func (m *Model) GetAllMilestones() []*Milestone {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Milestone, 0, len(m.milestones))
	for _, ms := range m.milestones {
		out = append(out, ms)
	}
	return out
}

// GetEpicsForMilestone returns the epics belonging to a milestone.
func (m *Model) GetEpicsForMilestone(milestoneID string) []*Epic {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[milestoneID]
	if !ok {
		return nil
	}
	out := make([]*Epic, 0, len(ms.EpicIDs))
	for _, id := range ms.EpicIDs {
		if ep, ok := m.epics[id]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// IsMilestoneComplete reports whether every task in every epic of the
// milestone has reached COMPLETE.
func (m *Model) IsMilestoneComplete(milestoneID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[milestoneID]
	if !ok {
		return false
	}
	for _, epicID := range ms.EpicIDs {
		ep, ok := m.epics[epicID]
		if !ok {
			continue
		}
		for _, st := range ep.Stories {
			for _, t := range st.Tasks {
				if t.Status != TaskComplete {
					return false
				}
			}
		}
	}
	return true
}

// MarkMilestoneComplete records the milestone's completion PR.
func (m *Model) MarkMilestoneComplete(milestoneID, prURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.milestones[milestoneID]
	if !ok {
		return fmt.Errorf("milestone not found: %s", milestoneID)
	}
	ms.Completed = true
	ms.PRUrl = prURL
	return nil
}

// GetTaskStats summarizes task counts by status. Available counts only
// AVAILABLE tasks whose dependencies are all COMPLETE.
func (m *Model) GetTaskStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, t := range m.tasks {
		s.Total++
		switch t.Status {
		case TaskAvailable:
			if m.dependenciesSatisfiedLocked(t) {
				s.Available++
			}
		case TaskClaimed:
			s.Claimed++
		case TaskInProgress:
			s.InProgress++
		case TaskBlocked:
			s.Blocked++
		case TaskComplete:
			s.Complete++
		}
	}
	return s
}
