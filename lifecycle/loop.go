package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/orchestrate/ci"
	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
	"github.com/c360studio/orchestrate/orcherrors"
	"github.com/c360studio/orchestrate/plan"
	"github.com/c360studio/orchestrate/process"
	"github.com/c360studio/orchestrate/workspace"
)

// Deps are the components one Loop drives. All fields are required except
// CI, which may be nil if the loop's tasks never reach a PR breakpoint, and
// Logger, which New defaults.
type Deps struct {
	Matcher    *plan.Matcher
	Bus        *commbus.Bus
	CI         ci.CIProvider
	Supervisor *process.Supervisor
	Branches   *workspace.BranchManager
	Sandbox    *workspace.Sandbox
	Config     *config.Config
	Logger     *slog.Logger
}

// Loop drives one AgentInstance through claim → spawn → breakpoint →
// dispatch until it completes, errors out, or exhausts its retries.
type Loop struct {
	deps Deps
}

// New returns a Loop over deps. A nil Logger falls back to slog.Default().
func New(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{deps: deps}
}

// Run drives agentID through taskID (already CLAIMED by the caller) and
// every subsequent task of role it picks up, until the loop reaches a
// terminal state.
func (l *Loop) Run(ctx context.Context, agentID, role, taskID string) (*Result, error) {
	inst := &AgentInstance{AgentID: agentID, Role: role, TaskID: taskID, State: StateWorking}
	logger := l.deps.Logger.With("agentId", agentID, "role", role)

	var (
		handle    *process.Handle
		blockedOn []string
		prURL     string
	)

	for {
		select {
		case <-ctx.Done():
			if handle != nil {
				_ = l.deps.Supervisor.Terminate(agentID, l.deps.Config.ProcessTimeout)
			}
			return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StateShutdown, Err: ctx.Err()}, ctx.Err()
		default:
		}

		logger.Debug("lifecycle state", "state", inst.State, "taskId", inst.TaskID)

		switch inst.State {

		case StateWorking:
			if err := l.enterWorking(ctx, inst); err != nil {
				logger.Warn("working phase failed", "error", err)
				inst.State = StateError
				continue
			}
			inst.State = StateSpawn

		case StateSpawn:
			h, err := l.spawn(ctx, inst)
			if err != nil {
				logger.Warn("spawn failed", "error", err)
				inst.State = StateError
				continue
			}
			handle = h
			inst.SpawnCount++
			inst.State = StateAwaitBreakpoint

		case StateAwaitBreakpoint:
			next, bp, err := l.awaitBreakpoint(ctx, inst, handle)
			handle = nil
			if err != nil {
				logger.Warn("await breakpoint failed", "error", err)
				inst.State = StateError
				continue
			}
			switch next {
			case commbus.BreakpointBlocked:
				blockedOn = bp.BlockedOn
				inst.State = StateWaitUnblock
			case commbus.BreakpointPRCreated:
				prURL = bp.PRUrl
				if err := l.deps.Matcher.SetPRPending(inst.TaskID, prURL); err != nil {
					logger.Warn("set PR pending failed", "error", err)
				}
				inst.State = StateWaitPRMerge
			case commbus.BreakpointTaskComplete:
				inst.State = l.onTaskComplete(inst)
			default:
				inst.State = StateError
			}

		case StateWaitUnblock:
			state, err := l.waitUnblock(ctx, inst, blockedOn)
			if err != nil {
				logger.Warn("wait unblock failed", "error", err)
			}
			inst.State = state

		case StateWaitPRMerge:
			state, err := l.waitPRMerge(ctx, inst, prURL)
			if err != nil {
				logger.Warn("wait PR merge failed", "error", err)
				return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StatePRPending, Err: err}, nil
			}
			inst.State = state

		case StateError:
			if handle != nil {
				_ = l.deps.Supervisor.Terminate(agentID, l.deps.Config.ProcessTimeout)
				handle = nil
			}
			inst.RetryCount++
			if inst.RetryCount >= l.deps.Config.MaxRetries {
				inst.State = StateMaxRetries
				continue
			}
			inst.State = StateWorking

		case StateMaxRetries:
			if err := l.deps.Matcher.ReleaseTask(inst.TaskID); err != nil {
				logger.Warn("release task after max retries failed", "error", err)
			}
			return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StateMaxRetries}, nil

		case StateComplete:
			return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StateComplete}, nil

		case StateShutdown:
			return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StateShutdown, Err: ctx.Err()}, nil

		default:
			return &Result{AgentID: agentID, TaskID: inst.TaskID, FinalState: StateError,
				Err: &orcherrors.LifecycleError{AgentID: agentID, State: string(inst.State), Err: fmt.Errorf("unhandled state")}}, nil
		}
	}
}

// enterWorking claims the working branch, captures a snapshot of the
// previous spawn's work (if any), and renders this spawn's instructions
// into the sandbox.
func (l *Loop) enterWorking(ctx context.Context, inst *AgentInstance) error {
	task, err := l.deps.Matcher.Model().GetTaskByID(inst.TaskID)
	if err != nil {
		return err
	}

	info, err := l.deps.Branches.CreateAgentBranch(ctx, inst.AgentID, inst.TaskID)
	if err != nil {
		return err
	}
	inst.Branch = info.Name

	if err := l.deps.Matcher.SetInProgress(inst.TaskID); err != nil {
		return err
	}

	persona, err := l.deps.Matcher.Model().GetPersonaByRole(inst.Role)
	var personaTemplate string
	if err == nil {
		personaTemplate = persona.InstructionTemplate
	}

	snap := captureSnapshot(ctx, l.deps.Branches, l.deps.Bus, inst.AgentID, inst.TaskID, inst.Branch, l.deps.Config.IntegrationBranch)
	if _, err := saveSnapshot(l.deps.Config.SnapshotDir, snap); err != nil {
		l.deps.Logger.Warn("save snapshot failed", "agentId", inst.AgentID, "error", err)
	}

	instructions := workspace.RenderInstructions(workspace.InstructionInput{
		PersonaTemplate: personaTemplate,
		Role:            inst.Role,
		TaskID:          inst.TaskID,
		TaskDescription: task.Description,
		Branch:          inst.Branch,
		PreviousSummary: snap.Summary,
	})

	if _, err := l.deps.Sandbox.CreateSandbox(inst.AgentID, false); err != nil {
		return err
	}
	if err := l.deps.Sandbox.InjectClaudeMd(inst.AgentID, instructions); err != nil {
		return err
	}

	// The previous spawn's breakpoint has already been dispatched; clear it
	// so the fresh process isn't immediately mistaken for having stopped.
	if err := l.deps.Bus.UpdateField(inst.AgentID, "breakpoint", (*commbus.Breakpoint)(nil)); err != nil {
		return err
	}
	if err := l.deps.Bus.UpdateField(inst.AgentID, "lifecycleState", commbus.StateWorking); err != nil {
		return err
	}

	return nil
}

func (l *Loop) spawn(ctx context.Context, inst *AgentInstance) (*process.Handle, error) {
	cmd := l.deps.Config.AgentCommand
	if len(cmd) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}

	spec := process.Spec{
		AgentID: inst.AgentID,
		TaskID:  inst.TaskID,
		Command: cmd[0],
		Args:    cmd[1:],
		WorkDir: l.deps.Sandbox.PathFor(inst.AgentID),
	}
	return l.deps.Supervisor.Spawn(ctx, spec)
}

// awaitBreakpoint polls the CommBus for inst's record until a terminal
// breakpoint appears, the process exits without one (an error), or ctx
// is cancelled. It always terminates the process before returning.
func (l *Loop) awaitBreakpoint(ctx context.Context, inst *AgentInstance, handle *process.Handle) (string, *commbus.Breakpoint, error) {
	ticker := time.NewTicker(l.deps.Config.BreakpointCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = l.deps.Supervisor.Terminate(inst.AgentID, l.deps.Config.ProcessTimeout)
			return "", nil, ctx.Err()

		case <-handle.Done():
			rec, _ := l.deps.Bus.GetAgent(inst.AgentID)
			if breakpointReady(rec) {
				return rec.Breakpoint.Type, rec.Breakpoint, nil
			}
			return "", nil, fmt.Errorf("process exited without a breakpoint (err=%v)", handle.ExitErr())

		case <-ticker.C:
			rec, err := l.deps.Bus.GetAgent(inst.AgentID)
			if err != nil {
				continue
			}
			if breakpointReady(rec) {
				_ = l.deps.Supervisor.Terminate(inst.AgentID, l.deps.Config.ProcessTimeout)
				return rec.Breakpoint.Type, rec.Breakpoint, nil
			}
		}
	}
}

// onTaskComplete marks the current task complete and tries to pick up the
// next claimable task of the same role.
func (l *Loop) onTaskComplete(inst *AgentInstance) State {
	if err := l.deps.Matcher.CompleteTask(inst.TaskID); err != nil {
		l.deps.Logger.Warn("complete task failed", "agentId", inst.AgentID, "taskId", inst.TaskID, "error", err)
	}

	candidates := l.deps.Matcher.GetClaimableTasks(inst.Role)
	if len(candidates) == 0 {
		return StateComplete
	}

	next := candidates[0]
	branch := workspace.BranchName(inst.AgentID, next.ID)
	if err := l.deps.Matcher.ClaimTask(next.ID, inst.AgentID, branch); err != nil {
		return StateComplete
	}

	inst.TaskID = next.ID
	inst.RetryCount = 0
	return StateWorking
}

// waitUnblock polls the plan for every blocking task to reach COMPLETE,
// waking early on a matching CI event. It signals MAX_RETRIES once
// retryCount reaches the configured bound; Run then releases the task.
func (l *Loop) waitUnblock(ctx context.Context, inst *AgentInstance, blockedOn []string) (State, error) {
	// No branch filter: the events that unblock this agent land on the
	// blocking tasks' branches, not its own.
	var sub *ci.Subscription
	if l.deps.CI != nil {
		if s, err := l.deps.CI.Subscribe(ci.Filter{}); err == nil {
			sub = s
			defer l.deps.CI.Unsubscribe(sub)
		}
	}

	ticker := time.NewTicker(l.deps.Config.RetryInterval)
	defer ticker.Stop()

	for {
		if l.allResolved(blockedOn) {
			return StateWorking, nil
		}

		select {
		case <-ctx.Done():
			return StateShutdown, ctx.Err()
		case <-ticker.C:
		case <-subEvents(sub):
		}

		inst.RetryCount++
		if inst.RetryCount >= l.deps.Config.MaxRetries {
			return StateMaxRetries, nil
		}
	}
}

func subEvents(sub *ci.Subscription) <-chan ci.Event {
	if sub == nil {
		return nil
	}
	return sub.Events
}

func (l *Loop) allResolved(blockedOn []string) bool {
	for _, id := range blockedOn {
		t, err := l.deps.Matcher.Model().GetTaskByID(id)
		if err != nil || t.Status != plan.TaskComplete {
			return false
		}
	}
	return true
}

// waitPRMerge blocks (bounded by prMergeTimeout) until the PR from url
// merges, then completes the task and advances to the next one.
func (l *Loop) waitPRMerge(ctx context.Context, inst *AgentInstance, url string) (State, error) {
	number, err := extractPRNumber(url)
	if err != nil {
		return StatePRPending, err
	}
	if l.deps.CI == nil {
		return StatePRPending, fmt.Errorf("no CI provider configured")
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.deps.Config.PRMergeTimeout)
	defer cancel()

	info, err := l.deps.CI.WaitForPRMerge(waitCtx, number)
	if err != nil {
		return StatePRPending, err
	}
	if info.State != ci.PRMerged {
		return StatePRPending, fmt.Errorf("PR #%d closed without merging", number)
	}

	return l.onTaskComplete(inst), nil
}
