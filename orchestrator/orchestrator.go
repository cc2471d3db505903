// Package orchestrator is the composition root: it owns the plan, the
// shared components every LifecycleLoop borrows, and the set of
// currently running agents.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/c360studio/orchestrate/ci"
	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
	"github.com/c360studio/orchestrate/lifecycle"
	"github.com/c360studio/orchestrate/metrics"
	"github.com/c360studio/orchestrate/plan"
	"github.com/c360studio/orchestrate/process"
	"github.com/c360studio/orchestrate/watcher"
	"github.com/c360studio/orchestrate/workspace"
)

// Orchestrator owns the fleet: the plan, the shared CommBus/Watcher/CI
// components, and one goroutine per active LifecycleLoop.
type Orchestrator struct {
	cfg        *config.Config
	logger     *slog.Logger
	matcher    *plan.Matcher
	bus        *commbus.Bus
	watcher    *watcher.Watcher
	ciProvider ci.CIProvider
	eventBus   *ci.EventBus
	supervisor *process.Supervisor
	branches   *workspace.BranchManager
	sandbox    *workspace.Sandbox
	metrics    *metrics.Metrics

	mu      sync.Mutex
	running bool
	active  map[string]*activeAgent
	spawned int64
}

type activeAgent struct {
	role   string
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires an Orchestrator over an already-parsed, validated plan.
func New(cfg *config.Config, p *plan.ProjectPlan, repoRoot string, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	model, err := plan.NewModel(p)
	if err != nil {
		return nil, fmt.Errorf("build plan model: %w", err)
	}
	matcher := plan.NewMatcher(model)

	if dir := filepath.Dir(cfg.CommFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create comm file directory: %w", err)
		}
	}
	bus := commbus.New(cfg.CommFile)

	w, err := watcher.New(bus, cfg.PollInterval, logger)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	eventBus, err := ci.NewEmbeddedEventBus(logger)
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	ciStateDir := filepath.Join(cfg.SnapshotDir, "ci")
	ciProvider, err := ci.NewLocalProvider(repoRoot, cfg.IntegrationBranch, ciStateDir, cfg.BuildFailureRate, eventBus)
	if err != nil {
		eventBus.Close()
		return nil, fmt.Errorf("create CI provider: %w", err)
	}

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		matcher:    matcher,
		bus:        bus,
		watcher:    w,
		ciProvider: ciProvider,
		eventBus:   eventBus,
		supervisor: process.NewSupervisor(),
		branches:   workspace.NewBranchManager(repoRoot, cfg.IntegrationBranch),
		sandbox:    workspace.NewSandbox(cfg.SandboxBaseDir),
		metrics:    metrics.New(),
		active:     make(map[string]*activeAgent),
	}

	// Count every event crossing the bus; the subscription channel closes
	// when the bus does, ending the drainer.
	if sub, err := eventBus.Subscribe(ci.Filter{}); err == nil {
		go func() {
			for range sub.Events {
				o.metrics.CIEventsEmitted.Inc()
			}
		}()
	}

	return o, nil
}

// Matcher exposes the plan matcher for read-only status queries.
func (o *Orchestrator) Matcher() *plan.Matcher { return o.matcher }

// Bus exposes the shared CommBus.
func (o *Orchestrator) Bus() *commbus.Bus { return o.bus }

// Metrics exposes the Prometheus registry for serving /metrics.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Start begins the watcher and auto-spawns up to maxConcurrentAgents
// agents, one per role with claimable work.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	go o.watcher.Run(ctx)
	o.refreshMetrics()

	roles := o.rolesWithWork()
	for _, role := range roles {
		o.mu.Lock()
		atCap := len(o.active) >= o.cfg.MaxConcurrentAgents
		o.mu.Unlock()
		if atCap {
			break
		}
		if err := o.spawnForRole(ctx, role); err != nil {
			o.logger.Warn("initial spawn failed", "role", role, "error", err)
		}
	}

	return nil
}

func (o *Orchestrator) rolesWithWork() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, t := range o.matcher.Model().GetAllTasks() {
		if seen[t.Role] {
			continue
		}
		seen[t.Role] = true
		if len(o.matcher.GetClaimableTasks(t.Role)) > 0 {
			roles = append(roles, t.Role)
		}
	}
	return roles
}

// spawnForRole claims the first claimable task for role and launches an
// agent for it.
func (o *Orchestrator) spawnForRole(ctx context.Context, role string) error {
	candidates := o.matcher.GetClaimableTasks(role)
	if len(candidates) == 0 {
		return nil
	}
	return o.SpawnAgent(ctx, role, candidates[0].ID)
}

// SpawnAgent claims taskID for a freshly minted agent of role and runs
// its LifecycleLoop in a background goroutine.
func (o *Orchestrator) SpawnAgent(ctx context.Context, role, taskID string) error {
	if _, err := o.matcher.Model().GetPersonaByRole(role); err != nil {
		return fmt.Errorf("spawn agent for role %q: %w", role, err)
	}
	if _, err := o.matcher.Model().GetTaskByID(taskID); err != nil {
		return fmt.Errorf("spawn agent for task %q: %w", taskID, err)
	}

	o.mu.Lock()
	if len(o.active) >= o.cfg.MaxConcurrentAgents {
		o.mu.Unlock()
		return fmt.Errorf("at max concurrent agents (%d)", o.cfg.MaxConcurrentAgents)
	}
	o.spawned++
	agentID := fmt.Sprintf("%s-%s", role, uuid.New().String()[:8])
	o.mu.Unlock()

	branch := workspace.BranchName(agentID, taskID)
	if err := o.matcher.ClaimTask(taskID, agentID, branch); err != nil {
		return fmt.Errorf("claim task %q: %w", taskID, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	o.active[agentID] = &activeAgent{role: role, taskID: taskID, cancel: cancel, done: done}
	o.mu.Unlock()

	o.metrics.ActiveAgents.Inc()

	loop := lifecycle.New(lifecycle.Deps{
		Matcher:    o.matcher,
		Bus:        o.bus,
		CI:         o.ciProvider,
		Supervisor: o.supervisor,
		Branches:   o.branches,
		Sandbox:    o.sandbox,
		Config:     o.cfg,
		Logger:     o.logger.With("agentId", agentID),
	})

	go func() {
		defer close(done)
		defer o.metrics.ActiveAgents.Dec()

		result, err := loop.Run(loopCtx, agentID, role, taskID)
		o.onLoopResult(ctx, agentID, role, result, err)
	}()

	return nil
}

func (o *Orchestrator) onLoopResult(ctx context.Context, agentID, role string, result *lifecycle.Result, err error) {
	o.mu.Lock()
	delete(o.active, agentID)
	running := o.running
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("lifecycle loop ended with error", "agentId", agentID, "error", err)
	}
	if result != nil {
		o.logger.Info("lifecycle loop finished", "agentId", agentID, "finalState", result.FinalState)
		if result.FinalState == lifecycle.StateMaxRetries {
			o.metrics.Retries.Inc()
		}
	}

	o.checkMilestones(ctx)
	o.refreshMetrics()

	if !running {
		return
	}
	if err := o.spawnForRole(ctx, role); err != nil {
		o.logger.Debug("no replacement spawn available", "role", role, "error", err)
	}
}

// refreshMetrics recomputes the claimable-tasks-per-role gauge.
func (o *Orchestrator) refreshMetrics() {
	seen := make(map[string]bool)
	for _, t := range o.matcher.Model().GetAllTasks() {
		if seen[t.Role] {
			continue
		}
		seen[t.Role] = true
		n := len(o.matcher.GetClaimableTasks(t.Role))
		o.metrics.ClaimableTasks.WithLabelValues(t.Role).Set(float64(n))
	}
}

// checkMilestones opens an integration PR for any milestone whose every
// task has just reached COMPLETE.
func (o *Orchestrator) checkMilestones(ctx context.Context) {
	model := o.matcher.Model()
	for _, ms := range model.GetAllMilestones() {
		if ms.Completed {
			continue
		}
		if !model.IsMilestoneComplete(ms.ID) {
			continue
		}

		pr, err := o.ciProvider.CreatePR(ctx, o.cfg.IntegrationBranch, "main",
			fmt.Sprintf("Milestone: %s", ms.Title),
			fmt.Sprintf("All epics of milestone %s are complete.", ms.ID))
		if err != nil {
			o.logger.Warn("milestone PR creation failed", "milestone", ms.ID, "error", err)
			continue
		}
		if err := model.MarkMilestoneComplete(ms.ID, pr.URL); err != nil {
			o.logger.Warn("mark milestone complete failed", "milestone", ms.ID, "error", err)
			continue
		}
		o.metrics.MilestonesCompleted.Inc()
	}
}

// WaitForCompletion blocks until every active loop has finished.
func (o *Orchestrator) WaitForCompletion(ctx context.Context) {
	for {
		o.mu.Lock()
		if len(o.active) == 0 {
			o.mu.Unlock()
			return
		}
		var dones []chan struct{}
		for _, a := range o.active {
			dones = append(dones, a.done)
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-dones[0]:
		}
	}
}

// Stop halts the orchestrator: no more replacement spawns, every active
// process is terminated, and sandboxes are cleaned up.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	for _, a := range o.active {
		a.cancel()
	}
	o.mu.Unlock()

	o.supervisor.TerminateAll(o.cfg.ProcessTimeout)
	o.watcher.Stop()
	_ = o.eventBus.Close()
	_ = o.sandbox.CleanupAll()

	o.mu.Lock()
	o.active = make(map[string]*activeAgent)
	o.mu.Unlock()
}

// ActiveCount reports how many agents are currently running.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
