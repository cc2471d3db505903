package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/orchestrate/ci"
	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/config"
	"github.com/c360studio/orchestrate/plan"
	"github.com/c360studio/orchestrate/process"
	"github.com/c360studio/orchestrate/workspace"
	"github.com/stretchr/testify/require"
)

func initLifecycleRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}

	run("init", "-q", "-b", "integration")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", "README.md")
	run("commit", "-q", "-m", "chore: initial commit")

	return dir
}

func twoTaskPlan() *plan.ProjectPlan {
	taskA := &plan.Task{ID: "t-a", Description: "first", Role: "backend", Status: plan.TaskAvailable}
	taskB := &plan.Task{ID: "t-b", Description: "second", Role: "backend", Status: plan.TaskAvailable}
	story := &plan.Story{ID: "s-1", Title: "story", Tasks: []*plan.Task{taskA, taskB}}
	epic := &plan.Epic{ID: "e-1", Title: "epic", Stories: []*plan.Story{story}}
	milestone := &plan.Milestone{ID: "m-1", Title: "milestone", EpicIDs: []string{"e-1"}}
	persona := &plan.Persona{ID: "p-1", Role: "backend", InstructionTemplate: "Be precise."}
	return &plan.ProjectPlan{
		Milestones: []*plan.Milestone{milestone},
		Epics:      []*plan.Epic{epic},
		Personas:   []*plan.Persona{persona},
	}
}

func writeRecordScript(t *testing.T, busPath, agentID, body string) []string {
	t.Helper()
	script := fmt.Sprintf(`cat > %q <<'EOF'
{"_meta":{"version":"1.0"},%q:%s}
EOF
`, busPath, agentID, body)
	return []string{"sh", "-c", script}
}

func newTestLoop(t *testing.T, repoDir string, cfg *config.Config, p *plan.ProjectPlan) (*Loop, *plan.Matcher, *commbus.Bus) {
	t.Helper()

	model, err := plan.NewModel(p)
	require.NoError(t, err)
	matcher := plan.NewMatcher(model)

	bus := commbus.New(cfg.CommFile)
	require.NoError(t, bus.Reset())

	bm := workspace.NewBranchManager(repoDir, cfg.IntegrationBranch)
	sb := workspace.NewSandbox(cfg.SandboxBaseDir)

	loop := New(Deps{
		Matcher:    matcher,
		Bus:        bus,
		Supervisor: process.NewSupervisor(),
		Branches:   bm,
		Sandbox:    sb,
		Config:     cfg,
	})
	return loop, matcher, bus
}

func TestLoopCompletesSingleTaskWithNoFollowUp(t *testing.T) {
	dir := initLifecycleRepo(t)
	cfg := config.DefaultConfig()
	cfg.CommFile = filepath.Join(dir, "comm.json")
	cfg.SandboxBaseDir = filepath.Join(dir, "sandboxes")
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.BreakpointCheckInterval = 20 * time.Millisecond
	cfg.ProcessTimeout = time.Second

	p := twoTaskPlan()
	// Only one task claimable: pre-complete t-b so no follow-up is available.
	for _, ep := range p.Epics {
		for _, st := range ep.Stories {
			for _, tk := range st.Tasks {
				if tk.ID == "t-b" {
					now := time.Now()
					tk.Status = plan.TaskComplete
					tk.CompletedAt = &now
				}
			}
		}
	}

	loop, matcher, _ := newTestLoop(t, dir, cfg, p)
	require.NoError(t, matcher.ClaimTask("t-a", "backend-1", "agent/backend-1/t-a"))

	cfg.AgentCommand = writeRecordScript(t, cfg.CommFile, "backend-1", `{"lifecycleState":"complete","breakpoint":{"type":"task_complete","taskId":"t-a","summary":"done"}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx, "backend-1", "backend", "t-a")
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.FinalState)

	task, err := matcher.Model().GetTaskByID("t-a")
	require.NoError(t, err)
	require.Equal(t, plan.TaskComplete, task.Status)
}

func TestLoopAdvancesToNextClaimableTask(t *testing.T) {
	dir := initLifecycleRepo(t)
	cfg := config.DefaultConfig()
	cfg.CommFile = filepath.Join(dir, "comm.json")
	cfg.SandboxBaseDir = filepath.Join(dir, "sandboxes")
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.BreakpointCheckInterval = 20 * time.Millisecond
	cfg.ProcessTimeout = time.Second

	p := twoTaskPlan()
	loop, matcher, _ := newTestLoop(t, dir, cfg, p)
	require.NoError(t, matcher.ClaimTask("t-a", "backend-1", "agent/backend-1/t-a"))

	script := fmt.Sprintf(`
if grep -q '"t-b"' %q 2>/dev/null; then
  cat > %q <<'EOF'
{"_meta":{"version":"1.0"},"backend-1":{"lifecycleState":"complete","breakpoint":{"type":"task_complete","taskId":"t-b","summary":"done b"}}}
EOF
else
  cat > %q <<'EOF'
{"_meta":{"version":"1.0"},"backend-1":{"lifecycleState":"complete","breakpoint":{"type":"task_complete","taskId":"t-a","summary":"done a"}}}
EOF
fi
`, cfg.CommFile, cfg.CommFile, cfg.CommFile)
	cfg.AgentCommand = []string{"sh", "-c", script}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx, "backend-1", "backend", "t-a")
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.FinalState)
	require.Equal(t, "t-b", result.TaskID)

	stats := matcher.Model().GetTaskStats()
	require.Equal(t, 2, stats.Complete)
}

func TestLoopProcessExitWithoutBreakpointExhaustsRetries(t *testing.T) {
	dir := initLifecycleRepo(t)
	cfg := config.DefaultConfig()
	cfg.CommFile = filepath.Join(dir, "comm.json")
	cfg.SandboxBaseDir = filepath.Join(dir, "sandboxes")
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.BreakpointCheckInterval = 20 * time.Millisecond
	cfg.ProcessTimeout = time.Second
	cfg.MaxRetries = 2
	cfg.AgentCommand = []string{"sh", "-c", "exit 0"}

	p := twoTaskPlan()
	loop, matcher, _ := newTestLoop(t, dir, cfg, p)
	require.NoError(t, matcher.ClaimTask("t-a", "backend-1", "agent/backend-1/t-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx, "backend-1", "backend", "t-a")
	require.NoError(t, err)
	require.Equal(t, StateMaxRetries, result.FinalState)

	task, err := matcher.Model().GetTaskByID("t-a")
	require.NoError(t, err)
	require.Equal(t, plan.TaskAvailable, task.Status, "task should be released back to available")
}

func TestLoopBlockedUnblocksOnCIEvent(t *testing.T) {
	dir := initLifecycleRepo(t)
	cfg := config.DefaultConfig()
	cfg.CommFile = filepath.Join(dir, "comm.json")
	cfg.SandboxBaseDir = filepath.Join(dir, "sandboxes")
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.BreakpointCheckInterval = 20 * time.Millisecond
	cfg.ProcessTimeout = time.Second
	// RetryInterval far beyond the test timeout: only the CI event can wake
	// the loop out of WAIT_UNBLOCK in time.
	cfg.RetryInterval = time.Minute

	taskA := &plan.Task{ID: "t-a", Description: "first", Role: "backend", Status: plan.TaskAvailable}
	taskB := &plan.Task{ID: "t-b", Description: "second", Role: "backend", Status: plan.TaskAvailable, Dependencies: []string{"t-a"}}
	story := &plan.Story{ID: "s-1", Title: "story", Tasks: []*plan.Task{taskA, taskB}}
	epic := &plan.Epic{ID: "e-1", Title: "epic", Stories: []*plan.Story{story}}
	persona := &plan.Persona{ID: "p-1", Role: "backend", InstructionTemplate: "Be precise."}
	p := &plan.ProjectPlan{Epics: []*plan.Epic{epic}, Personas: []*plan.Persona{persona}}

	model, err := plan.NewModel(p)
	require.NoError(t, err)
	matcher := plan.NewMatcher(model)

	bus := commbus.New(cfg.CommFile)
	require.NoError(t, bus.Reset())

	eventBus, err := ci.NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer eventBus.Close()
	provider, err := ci.NewLocalProvider(dir, cfg.IntegrationBranch, t.TempDir(), 0, eventBus)
	require.NoError(t, err)

	loop := New(Deps{
		Matcher:    matcher,
		Bus:        bus,
		CI:         provider,
		Supervisor: process.NewSupervisor(),
		Branches:   workspace.NewBranchManager(dir, cfg.IntegrationBranch),
		Sandbox:    workspace.NewSandbox(cfg.SandboxBaseDir),
		Config:     cfg,
	})

	require.NoError(t, matcher.ClaimTask("t-b", "backend-1", "agent/backend-1/t-b"))

	// First spawn reports blocked on t-a; respawns report t-b complete. The
	// marker file persists in the sandbox across spawns.
	script := fmt.Sprintf(`
if [ -f blocked-once ]; then
  cat > %q <<'EOF'
{"_meta":{"version":"1.0"},"backend-1":{"lifecycleState":"complete","breakpoint":{"type":"task_complete","taskId":"t-b","summary":"done"}}}
EOF
else
  touch blocked-once
  cat > %q <<'EOF'
{"_meta":{"version":"1.0"},"backend-1":{"lifecycleState":"blocked","breakpoint":{"type":"blocked","taskId":"t-b","blockedOn":["t-a"],"reason":"needs t-a"}}}
EOF
fi
`, cfg.CommFile, cfg.CommFile)
	cfg.AgentCommand = []string{"sh", "-c", script}

	go func() {
		time.Sleep(500 * time.Millisecond)
		_ = matcher.CompleteTask("t-a")
		_ = eventBus.Publish(ci.Event{Type: ci.EventBuildSuccess, Branch: "agent/other/t-a"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := loop.Run(ctx, "backend-1", "backend", "t-b")
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.FinalState)

	task, err := matcher.Model().GetTaskByID("t-b")
	require.NoError(t, err)
	require.Equal(t, plan.TaskComplete, task.Status)
}

func TestLoopPRCreatedThenMerged(t *testing.T) {
	dir := initLifecycleRepo(t)
	cfg := config.DefaultConfig()
	cfg.CommFile = filepath.Join(dir, "comm.json")
	cfg.SandboxBaseDir = filepath.Join(dir, "sandboxes")
	cfg.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.BreakpointCheckInterval = 20 * time.Millisecond
	cfg.ProcessTimeout = time.Second

	p := twoTaskPlan()
	for _, ep := range p.Epics {
		for _, st := range ep.Stories {
			for _, tk := range st.Tasks {
				if tk.ID == "t-b" {
					now := time.Now()
					tk.Status = plan.TaskComplete
					tk.CompletedAt = &now
				}
			}
		}
	}

	model, err := plan.NewModel(p)
	require.NoError(t, err)
	matcher := plan.NewMatcher(model)

	bus := commbus.New(cfg.CommFile)
	require.NoError(t, bus.Reset())

	eventBus, err := ci.NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer eventBus.Close()
	provider, err := ci.NewLocalProvider(dir, cfg.IntegrationBranch, t.TempDir(), 0, eventBus)
	require.NoError(t, err)

	loop := New(Deps{
		Matcher:    matcher,
		Bus:        bus,
		CI:         provider,
		Supervisor: process.NewSupervisor(),
		Branches:   workspace.NewBranchManager(dir, cfg.IntegrationBranch),
		Sandbox:    workspace.NewSandbox(cfg.SandboxBaseDir),
		Config:     cfg,
	})

	require.NoError(t, matcher.ClaimTask("t-a", "backend-1", "agent/backend-1/t-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pr, err := provider.CreatePR(ctx, "agent/backend-1/t-a", "", "feat: t-a", "work for t-a")
	require.NoError(t, err)

	cfg.AgentCommand = writeRecordScript(t, cfg.CommFile, "backend-1",
		fmt.Sprintf(`{"lifecycleState":"pr_pending","breakpoint":{"type":"pr_created","taskId":"t-a","prUrl":%q,"summary":"opened PR"}}`, pr.URL))

	go func() {
		time.Sleep(500 * time.Millisecond)
		_, _ = provider.MergePR(context.Background(), pr.Number)
	}()

	result, err := loop.Run(ctx, "backend-1", "backend", "t-a")
	require.NoError(t, err)
	require.Equal(t, StateComplete, result.FinalState)

	task, err := matcher.Model().GetTaskByID("t-a")
	require.NoError(t, err)
	require.Equal(t, plan.TaskComplete, task.Status)
	require.Equal(t, pr.URL, task.PRUrl)
}

func TestExtractPRNumber(t *testing.T) {
	n, err := extractPRNumber("https://git.example.com/org/repo/pull/42/")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = extractPRNumber("https://git.example.com/org/repo/commits/main")
	require.Error(t, err)
}

func TestBreakpointReady(t *testing.T) {
	require.False(t, breakpointReady(nil))
	require.False(t, breakpointReady(&commbus.AgentRecord{LifecycleState: commbus.StateWorking}))
	require.False(t, breakpointReady(&commbus.AgentRecord{LifecycleState: commbus.StateComplete}))
	require.True(t, breakpointReady(&commbus.AgentRecord{
		LifecycleState: commbus.StateComplete,
		Breakpoint:     &commbus.Breakpoint{Type: commbus.BreakpointTaskComplete},
	}))
}
