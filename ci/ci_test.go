package ci

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func initCIRepo(t *testing.T) string {
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
	run("branch", "agent/backend-1/t-a")

	return dir
}

func TestLocalProviderBuildSucceedsWithZeroFailureRate(t *testing.T) {
	dir := initCIRepo(t)
	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	p, err := NewLocalProvider(dir, "integration", t.TempDir(), 0, bus)
	require.NoError(t, err)
	p.buildDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := p.TriggerBuild(ctx, "agent/backend-1/t-a")
	require.NoError(t, err)

	final, err := p.WaitForBuild(ctx, status.RunID)
	require.NoError(t, err)
	require.Equal(t, BuildSuccess, final.State)
}

func TestLocalProviderBuildFailsWithCertainFailureRate(t *testing.T) {
	dir := initCIRepo(t)
	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	p, err := NewLocalProvider(dir, "integration", t.TempDir(), 1, bus)
	require.NoError(t, err)
	p.buildDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := p.TriggerBuild(ctx, "agent/backend-1/t-a")
	require.NoError(t, err)

	final, err := p.WaitForBuild(ctx, status.RunID)
	require.NoError(t, err)
	require.Equal(t, BuildFailure, final.State)
}

func TestLocalProviderTriggerBuildRejectsUnknownBranch(t *testing.T) {
	dir := initCIRepo(t)
	p, err := NewLocalProvider(dir, "integration", t.TempDir(), 0, nil)
	require.NoError(t, err)

	_, err = p.TriggerBuild(context.Background(), "agent/nope/t-z")
	require.Error(t, err)
}

func TestLocalProviderCreateAndMergePR(t *testing.T) {
	dir := initCIRepo(t)
	ctx := context.Background()

	cmd := exec.Command("git", "checkout", "agent/backend-1/t-a")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "work.go"), []byte("package main\n"), 0644))
	cmd = exec.Command("git", "add", "work.go")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "-q", "-m", "feat: add work")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	p, err := NewLocalProvider(dir, "integration", t.TempDir(), 0, bus)
	require.NoError(t, err)

	pr, err := p.CreatePR(ctx, "agent/backend-1/t-a", "", "feat: add work", "adds work.go")
	require.NoError(t, err)
	require.Equal(t, PROpen, pr.State)

	merged, err := p.MergePR(ctx, pr.Number)
	require.NoError(t, err)
	require.Equal(t, PRMerged, merged.State)

	data, err := os.ReadFile(filepath.Join(dir, "work.go"))
	require.NoError(t, err)
	require.Equal(t, "package main\n", string(data))
}

func TestEventBusSubscriptionFiltersByType(t *testing.T) {
	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	sub, err := bus.Subscribe(Filter{EventTypes: []EventType{EventPRMerged}})
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	require.NoError(t, bus.Publish(Event{Type: EventBuildStarted, Branch: "agent/x/t-1"}))
	require.NoError(t, bus.Publish(Event{Type: EventPRMerged, Branch: "agent/x/t-1", PRNumber: 7}))

	select {
	case e := <-sub.Events:
		require.Equal(t, EventPRMerged, e.Type)
		require.Equal(t, 7, e.PRNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBusHistoryRetainsRecentEvents(t *testing.T) {
	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	sub, err := bus.Subscribe(Filter{})
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	require.NoError(t, bus.Publish(Event{Type: EventBuildStarted, Branch: "agent/x/t-1"}))
	<-sub.Events

	require.Eventually(t, func() bool {
		return len(bus.History()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEventBusFilteredHistoryAndClear(t *testing.T) {
	bus, err := NewEmbeddedEventBus(nil)
	require.NoError(t, err)
	defer bus.Close()

	sub, err := bus.Subscribe(Filter{})
	require.NoError(t, err)
	defer bus.Unsubscribe(sub)

	require.NoError(t, bus.Publish(Event{Type: EventBuildStarted, Branch: "agent/x/t-1"}))
	require.NoError(t, bus.Publish(Event{Type: EventBuildSuccess, Branch: "agent/x/t-1"}))
	require.NoError(t, bus.Publish(Event{Type: EventBuildSuccess, Branch: "agent/y/t-2"}))
	for i := 0; i < 3; i++ {
		<-sub.Events
	}

	matched := bus.FilteredHistory(Filter{EventTypes: []EventType{EventBuildSuccess}}, 0)
	require.Len(t, matched, 2)

	limited := bus.FilteredHistory(Filter{EventTypes: []EventType{EventBuildSuccess}}, 1)
	require.Len(t, limited, 1)
	require.Equal(t, "agent/y/t-2", limited[0].Branch)

	bus.ClearHistory()
	require.Empty(t, bus.History())
}

func TestLocalProviderReloadsPRDescriptors(t *testing.T) {
	dir := initCIRepo(t)
	stateDir := t.TempDir()
	ctx := context.Background()

	p1, err := NewLocalProvider(dir, "integration", stateDir, 0, nil)
	require.NoError(t, err)
	pr, err := p1.CreatePR(ctx, "agent/backend-1/t-a", "", "feat: add work", "")
	require.NoError(t, err)

	p2, err := NewLocalProvider(dir, "integration", stateDir, 0, nil)
	require.NoError(t, err)

	loaded, err := p2.GetPRStatus(ctx, pr.Number)
	require.NoError(t, err)
	require.Equal(t, pr.URL, loaded.URL)

	// The PR number sequence resumes past the highest persisted number.
	next, err := p2.CreatePR(ctx, "agent/backend-1/t-a", "", "feat: more work", "")
	require.NoError(t, err)
	require.Equal(t, pr.Number+1, next.Number)
}
