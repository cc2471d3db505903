package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/orchestrate/orcherrors"
)

// LocalProvider is a CIProvider that runs entirely against the shared
// local git repository: builds are simulated (with a configurable
// failure rate) rather than dispatched to a real CI backend, and merges
// are real `git merge --no-ff` operations against the integration
// branch. It exists so the fleet can be exercised end to end without a
// GitHub/CI account.
type LocalProvider struct {
	repoRoot          string
	integrationBranch string
	stateDir          string
	bus               *EventBus

	buildFailureRate float64
	buildDelay       time.Duration
	rng              *rand.Rand

	runSeq int64
	prSeq  int64

	mu     sync.Mutex
	builds map[string]*BuildStatus
	prs    map[int]*PRInfo
}

// NewLocalProvider returns a LocalProvider rooted at repoRoot, persisting
// PR descriptors under stateDir. buildFailureRate is the probability (in
// [0,1]) a simulated build fails.
func NewLocalProvider(repoRoot, integrationBranch, stateDir string, buildFailureRate float64, bus *EventBus) (*LocalProvider, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create CI state dir: %w", err)
	}
	p := &LocalProvider{
		repoRoot:          repoRoot,
		integrationBranch: integrationBranch,
		stateDir:          stateDir,
		bus:               bus,
		buildFailureRate:  buildFailureRate,
		buildDelay:        500 * time.Millisecond,
		rng:               rand.New(rand.NewSource(1)),
		builds:            make(map[string]*BuildStatus),
		prs:               make(map[int]*PRInfo),
	}
	if err := p.loadPRs(); err != nil {
		return nil, fmt.Errorf("load PR descriptors: %w", err)
	}
	return p, nil
}

// loadPRs restores PR descriptors persisted by a previous process, resuming
// the PR number sequence past the highest one seen. Build status is
// deliberately not persisted; builds are cheap to re-trigger.
func (p *LocalProvider) loadPRs() error {
	entries, err := os.ReadDir(p.stateDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "pr-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.stateDir, name))
		if err != nil {
			return err
		}
		var info PRInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		p.prs[info.Number] = &info
		if int64(info.Number) > p.prSeq {
			p.prSeq = int64(info.Number)
		}
	}
	return nil
}

func (p *LocalProvider) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}

func (p *LocalProvider) branchExists(ctx context.Context, branch string) bool {
	_, err := p.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (p *LocalProvider) publish(e Event) {
	if p.bus == nil {
		return
	}
	e.Timestamp = time.Now()
	_ = p.bus.Publish(e)
}

// TriggerBuild verifies the branch exists and starts a simulated build
// running in the background. The returned BuildStatus reflects the
// pending/running state at trigger time; poll GetBuildStatus or block on
// WaitForBuild for the outcome.
func (p *LocalProvider) TriggerBuild(ctx context.Context, branch string) (*BuildStatus, error) {
	if !p.branchExists(ctx, branch) {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "triggerBuild", Err: fmt.Errorf("branch %q not found", branch)}
	}

	runID := fmt.Sprintf("run-%d", atomic.AddInt64(&p.runSeq, 1))
	status := &BuildStatus{RunID: runID, Branch: branch, State: BuildRunning, StartedAt: time.Now()}

	p.mu.Lock()
	p.builds[runID] = status
	p.mu.Unlock()

	p.publish(Event{Type: EventBuildStarted, Branch: branch, RunID: runID})

	copy := *status
	go p.runBuild(runID, branch)

	return &copy, nil
}

func (p *LocalProvider) runBuild(runID, branch string) {
	time.Sleep(p.buildDelay)

	p.mu.Lock()
	failed := p.rng.Float64() < p.buildFailureRate
	status := p.builds[runID]
	status.EndedAt = time.Now()
	if failed {
		status.State = BuildFailure
		status.Error = "simulated build failure"
	} else {
		status.State = BuildSuccess
	}
	p.mu.Unlock()

	evt := EventBuildSuccess
	if failed {
		evt = EventBuildFailure
	}
	p.publish(Event{Type: evt, Branch: branch, RunID: runID})
}

// GetBuildStatus returns the current status of a previously triggered build.
func (p *LocalProvider) GetBuildStatus(ctx context.Context, runID string) (*BuildStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.builds[runID]
	if !ok {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "getBuildStatus", Err: fmt.Errorf("unknown run %q", runID)}
	}
	copy := *status
	return &copy, nil
}

// WaitForBuild blocks until runID reaches a terminal state or ctx is done.
func (p *LocalProvider) WaitForBuild(ctx context.Context, runID string) (*BuildStatus, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := p.GetBuildStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if status.State == BuildSuccess || status.State == BuildFailure || status.State == BuildCancelled {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, &orcherrors.TimeoutError{Operation: "waitForBuild", TimeoutMs: 0}
		case <-ticker.C:
		}
	}
}

func (p *LocalProvider) prPath(number int) string {
	return filepath.Join(p.stateDir, fmt.Sprintf("pr-%d.json", number))
}

func (p *LocalProvider) savePR(info *PRInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PR descriptor: %w", err)
	}
	return os.WriteFile(p.prPath(info.Number), data, 0644)
}

// CreatePR records a pull request descriptor for branch. No remote
// hosting is involved: the descriptor is persisted as JSON under the
// provider's state directory and the URL is a synthetic local path.
func (p *LocalProvider) CreatePR(ctx context.Context, branch, target, title, body string) (*PRInfo, error) {
	if target == "" {
		target = p.integrationBranch
	}
	number := int(atomic.AddInt64(&p.prSeq, 1))
	info := &PRInfo{
		Number:    number,
		URL:       fmt.Sprintf("local://pull/%d/", number),
		Branch:    branch,
		Target:    target,
		Title:     title,
		Body:      body,
		State:     PROpen,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.prs[number] = info
	p.mu.Unlock()

	if err := p.savePR(info); err != nil {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "createPR", Err: err}
	}

	p.publish(Event{Type: EventPROpened, Branch: branch, PRNumber: number, PRUrl: info.URL})
	return info, nil
}

// GetPRStatus returns the current state of a pull request.
func (p *LocalProvider) GetPRStatus(ctx context.Context, number int) (*PRInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.prs[number]
	if !ok {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "getPRStatus", Err: fmt.Errorf("unknown PR #%d", number)}
	}
	copy := *info
	return &copy, nil
}

// MergePR performs a real `git merge --no-ff` of the PR's branch into its
// target and marks the descriptor merged.
func (p *LocalProvider) MergePR(ctx context.Context, number int) (*PRInfo, error) {
	p.mu.Lock()
	info, ok := p.prs[number]
	p.mu.Unlock()
	if !ok {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "mergePR", Err: fmt.Errorf("unknown PR #%d", number)}
	}

	if _, err := p.runGit(ctx, "checkout", info.Target); err != nil {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "mergePR", Err: err}
	}
	msg := fmt.Sprintf("Merge pull request #%d from %s", info.Number, info.Branch)
	if _, err := p.runGit(ctx, "merge", "--no-ff", "-m", msg, info.Branch); err != nil {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "mergePR", Err: err}
	}

	p.mu.Lock()
	info.State = PRMerged
	info.MergedAt = time.Now()
	p.mu.Unlock()

	if err := p.savePR(info); err != nil {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "mergePR", Err: err}
	}

	p.publish(Event{Type: EventPRMerged, Branch: info.Branch, PRNumber: number, PRUrl: info.URL})

	copy := *info
	return &copy, nil
}

// WaitForPRMerge blocks until number is merged or ctx is done.
func (p *LocalProvider) WaitForPRMerge(ctx context.Context, number int) (*PRInfo, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := p.GetPRStatus(ctx, number)
		if err != nil {
			return nil, err
		}
		if info.State == PRMerged || info.State == PRClosed {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return nil, &orcherrors.TimeoutError{Operation: "waitForPRMerge", TimeoutMs: 0}
		case <-ticker.C:
		}
	}
}

// Subscribe delegates to the provider's event bus.
func (p *LocalProvider) Subscribe(filter Filter) (*Subscription, error) {
	if p.bus == nil {
		return nil, &orcherrors.CIError{Provider: "local", Operation: "subscribe", Err: fmt.Errorf("no event bus configured")}
	}
	return p.bus.Subscribe(filter)
}

// Unsubscribe delegates to the provider's event bus.
func (p *LocalProvider) Unsubscribe(sub *Subscription) error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Unsubscribe(sub)
}
