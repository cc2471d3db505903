package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/c360studio/orchestrate/workspace"
)

// captureSnapshot builds the context handed to the next spawn: the files
// changed and the commits made on the agent's branch since it left base,
// plus a summary synthesized from its CommBus record. Uncommitted
// working-tree changes are not included, and the commit list is not
// capped. Snapshot
// capture never fails the loop; git/commbus errors degrade to an empty
// field rather than aborting the cycle.
func captureSnapshot(ctx context.Context, bm *workspace.BranchManager, bus *commbus.Bus, agentID, taskID, branch, base string) *Snapshot {
	snap := &Snapshot{
		AgentID:   agentID,
		TaskID:    taskID,
		Branch:    branch,
		Timestamp: time.Now(),
	}

	if bm != nil {
		if files, err := bm.GetChangedFiles(ctx, branch, base); err == nil {
			snap.ModifiedFiles = files
		}
		if commits, err := bm.GetCommits(ctx, branch, base); err == nil {
			snap.RecentCommits = commits
		}
	}

	var done, workingOn string
	if bus != nil {
		if doc, err := bus.ReadRaw(); err == nil {
			if data, err := json.Marshal(doc); err == nil {
				snap.BusStateJSON = string(data)
			}
			if rec := doc.Agents[agentID]; rec != nil {
				done = rec.Done
				workingOn = rec.WorkingOn
			}
		}
	}
	snap.Summary = synthesizeSummary(workingOn, done, snap.ModifiedFiles)

	return snap
}

func synthesizeSummary(workingOn, done string, modifiedFiles []string) string {
	var sb strings.Builder
	if done != "" {
		sb.WriteString("Done: ")
		sb.WriteString(done)
		sb.WriteString("\n")
	}
	if workingOn != "" {
		sb.WriteString("Was working on: ")
		sb.WriteString(workingOn)
		sb.WriteString("\n")
	}
	if len(modifiedFiles) > 0 {
		sb.WriteString(fmt.Sprintf("Modified %d file(s): %s\n", len(modifiedFiles), strings.Join(modifiedFiles, ", ")))
	}
	return sb.String()
}

// saveSnapshot persists a snapshot to <dir>/<agentId>_<taskId>_<unixMs>.json.
func saveSnapshot(dir string, snap *Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.json", snap.AgentID, snap.TaskID, snap.Timestamp.UnixMilli())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}
