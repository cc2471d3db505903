package commbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "comm.json"))
}

func TestUpdateAgentStampsMeta(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.UpdateAgent("agent-a", &AgentRecord{Mission: "ship it"}))

	doc, err := b.ReadRaw()
	require.NoError(t, err)
	assert.Equal(t, "agent-a", doc.Meta.LastUpdatedBy)
	require.NotNil(t, doc.Meta.LastUpdated)
	assert.Equal(t, "ship it", doc.Agents["agent-a"].Mission)
}

func TestUpdateFieldCreatesMissingAgent(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.UpdateField("agent-b", "workingOn", "task-1"))

	rec, err := b.GetAgent("agent-b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "task-1", rec.WorkingOn)
}

func TestRequestLifecycle(t *testing.T) {
	b := newTestBus(t)

	require.NoError(t, b.AddRequest("agent-a", "agent-b", "please review PR"))

	pending, err := b.GetRequestsForAgent("agent-b")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "agent-a", pending[0].FromAgent)
	assert.Equal(t, "please review PR", pending[0].Request)

	require.NoError(t, b.CompleteRequest("agent-b", "agent-a", "please review PR", "reviewed, LGTM"))

	pending, err = b.GetRequestsForAgent("agent-b")
	require.NoError(t, err)
	assert.Empty(t, pending)

	rec, err := b.GetAgent("agent-a")
	require.NoError(t, err)
	require.Len(t, rec.Added, 1)
	assert.Equal(t, Delivery{"agent-b", "reviewed, LGTM", "please review PR"}, rec.Added[0])
}

func TestCompleteRequestIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.AddRequest("agent-a", "agent-b", "please review PR"))
	require.NoError(t, b.CompleteRequest("agent-b", "agent-a", "please review PR", "done"))

	// Second call with identical arguments: the matching entry is already
	// gone, so no second Added entry should appear.
	require.NoError(t, b.CompleteRequest("agent-b", "agent-a", "please review PR", "done"))

	rec, err := b.GetAgent("agent-a")
	require.NoError(t, err)
	assert.Len(t, rec.Added, 1)
}

func TestLegacySnakeCaseKeysAreAccepted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comm.json")
	raw := []byte(`{
		"_meta": {"version": "1.0", "last_updated": "2024-01-01T00:00:00Z", "last_updated_by": "agent-a"},
		"agent-a": {
			"working_on": "task-9",
			"lifecycle_state": "blocked",
			"breakpoint": {"type": "blocked", "task_id": "task-9", "blocked_on": ["task-1"]}
		}
	}`)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	b := New(path)
	rec, err := b.GetAgent("agent-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "task-9", rec.WorkingOn)
	assert.Equal(t, StateBlocked, rec.LifecycleState)
	require.NotNil(t, rec.Breakpoint)
	assert.Equal(t, "task-9", rec.Breakpoint.TaskID)
	assert.Equal(t, []string{"task-1"}, rec.Breakpoint.BlockedOn)
}

func TestGetFileHashChangesOnMutation(t *testing.T) {
	b := newTestBus(t)
	h1, err := b.GetFileHash()
	require.NoError(t, err)

	require.NoError(t, b.UpdateField("agent-a", "done", "something"))

	h2, err := b.GetFileHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDocumentRoundTrip(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.UpdateAgent("agent-a", &AgentRecord{
		Mission:        "ship it",
		WorkingOn:      "task-1",
		Requests:       []Request{{"agent-b", "need a review"}},
		Added:          []Delivery{{"agent-c", "delivered docs", "need docs"}},
		LifecycleState: StateBlocked,
		Breakpoint: &Breakpoint{
			Type:      BreakpointBlocked,
			TaskID:    "task-1",
			BlockedOn: []string{"task-0"},
			Reason:    "waiting on schema",
		},
	}))

	doc, err := b.ReadRaw()
	require.NoError(t, err)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded Document
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, doc.Meta.LastUpdatedBy, decoded.Meta.LastUpdatedBy)
	rec := decoded.Agents["agent-a"]
	require.NotNil(t, rec)
	assert.Equal(t, "ship it", rec.Mission)
	assert.Equal(t, []Request{{"agent-b", "need a review"}}, rec.Requests)
	assert.Equal(t, []Delivery{{"agent-c", "delivered docs", "need docs"}}, rec.Added)
	require.NotNil(t, rec.Breakpoint)
	assert.Equal(t, []string{"task-0"}, rec.Breakpoint.BlockedOn)
}

func TestResetClearsDocument(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.UpdateField("agent-a", "done", "something"))
	require.NoError(t, b.Reset())

	agents, err := b.GetAllAgents()
	require.NoError(t, err)
	assert.Empty(t, agents)
}
