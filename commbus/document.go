package commbus

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"
)

// DocumentVersion is the schema version stamped into every document's _meta.
const DocumentVersion = "1.0"

// Meta carries bookkeeping shared across the whole document.
type Meta struct {
	Version       string     `json:"version"`
	LastUpdated   *time.Time `json:"lastUpdated"`
	LastUpdatedBy string     `json:"lastUpdatedBy"`
}

// Breakpoint is the value an agent leaves behind when it stops working and
// expects the lifecycle loop to dispatch on what happened.
type Breakpoint struct {
	Type      string     `json:"type"`
	TaskID    string     `json:"taskId,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	BlockedOn []string   `json:"blockedOn,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	PRUrl     string     `json:"prUrl,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Breakpoint type constants.
const (
	BreakpointTaskComplete = "task_complete"
	BreakpointBlocked      = "blocked"
	BreakpointPRCreated    = "pr_created"
)

// Request is an outbound-from-owner mailbox entry: [toAgent, text].
type Request [2]string

// Delivery is a completed request recorded on the recipient's record:
// [fromAgent, description, originalRequest].
type Delivery [3]string

// AgentRecord is one agent's entry in the communications document.
type AgentRecord struct {
	Mission        string      `json:"mission,omitempty"`
	WorkingOn      string      `json:"workingOn,omitempty"`
	Done           string      `json:"done,omitempty"`
	Next           string      `json:"next,omitempty"`
	Requests       []Request   `json:"requests,omitempty"`
	Added          []Delivery  `json:"added,omitempty"`
	LifecycleState string      `json:"lifecycleState,omitempty"`
	Breakpoint     *Breakpoint `json:"breakpoint,omitempty"`
	LastUpdated    *time.Time  `json:"lastUpdated,omitempty"`
}

// Lifecycle state constants as written into AgentRecord.LifecycleState.
const (
	StateIdle      = "idle"
	StateWorking   = "working"
	StateBlocked   = "blocked"
	StatePRPending = "pr_pending"
	StateComplete  = "complete"
	StateFailed    = "failed"
)

// Document is the top-level shared JSON value. Agents is keyed by agent name;
// Meta carries the reserved "_meta" entry.
type Document struct {
	Meta   Meta
	Agents map[string]*AgentRecord
}

// MarshalJSON serializes the document in its canonical camelCase wire form.
func (d *Document) MarshalJSON() ([]byte, error) {
	return marshalDocument(d)
}

// UnmarshalJSON parses the wire form, accepting legacy snake_case aliases.
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := unmarshalDocument(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// newDocument returns a freshly initialized, empty document.
func newDocument() *Document {
	return &Document{
		Meta:   Meta{Version: DocumentVersion},
		Agents: make(map[string]*AgentRecord),
	}
}

// wireDocument is the on-disk shape: "_meta" plus arbitrary agent keys.
// It exists only for marshal/unmarshal; Document is the in-memory shape
// consumers use.
type wireDocument map[string]json.RawMessage

// rawMeta is the on-disk form of Meta; unlike Meta it omits lastUpdated
// and lastUpdatedBy while they are unset.
type rawMeta struct {
	Version       string     `json:"version"`
	LastUpdated   *time.Time `json:"lastUpdated,omitempty"`
	LastUpdatedBy string     `json:"lastUpdatedBy,omitempty"`
}

// marshalDocument serializes d to the canonical camelCase wire format.
func marshalDocument(d *Document) ([]byte, error) {
	out := make(map[string]any, len(d.Agents)+1)
	out["_meta"] = rawMeta{
		Version:       d.Meta.Version,
		LastUpdated:   d.Meta.LastUpdated,
		LastUpdatedBy: d.Meta.LastUpdatedBy,
	}
	for name, rec := range d.Agents {
		out[name] = rec
	}
	return json.MarshalIndent(out, "", "  ")
}

// unmarshalDocument parses the wire format, accepting legacy snake_case keys
// on AgentRecord and _meta wherever the camelCase form is absent.
func unmarshalDocument(data []byte) (*Document, error) {
	var raw wireDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	d := newDocument()

	if metaRaw, ok := raw["_meta"]; ok {
		var m map[string]any
		if err := json.Unmarshal(metaRaw, &m); err != nil {
			return nil, err
		}
		d.Meta.Version = stringField(m, "version")
		d.Meta.LastUpdatedBy = stringField(m, "lastUpdatedBy", "last_updated_by")
		if ts := stringField(m, "lastUpdated", "last_updated"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				d.Meta.LastUpdated = &t
			}
		}
	}

	for name, recRaw := range raw {
		if name == "_meta" {
			continue
		}
		rec, err := unmarshalAgentRecord(recRaw)
		if err != nil {
			return nil, err
		}
		d.Agents[name] = rec
	}

	return d, nil
}

// unmarshalAgentRecord accepts both camelCase and snake_case keys.
func unmarshalAgentRecord(data []byte) (*AgentRecord, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	rec := &AgentRecord{
		Mission:        stringField(m, "mission"),
		WorkingOn:      stringField(m, "workingOn", "working_on"),
		Done:           stringField(m, "done"),
		Next:           stringField(m, "next"),
		LifecycleState: stringField(m, "lifecycleState", "lifecycle_state"),
	}

	if ts := stringField(m, "lastUpdated", "last_updated"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.LastUpdated = &t
		}
	}

	if reqsRaw, ok := firstPresent(m, "requests"); ok {
		rec.Requests = parseRequests(reqsRaw)
	}
	if addedRaw, ok := firstPresent(m, "added"); ok {
		rec.Added = parseDeliveries(addedRaw)
	}

	if bpRaw, ok := firstPresent(m, "breakpoint"); ok && bpRaw != nil {
		bpBytes, err := json.Marshal(bpRaw)
		if err != nil {
			return nil, err
		}
		bp, err := unmarshalBreakpoint(bpBytes)
		if err != nil {
			return nil, err
		}
		rec.Breakpoint = bp
	}

	return rec, nil
}

func unmarshalBreakpoint(data []byte) (*Breakpoint, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	bp := &Breakpoint{
		Type:    stringField(m, "type"),
		TaskID:  stringField(m, "taskId", "task_id"),
		Summary: stringField(m, "summary"),
		Reason:  stringField(m, "reason"),
		PRUrl:   stringField(m, "prUrl", "pr_url"),
	}

	if raw, ok := firstPresent(m, "blockedOn", "blocked_on"); ok {
		if arr, ok := raw.([]any); ok {
			for _, v := range arr {
				if s, ok := v.(string); ok {
					bp.BlockedOn = append(bp.BlockedOn, s)
				}
			}
		}
	}

	if ts := stringField(m, "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			bp.Timestamp = &t
		}
	}

	return bp, nil
}

func parseRequests(raw any) []Request {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Request, 0, len(arr))
	for _, item := range arr {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		to, _ := pair[0].(string)
		text, _ := pair[1].(string)
		out = append(out, Request{to, text})
	}
	return out
}

func parseDeliveries(raw any) []Delivery {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]Delivery, 0, len(arr))
	for _, item := range arr {
		triple, ok := item.([]any)
		if !ok || len(triple) != 3 {
			continue
		}
		from, _ := triple[0].(string)
		desc, _ := triple[1].(string)
		orig, _ := triple[2].(string)
		out = append(out, Delivery{from, desc, orig})
	}
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// hash returns the MD5 hash of the document's canonical serialization, used
// by the Watcher to detect whether a change actually altered content.
func hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
