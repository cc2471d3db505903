// Package commbus provides atomic, file-backed shared state for agents to
// report status and exchange requests through. A single process-local mutex
// serializes every mutation; writes land via a temp-file-then-rename so a
// concurrent reader (or a crash mid-write) never observes a partial document.
package commbus

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/orchestrate/orcherrors"
)

// Bus is the shared communications document backed by a single JSON file.
type Bus struct {
	mu   sync.Mutex
	path string
}

// New returns a Bus backed by path. The file is created with an empty
// document on first access if it does not already exist.
func New(path string) *Bus {
	return &Bus{path: path}
}

// Path returns the file path backing this Bus.
func (b *Bus) Path() string {
	return b.path
}

func (b *Bus) commErr(agentID, op string, err error) error {
	return &orcherrors.CommunicationError{AgentID: agentID, Operation: op, Err: err}
}

// readLocked loads the current document, creating it fresh if absent.
// Caller must hold b.mu.
func (b *Bus) readLocked() (*Document, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			d := newDocument()
			if err := b.writeLocked(d); err != nil {
				return nil, err
			}
			return d, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return newDocument(), nil
	}
	return unmarshalDocument(data)
}

// writeLocked persists d atomically via a sibling temp file + rename.
// Caller must hold b.mu.
func (b *Bus) writeLocked(d *Document) error {
	data, err := marshalDocument(d)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(dir, ".commbus-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, b.path)
}

func (b *Bus) stamp(d *Document, by string) {
	now := time.Now()
	d.Meta.LastUpdated = &now
	d.Meta.LastUpdatedBy = by
}

// ReadRaw returns the current document as-is.
func (b *Bus) ReadRaw() (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return nil, b.commErr("", "readRaw", err)
	}
	return d, nil
}

// GetAgent returns the named agent's record, or nil if absent.
func (b *Bus) GetAgent(name string) (*AgentRecord, error) {
	d, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}
	return d.Agents[name], nil
}

// GetAllAgents returns every agent record keyed by name, excluding _meta.
func (b *Bus) GetAllAgents() (map[string]*AgentRecord, error) {
	d, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}
	return d.Agents, nil
}

// UpdateAgent replaces name's entire record, creating it if absent.
func (b *Bus) UpdateAgent(name string, rec *AgentRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(name, "updateAgent", err)
	}

	now := time.Now()
	rec.LastUpdated = &now
	d.Agents[name] = rec
	b.stamp(d, name)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(name, "updateAgent", err)
	}
	return nil
}

// UpdateField sets a single well-known field on name's record, creating the
// record with zero values for everything else if it does not yet exist.
func (b *Bus) UpdateField(name, field string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(name, "updateField", err)
	}

	rec, ok := d.Agents[name]
	if !ok {
		rec = &AgentRecord{}
		d.Agents[name] = rec
	}

	switch field {
	case "mission":
		rec.Mission, _ = value.(string)
	case "workingOn":
		rec.WorkingOn, _ = value.(string)
	case "done":
		rec.Done, _ = value.(string)
	case "next":
		rec.Next, _ = value.(string)
	case "lifecycleState":
		rec.LifecycleState, _ = value.(string)
	case "breakpoint":
		bp, _ := value.(*Breakpoint)
		rec.Breakpoint = bp
	default:
		return b.commErr(name, "updateField", fmt.Errorf("unknown field %q", field))
	}

	now := time.Now()
	rec.LastUpdated = &now
	b.stamp(d, name)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(name, "updateField", err)
	}
	return nil
}

// AddRequest appends [toAgent, text] to from's outbound request mailbox.
func (b *Bus) AddRequest(from, to, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(from, "addRequest", err)
	}

	rec, ok := d.Agents[from]
	if !ok {
		rec = &AgentRecord{}
		d.Agents[from] = rec
	}
	rec.Requests = append(rec.Requests, Request{to, text})

	now := time.Now()
	rec.LastUpdated = &now
	b.stamp(d, from)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(from, "addRequest", err)
	}
	return nil
}

// RequestEntry is a flattened view of one agent's pending request to another.
type RequestEntry struct {
	FromAgent string
	Request   string
}

// GetRequestsForAgent scans every agent's outbound requests for ones
// addressed to target.
func (b *Bus) GetRequestsForAgent(target string) ([]RequestEntry, error) {
	d, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}

	var out []RequestEntry
	for from, rec := range d.Agents {
		for _, r := range rec.Requests {
			if r[0] == target {
				out = append(out, RequestEntry{FromAgent: from, Request: r[1]})
			}
		}
	}
	return out, nil
}

// CompleteRequest removes the matching [completer, original] entry from
// requester's Requests and appends [completer, description, original] to
// requester's Added. Calling it twice with the same arguments is a no-op the
// second time (the entry is already gone).
func (b *Bus) CompleteRequest(completer, requester, original, description string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(completer, "completeRequest", err)
	}

	rec, ok := d.Agents[requester]
	if !ok {
		rec = &AgentRecord{}
		d.Agents[requester] = rec
	}

	filtered := rec.Requests[:0]
	removed := false
	for _, r := range rec.Requests {
		if !removed && r[0] == completer && r[1] == original {
			removed = true
			continue
		}
		filtered = append(filtered, r)
	}
	rec.Requests = filtered

	if removed {
		rec.Added = append(rec.Added, Delivery{completer, description, original})
	}

	now := time.Now()
	rec.LastUpdated = &now
	b.stamp(d, completer)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(completer, "completeRequest", err)
	}
	return nil
}

// RemoveRequest deletes a [to, text] entry from from's outbound requests.
func (b *Bus) RemoveRequest(from, to, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(from, "removeRequest", err)
	}

	rec, ok := d.Agents[from]
	if !ok {
		return nil
	}

	filtered := rec.Requests[:0]
	for _, r := range rec.Requests {
		if r[0] == to && r[1] == text {
			continue
		}
		filtered = append(filtered, r)
	}
	rec.Requests = filtered

	now := time.Now()
	rec.LastUpdated = &now
	b.stamp(d, from)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(from, "removeRequest", err)
	}
	return nil
}

// ClearAdded truncates name's Added deliveries list.
func (b *Bus) ClearAdded(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(name, "clearAdded", err)
	}

	rec, ok := d.Agents[name]
	if !ok {
		return nil
	}
	rec.Added = nil

	now := time.Now()
	rec.LastUpdated = &now
	b.stamp(d, name)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(name, "clearAdded", err)
	}
	return nil
}

// RemoveAgent deletes name's entire record.
func (b *Bus) RemoveAgent(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return b.commErr(name, "removeAgent", err)
	}
	delete(d.Agents, name)
	b.stamp(d, name)

	if err := b.writeLocked(d); err != nil {
		return b.commErr(name, "removeAgent", err)
	}
	return nil
}

// Reset clears the document back to an empty, freshly versioned state.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.writeLocked(newDocument()); err != nil {
		return b.commErr("", "reset", err)
	}
	return nil
}

// GetFileHash returns a content hash of the current on-disk document, used
// by the Watcher to detect whether a filesystem event changed anything.
func (b *Bus) GetFileHash() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.readLocked()
	if err != nil {
		return "", b.commErr("", "getFileHash", err)
	}
	data, err := marshalDocument(d)
	if err != nil {
		return "", b.commErr("", "getFileHash", err)
	}
	return hash(data), nil
}
