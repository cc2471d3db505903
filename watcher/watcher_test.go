package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/orchestrate/commbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	bus := commbus.New(filepath.Join(dir, "comm.json"))
	require.NoError(t, bus.Reset())

	w, err := New(bus, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var mu sync.Mutex
	var notified bool
	w.Register("agent-b", func(doc *commbus.Document) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	require.NoError(t, bus.UpdateField("agent-a", "done", "wrote the handler"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherSuppressesAuthor(t *testing.T) {
	dir := t.TempDir()
	bus := commbus.New(filepath.Join(dir, "comm.json"))
	require.NoError(t, bus.Reset())

	w, err := New(bus, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var mu sync.Mutex
	authorNotified := false
	otherNotified := false
	w.Register("agent-a", func(doc *commbus.Document) {
		mu.Lock()
		authorNotified = true
		mu.Unlock()
	})
	w.Register("agent-b", func(doc *commbus.Document) {
		mu.Lock()
		otherNotified = true
		mu.Unlock()
	})

	require.NoError(t, bus.UpdateField("agent-a", "done", "self-authored change"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return otherNotified
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, authorNotified, "watcher must not notify the author of its own change")
}
