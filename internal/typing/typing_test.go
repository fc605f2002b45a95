package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/events"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []events.Target
	n     int
}

func (d *recordingDispatcher) Emit(target events.Target, event string, payload interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, target)
	d.n++
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func TestTracker_HeartbeatEmitsExcludingOriginator(t *testing.T) {
	d := &recordingDispatcher{}
	tr := NewTracker(d)
	defer tr.Stop()

	convID := uuid.New().String()
	userID := uuid.New()
	tr.Heartbeat(convID, userID, "alice", true, "origin-handle")

	require.Equal(t, 1, d.count())
	assert.Equal(t, "origin-handle", d.calls[0].ExceptSession)
}

// Scenario 4: typing idle expiry. The idle window (shortened here to 20ms
// in place of the production 3s) produces exactly one isTyping:false once
// the entry ages out.
func TestTracker_IdleExpiryFiresOnce(t *testing.T) {
	d := &recordingDispatcher{}
	tr := &Tracker{
		entries:     make(map[key]entry),
		dispatcher:  d,
		idleTimeout: 20 * time.Millisecond,
		stop:        make(chan struct{}),
	}
	tr.ticker = time.NewTicker(5 * time.Millisecond)
	go tr.reapLoop()
	defer tr.Stop()

	convID := uuid.New().String()
	userID := uuid.New()
	tr.Heartbeat(convID, userID, "alice", true, "origin")
	require.Equal(t, 1, d.count())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, d.count(), "exactly one expiry emission after the initial start")
}

// Edge case: a disconnect mid-type must report stopped exactly once, even
// across multiple conversations the user was typing in.
func TestTracker_DisconnectReportsStoppedOnce(t *testing.T) {
	d := &recordingDispatcher{}
	tr := NewTracker(d)
	defer tr.Stop()

	userID := uuid.New()
	convA, convB := uuid.New().String(), uuid.New().String()
	tr.Heartbeat(convA, userID, "alice", true, "origin")
	tr.Heartbeat(convB, userID, "alice", true, "origin")
	require.Equal(t, 2, d.count())

	tr.Disconnect(userID)
	assert.Equal(t, 4, d.count())

	// A second disconnect call is a no-op: the entries are already gone.
	tr.Disconnect(userID)
	assert.Equal(t, 4, d.count())
}

func TestTracker_StopFalseIsImmediateNotDebounced(t *testing.T) {
	d := &recordingDispatcher{}
	tr := NewTracker(d)
	defer tr.Stop()

	convID := uuid.New().String()
	userID := uuid.New()
	tr.Heartbeat(convID, userID, "alice", true, "origin")
	tr.Heartbeat(convID, userID, "alice", false, "origin")
	assert.Equal(t, 2, d.count())

	time.Sleep(tr.idleTimeout + 50*time.Millisecond)
	assert.Equal(t, 2, d.count(), "entry already removed, reaper finds nothing")
}
