// Package typing implements the Typing Tracker: a per-conversation
// userId -> lastHeartbeat map with a background reaper, grounded on the
// ticker-driven refill/expiry discipline used elsewhere in the stack.
package typing

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/events"
)

const IdleTimeout = 3 * time.Second

type entry struct {
	lastSeen time.Time
	username string
}

type key struct {
	conversationID string
	userID         uuid.UUID
}

type userTypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId"`
}

type Tracker struct {
	mu      sync.Mutex
	entries map[key]entry

	dispatcher  events.Dispatcher
	idleTimeout time.Duration
	ticker      *time.Ticker
	stop        chan struct{}
	stopped     bool
}

func NewTracker(d events.Dispatcher) *Tracker {
	t := &Tracker{
		entries:     make(map[key]entry),
		dispatcher:  d,
		idleTimeout: IdleTimeout,
		stop:        make(chan struct{}),
	}
	t.ticker = time.NewTicker(500 * time.Millisecond)
	go t.reapLoop()
	return t
}

// Heartbeat is the sole entry point for typing state changes. isTyping=true
// upserts lastSeenAt and emits the started event excluding the originating
// session; isTyping=false deletes the entry immediately and emits stopped.
func (t *Tracker) Heartbeat(conversationID string, userID uuid.UUID, username string, isTyping bool, exceptHandle string) {
	k := key{conversationID: conversationID, userID: userID}
	t.mu.Lock()
	if isTyping {
		t.entries[k] = entry{lastSeen: time.Now(), username: username}
	} else {
		delete(t.entries, k)
	}
	t.mu.Unlock()

	t.emit(conversationID, userID, username, isTyping, exceptHandle)
}

// Disconnect reports stopped typing for every conversation the user was
// typing in, satisfying the edge case that a mid-type disconnect must not
// leave the other participant believing typing is still in progress.
func (t *Tracker) Disconnect(userID uuid.UUID) {
	t.mu.Lock()
	var stopped []key
	for k := range t.entries {
		if k.userID == userID {
			stopped = append(stopped, k)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for _, k := range stopped {
		t.emit(k.conversationID, k.userID, "", false, "")
	}
}

func (t *Tracker) emit(conversationID string, userID uuid.UUID, username string, isTyping bool, exceptHandle string) {
	if t.dispatcher == nil {
		return
	}
	_ = t.dispatcher.Emit(events.Target{ConversationID: conversationID, ExceptSession: exceptHandle}, events.ServerUserTyping, userTypingPayload{
		UserID:         userID.String(),
		Username:       username,
		IsTyping:       isTyping,
		ConversationID: conversationID,
	})
}

func (t *Tracker) reapLoop() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			t.reapExpired()
		}
	}
}

func (t *Tracker) reapExpired() {
	now := time.Now()
	t.mu.Lock()
	var expired []key
	var usernames []string
	for k, e := range t.entries {
		if now.Sub(e.lastSeen) >= t.idleTimeout {
			expired = append(expired, k)
			usernames = append(usernames, e.username)
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for i, k := range expired {
		t.emit(k.conversationID, k.userID, usernames[i], false, "")
	}
}

func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	t.ticker.Stop()
	close(t.stop)
}
