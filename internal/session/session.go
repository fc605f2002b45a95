// Package session defines the runtime-only Session type shared by the
// Presence Registry and the Room Router, so neither has to import the
// other to agree on what a connected client looks like.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated client connection. It is never persisted.
type Session struct {
	Handle      string
	UserID      uuid.UUID
	Username    string
	ConnectedAt time.Time

	// Send is the bounded outbound queue for this session. Writers never
	// block on a slow or dead session; a full queue drops the event
	// (backpressure policy in §5) and the writer pump owns draining it.
	Send chan []byte

	mu          sync.Mutex
	joinedRooms map[string]struct{}
	closed      bool
}

func New(handle string, userID uuid.UUID, username string, sendBuf int) *Session {
	return &Session{
		Handle:      handle,
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now(),
		Send:        make(chan []byte, sendBuf),
		joinedRooms: make(map[string]struct{}),
	}
}

func (s *Session) MarkJoined(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedRooms[conversationID] = struct{}{}
}

func (s *Session) MarkLeft(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinedRooms, conversationID)
}

func (s *Session) JoinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.joinedRooms))
	for r := range s.joinedRooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Deliver enqueues a frame without blocking. Returns false if the session's
// outbound queue is full or already closed; the caller drops the event
// silently per the backpressure policy — the pending-inbound scan on
// reconnect reconstructs anything lost this way.
func (s *Session) Deliver(frame []byte) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case s.Send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.Send)
}
