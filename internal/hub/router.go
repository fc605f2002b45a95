// Package hub implements the Room Router: per-conversation fan-out with a
// participant-checked join, grounded on the two-index discipline (room ->
// sessions, session -> rooms) called for in §4.3.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"chatcore/internal/events"
	"chatcore/internal/presence"
	"chatcore/internal/session"
	"chatcore/internal/store"
	sentinal_errors "chatcore/pkg/errors"
)

type Router struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]struct{} // conversationID -> session handles
	sessionRooms map[string]map[string]struct{} // session handle -> conversationIDs

	store    store.Store
	presence *presence.Registry
}

func NewRouter(s store.Store, p *presence.Registry) *Router {
	return &Router{
		rooms:        make(map[string]map[string]struct{}),
		sessionRooms: make(map[string]map[string]struct{}),
		store:        s,
		presence:     p,
	}
}

// Join enforces the participant check resolved in §9's open question:
// a session may only join a conversation it actually belongs to.
func (r *Router) Join(ctx context.Context, sess *session.Session, conversationID string) error {
	convID, err := uuid.Parse(conversationID)
	if err != nil {
		return sentinal_errors.ErrInvalidInput
	}
	ok, err := r.store.IsParticipant(ctx, convID, sess.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return sentinal_errors.ErrForbidden
	}

	r.mu.Lock()
	if _, exists := r.rooms[conversationID]; !exists {
		r.rooms[conversationID] = make(map[string]struct{})
	}
	r.rooms[conversationID][sess.Handle] = struct{}{}
	if _, exists := r.sessionRooms[sess.Handle]; !exists {
		r.sessionRooms[sess.Handle] = make(map[string]struct{})
	}
	r.sessionRooms[sess.Handle][conversationID] = struct{}{}
	r.mu.Unlock()

	sess.MarkJoined(conversationID)
	return nil
}

func (r *Router) Leave(sess *session.Session, conversationID string) {
	r.mu.Lock()
	delete(r.rooms[conversationID], sess.Handle)
	if len(r.rooms[conversationID]) == 0 {
		delete(r.rooms, conversationID)
	}
	delete(r.sessionRooms[sess.Handle], conversationID)
	if len(r.sessionRooms[sess.Handle]) == 0 {
		delete(r.sessionRooms, sess.Handle)
	}
	r.mu.Unlock()
	sess.MarkLeft(conversationID)
}

// PurgeSession removes a disconnected session from every room it was in.
// Both indices are updated atomically under the same lock.
func (r *Router) PurgeSession(sess *session.Session) {
	r.mu.Lock()
	rooms := r.sessionRooms[sess.Handle]
	for conversationID := range rooms {
		delete(r.rooms[conversationID], sess.Handle)
		if len(r.rooms[conversationID]) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	delete(r.sessionRooms, sess.Handle)
	r.mu.Unlock()
}

func (r *Router) roomHandles(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[conversationID]
	out := make([]string, 0, len(members))
	for h := range members {
		out = append(out, h)
	}
	return out
}

// EmitToRoom delivers to every attached session in the room. exceptHandle,
// if non-empty, excludes the originating session.
func (r *Router) EmitToRoom(conversationID, event string, payload interface{}, exceptHandle string) error {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for _, handle := range r.roomHandles(conversationID) {
		if handle == exceptHandle {
			continue
		}
		if sess, ok := r.presence.SessionByHandle(handle); ok {
			sess.Deliver(frame)
		}
	}
	return nil
}

// EmitToUser delivers only to the session(s) of that user; a no-op if
// offline, satisfying the multi-session "both receive" resolution.
func (r *Router) EmitToUser(userID uuid.UUID, event string, payload interface{}) error {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for _, sess := range r.presence.SessionsOf(userID) {
		sess.Deliver(frame)
	}
	return nil
}

// BroadcastAll delivers to every currently attached session, used by the
// Presence Registry for user:status transitions that go to everyone but
// the user whose own presence just changed.
func (r *Router) BroadcastAll(event string, payload interface{}, exceptHandle string) error {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	for _, sess := range r.presence.AllSessions() {
		if sess.Handle == exceptHandle {
			continue
		}
		sess.Deliver(frame)
	}
	return nil
}

// Dispatcher adapts the Router to the events.Dispatcher contract so the
// Lifecycle Engine and Presence Registry never construct a raw envelope
// themselves, per §4.6.
type Dispatcher struct {
	router *Router
}

func NewDispatcher(r *Router) *Dispatcher {
	return &Dispatcher{router: r}
}

func (d *Dispatcher) Emit(target events.Target, event string, payload interface{}) error {
	switch {
	case target.ConversationID != "":
		return d.router.EmitToRoom(target.ConversationID, event, payload, target.ExceptSession)
	case len(target.UserIDs) > 0:
		for _, raw := range target.UserIDs {
			userID, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			if err := d.router.EmitToUser(userID, event, payload); err != nil {
				return err
			}
		}
		return nil
	default:
		return d.router.BroadcastAll(event, payload, target.ExceptSession)
	}
}
