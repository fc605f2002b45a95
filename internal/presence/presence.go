// Package presence implements the Presence Registry: the process-wide
// mapping from user id to active sessions, and the single place isOnline
// mutations are allowed to originate from, per the design note in §9.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/events"
	"chatcore/internal/session"
	"chatcore/internal/store"
)

// Mirror is the secondary, eventually consistent presence sink (the Redis
// mirror). The Registry discards its errors, so a failure never blocks the
// authoritative in-memory mutation.
type Mirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	GetOnlineUsers(ctx context.Context) ([]string, error)
	CleanupStalePresence(ctx context.Context, maxAge time.Duration) (int64, error)
}

type userStatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// Registry is linearizable w.r.t. its own operations: every attach/detach
// takes the write lock, every lookup the read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[string]*session.Session
	all      map[string]*session.Session

	store      store.Store
	dispatcher events.Dispatcher
	mirror     Mirror
}

func NewRegistry(s store.Store, d events.Dispatcher, m Mirror) *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]map[string]*session.Session),
		all:        make(map[string]*session.Session),
		store:      s,
		dispatcher: d,
		mirror:     m,
	}
}

// SetDispatcher wires the dispatcher after construction, breaking the
// Registry <-> Router construction cycle (the Router needs a *Registry to
// deliver frames, and the dispatcher wraps the Router).
func (r *Registry) SetDispatcher(d events.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// Attach registers the session. Idempotent w.r.t. repeated attach of the
// same handle. Fires the 0->>=1 online transition exactly once.
func (r *Registry) Attach(ctx context.Context, sess *session.Session) {
	r.mu.Lock()
	if _, exists := r.sessions[sess.UserID]; !exists {
		r.sessions[sess.UserID] = make(map[string]*session.Session)
	}
	_, already := r.sessions[sess.UserID][sess.Handle]
	firstSession := len(r.sessions[sess.UserID]) == 0
	r.sessions[sess.UserID][sess.Handle] = sess
	r.all[sess.Handle] = sess
	r.mu.Unlock()

	if already {
		return
	}
	if !firstSession {
		return
	}
	r.announce(ctx, sess.UserID, true, sess.Handle)
}

// Detach removes the session. Fires the >=1->0 offline transition exactly
// once, when the user's last session is removed.
func (r *Registry) Detach(ctx context.Context, handle string) {
	r.mu.Lock()
	sess, ok := r.all[handle]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.all, handle)
	byUser := r.sessions[sess.UserID]
	delete(byUser, handle)
	wentOffline := len(byUser) == 0
	if wentOffline {
		delete(r.sessions, sess.UserID)
	}
	r.mu.Unlock()

	if wentOffline {
		r.announce(ctx, sess.UserID, false, "")
	}
}

func (r *Registry) announce(ctx context.Context, userID uuid.UUID, online bool, exceptHandle string) {
	if err := r.store.SetUserOnline(ctx, userID, online); err != nil {
		_ = err // persistence failure never blocks the in-memory transition
	}
	if r.mirror != nil {
		if online {
			_ = r.mirror.SetOnline(ctx, userID.String())
		} else {
			_ = r.mirror.SetOffline(ctx, userID.String())
		}
	}
	if r.dispatcher != nil {
		_ = r.dispatcher.Emit(events.Target{ExceptSession: exceptHandle}, events.ServerUserStatus, userStatusPayload{
			UserID:   userID.String(),
			IsOnline: online,
		})
	}
}

// IsOnline answers from the local registry first. A miss falls through to
// the Redis mirror so a user connected to a different process instance
// still reads as online, per the Redis Presence Mirror's cross-process
// role.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	local := len(r.sessions[userID]) > 0
	mirror := r.mirror
	r.mu.RUnlock()
	if local {
		return true
	}
	if mirror == nil {
		return false
	}
	online, err := mirror.IsOnline(context.Background(), userID.String())
	return err == nil && online
}

// OnlineUserIDs returns every user id the Redis mirror currently considers
// online, across all process instances. Returns nil without error when no
// mirror is configured.
func (r *Registry) OnlineUserIDs(ctx context.Context) ([]string, error) {
	if r.mirror == nil {
		return nil, nil
	}
	return r.mirror.GetOnlineUsers(ctx)
}

// SessionsOf returns every active session for userID (multi-session
// support): a user may have more than one concurrently active connection,
// and all of them receive emitToUser deliveries.
func (r *Registry) SessionsOf(userID uuid.UUID) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byUser := r.sessions[userID]
	out := make([]*session.Session, 0, len(byUser))
	for _, sess := range byUser {
		out = append(out, sess)
	}
	return out
}

func (r *Registry) SessionByHandle(handle string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.all[handle]
	return sess, ok
}

// AllSessions returns every currently attached session, used for the
// presence broadcast that must reach "all other sessions".
func (r *Registry) AllSessions() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.all))
	for _, sess := range r.all {
		out = append(out, sess)
	}
	return out
}

// StartMirrorSweep runs a ticker-driven loop that refreshes the Redis
// mirror's TTL for every locally online user and evicts entries whose
// heartbeat predates maxAge, catching a process crash that skipped
// SetOffline. It returns a stop func; the loop is a no-op when no mirror
// is configured.
func (r *Registry) StartMirrorSweep(interval, maxAge time.Duration) func() {
	if r.mirror == nil {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				ticker.Stop()
				return
			case <-ticker.C:
				r.sweepMirror(maxAge)
			}
		}
	}()
	return func() { close(stop) }
}

func (r *Registry) sweepMirror(maxAge time.Duration) {
	ctx := context.Background()
	for _, userID := range r.onlineUserIDs() {
		_ = r.mirror.Heartbeat(ctx, userID.String())
	}
	_, _ = r.mirror.CleanupStalePresence(ctx, maxAge)
}

func (r *Registry) onlineUserIDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(r.sessions))
	for userID := range r.sessions {
		out = append(out, userID)
	}
	return out
}
