package presence

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain/conversation"
	"chatcore/internal/domain/message"
	"chatcore/internal/domain/user"
	"chatcore/internal/events"
	"chatcore/internal/session"
	"chatcore/internal/store"
	sentinal_errors "chatcore/pkg/errors"
)

// fakeStore is a minimal store.Store satisfying only what the Presence
// Registry touches (SetUserOnline); every other method is unused here.
type fakeStore struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore { return &fakeStore{online: make(map[uuid.UUID]bool)} }

func (s *fakeStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	return nil, sentinal_errors.ErrNotFound
}
func (s *fakeStore) SetUserOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = online
	return nil
}
func (s *fakeStore) FindConversationByID(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	return nil, sentinal_errors.ErrNotFound
}
func (s *fakeStore) FindConversationByPair(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	return nil, sentinal_errors.ErrNotFound
}
func (s *fakeStore) CreateConversation(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	return nil, nil
}
func (s *fakeStore) UpdateConversationMeta(ctx context.Context, convID uuid.UUID, meta store.ConversationMeta) error {
	return nil
}
func (s *fakeStore) AdjustUnread(ctx context.Context, convID, userID uuid.UUID, delta int) (int, error) {
	return 0, nil
}
func (s *fakeStore) SetUnread(ctx context.Context, convID, userID uuid.UUID, value int) error {
	return nil
}
func (s *fakeStore) UnreadCounts(ctx context.Context, convID uuid.UUID) (map[uuid.UUID]int, error) {
	return nil, nil
}
func (s *fakeStore) CreateMessage(ctx context.Context, msg *message.Message, recipientID uuid.UUID) (int, error) {
	return 0, nil
}
func (s *fakeStore) FindMessageByID(ctx context.Context, msgID uuid.UUID) (*message.Message, error) {
	return nil, sentinal_errors.ErrNotFound
}
func (s *fakeStore) TransitionMessage(ctx context.Context, msgID uuid.UUID, nextStatus string, patch store.TransitionPatch) (*message.Message, error) {
	return nil, nil
}
func (s *fakeStore) FindPendingInboundFor(ctx context.Context, userID uuid.UUID) ([]message.Message, error) {
	return nil, nil
}
func (s *fakeStore) BulkMarkDelivered(ctx context.Context, ids []uuid.UUID) error { return nil }
func (s *fakeStore) BulkMarkRead(ctx context.Context, convID, reader uuid.UUID) ([]message.Message, error) {
	return nil, nil
}
func (s *fakeStore) RecentMessages(ctx context.Context, convID uuid.UUID, limit int) ([]message.Message, error) {
	return nil, nil
}
func (s *fakeStore) IsParticipant(ctx context.Context, convID, userID uuid.UUID) (bool, error) {
	return false, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) Emit(target events.Target, event string, payload interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, event)
	return nil
}

func (d *recordingDispatcher) count(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.calls {
		if e == event {
			n++
		}
	}
	return n
}

func TestRegistry_AttachFirstSessionBroadcastsOnline(t *testing.T) {
	s := newFakeStore()
	d := &recordingDispatcher{}
	reg := NewRegistry(s, d, nil)

	userID := uuid.New()
	sess1 := session.New("h1", userID, "alice", 4)
	sess2 := session.New("h2", userID, "alice", 4)

	reg.Attach(context.Background(), sess1)
	assert.True(t, reg.IsOnline(userID))
	assert.Equal(t, 1, d.count(events.ServerUserStatus))

	// Second session for the same user: multi-session is supported, and the
	// online broadcast fires only once per 0->>=1 transition.
	reg.Attach(context.Background(), sess2)
	assert.Equal(t, 1, d.count(events.ServerUserStatus))
	assert.Len(t, reg.SessionsOf(userID), 2)

	// Re-attaching the same handle is idempotent.
	reg.Attach(context.Background(), sess1)
	assert.Len(t, reg.SessionsOf(userID), 2)
}

func TestRegistry_DetachLastSessionBroadcastsOffline(t *testing.T) {
	s := newFakeStore()
	d := &recordingDispatcher{}
	reg := NewRegistry(s, d, nil)

	userID := uuid.New()
	sess1 := session.New("h1", userID, "alice", 4)
	sess2 := session.New("h2", userID, "alice", 4)
	reg.Attach(context.Background(), sess1)
	reg.Attach(context.Background(), sess2)

	reg.Detach(context.Background(), sess1.Handle)
	assert.True(t, reg.IsOnline(userID), "still online: one session remains")
	assert.Equal(t, 1, d.count(events.ServerUserStatus), "no offline event yet, only the earlier online one")

	reg.Detach(context.Background(), sess2.Handle)
	require.False(t, reg.IsOnline(userID))
	assert.Equal(t, 2, d.count(events.ServerUserStatus), "one online plus one offline")
}

func TestRegistry_UnknownUserIsOffline(t *testing.T) {
	s := newFakeStore()
	reg := NewRegistry(s, &recordingDispatcher{}, nil)
	assert.False(t, reg.IsOnline(uuid.New()))
	_, ok := reg.SessionByHandle("missing")
	assert.False(t, ok)
}
