package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain/conversation"
	"chatcore/internal/domain/message"
	"chatcore/internal/domain/user"
	"chatcore/internal/presence"
	"chatcore/internal/session"
	"chatcore/internal/store"
	sentinal_errors "chatcore/pkg/errors"
)

// fakeStore backs only IsParticipant for the router's membership check;
// every other Store method is unreachable from this package's tests.
type fakeStore struct {
	participants map[uuid.UUID]map[uuid.UUID]bool
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{participants: make(map[uuid.UUID]map[uuid.UUID]bool)}
}

func (s *fakeStore) allow(convID, userID uuid.UUID) {
	if s.participants[convID] == nil {
		s.participants[convID] = make(map[uuid.UUID]bool)
	}
	s.participants[convID][userID] = true
}

func (s *fakeStore) IsParticipant(ctx context.Context, convID, userID uuid.UUID) (bool, error) {
	return s.participants[convID][userID], nil
}

func (s *fakeStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	return nil, sentinal_errors.ErrNotFound
}
func (s *fakeStore) SetUserOnline(ctx context.Context, userID uuid.UUID, online bool) error {
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

func drain(t *testing.T, sess *session.Session) map[string]json.RawMessage {
	t.Helper()
	select {
	case frame := <-sess.Send:
		var env struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(frame, &env))
		return map[string]json.RawMessage{env.Event: env.Payload}
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func TestRouter_JoinRejectsNonParticipant(t *testing.T) {
	s := newFakeStore()
	reg := presence.NewRegistry(s, nil, nil)
	r := NewRouter(s, reg)

	convID := uuid.New()
	sess := session.New("h1", uuid.New(), "alice", 4)
	reg.Attach(context.Background(), sess)

	err := r.Join(context.Background(), sess, convID.String())
	assert.ErrorIs(t, err, sentinal_errors.ErrForbidden)
}

func TestRouter_EmitToRoomReachesAllMembersExceptSelf(t *testing.T) {
	s := newFakeStore()
	reg := presence.NewRegistry(s, nil, nil)
	r := NewRouter(s, reg)

	convID := uuid.New()
	alice := session.New("alice-h", uuid.New(), "alice", 4)
	bob := session.New("bob-h", uuid.New(), "bob", 4)
	reg.Attach(context.Background(), alice)
	reg.Attach(context.Background(), bob)
	s.allow(convID, alice.UserID)
	s.allow(convID, bob.UserID)

	require.NoError(t, r.Join(context.Background(), alice, convID.String()))
	require.NoError(t, r.Join(context.Background(), bob, convID.String()))

	require.NoError(t, r.EmitToRoom(convID.String(), "message:new", map[string]string{"content": "hi"}, alice.Handle))

	assert.Nil(t, drain(t, alice), "originator excluded via exceptHandle")
	assert.NotNil(t, drain(t, bob))
}

func TestRouter_LeaveAndPurgeRemoveFromBothIndices(t *testing.T) {
	s := newFakeStore()
	reg := presence.NewRegistry(s, nil, nil)
	r := NewRouter(s, reg)

	convID := uuid.New()
	sess := session.New("h1", uuid.New(), "alice", 4)
	reg.Attach(context.Background(), sess)
	s.allow(convID, sess.UserID)
	require.NoError(t, r.Join(context.Background(), sess, convID.String()))

	r.Leave(sess, convID.String())
	assert.Empty(t, r.roomHandles(convID.String()))

	require.NoError(t, r.Join(context.Background(), sess, convID.String()))
	r.PurgeSession(sess)
	assert.Empty(t, r.roomHandles(convID.String()))
}

func TestRouter_EmitToUserNoOpWhenOffline(t *testing.T) {
	s := newFakeStore()
	reg := presence.NewRegistry(s, nil, nil)
	r := NewRouter(s, reg)

	err := r.EmitToUser(uuid.New(), "user:status", map[string]bool{"isOnline": false})
	assert.NoError(t, err)
}
