package lifecycle

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"chatcore/internal/domain/conversation"
	"chatcore/internal/domain/message"
	"chatcore/internal/domain/user"
	"chatcore/internal/events"
	"chatcore/internal/store"
	sentinal_errors "chatcore/pkg/errors"
)

var _ store.Store = (*fakeStore)(nil)

// fakeStore is an in-memory Store Adapter used by the lifecycle engine
// tests. Mutations take a single mutex, mirroring the transactional
// guarantees the real Postgres adapter provides via row locks.
type fakeStore struct {
	mu            sync.Mutex
	users         map[uuid.UUID]*user.User
	conversations map[uuid.UUID]*conversation.Conversation
	unread        map[uuid.UUID]map[uuid.UUID]int
	messages      map[uuid.UUID]*message.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[uuid.UUID]*user.User),
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		unread:        make(map[uuid.UUID]map[uuid.UUID]int),
		messages:      make(map[uuid.UUID]*message.Message),
	}
}

func (s *fakeStore) addConversation(c *conversation.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	s.unread[c.ID] = map[uuid.UUID]int{c.ParticipantA: 0, c.ParticipantB: 0}
}

func (s *fakeStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) SetUserOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.IsOnline = online
	}
	return nil
}

func (s *fakeStore) FindConversationByID(ctx context.Context, convID uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *fakeStore) FindConversationByPair(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.HasParticipant(a) && c.HasParticipant(b) {
			copied := *c
			return &copied, nil
		}
	}
	return nil, sentinal_errors.ErrNotFound
}

func (s *fakeStore) CreateConversation(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	c := &conversation.Conversation{ID: uuid.New(), ParticipantA: a, ParticipantB: b}
	s.addConversation(c)
	return c, nil
}

func (s *fakeStore) UpdateConversationMeta(ctx context.Context, convID uuid.UUID, meta store.ConversationMeta) error {
	return nil
}

func (s *fakeStore) AdjustUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.unread[convID]
	if row == nil {
		row = make(map[uuid.UUID]int)
		s.unread[convID] = row
	}
	next := row[userID] + delta
	if next < 0 {
		next = 0
	}
	row[userID] = next
	return next, nil
}

func (s *fakeStore) SetUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value < 0 {
		value = 0
	}
	if s.unread[convID] == nil {
		s.unread[convID] = make(map[uuid.UUID]int)
	}
	s.unread[convID][userID] = value
	return nil
}

func (s *fakeStore) UnreadCounts(ctx context.Context, convID uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for k, v := range s.unread[convID] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, msg *message.Message, recipientID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	row := s.unread[msg.ConversationID]
	if row == nil {
		row = make(map[uuid.UUID]int)
		s.unread[msg.ConversationID] = row
	}
	row[recipientID]++
	return row[recipientID], nil
}

func (s *fakeStore) FindMessageByID(ctx context.Context, msgID uuid.UUID) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *fakeStore) TransitionMessage(ctx context.Context, msgID uuid.UUID, nextStatus string, patch store.TransitionPatch) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msgID]
	if !ok {
		return nil, sentinal_errors.ErrNotFound
	}
	if m.Status == nextStatus {
		copied := *m
		return &copied, nil
	}
	if !message.NextStatusAllowed(m.Status, nextStatus) {
		return nil, sentinal_errors.ErrInvalidTransition
	}
	m.Status = nextStatus
	if patch.DeliveredAt != nil && !m.DeliveredAt.Valid {
		m.DeliveredAt.Time = *patch.DeliveredAt
		m.DeliveredAt.Valid = true
	}
	if patch.ReadAt != nil {
		m.ReadAt.Time = *patch.ReadAt
		m.ReadAt.Valid = true
		m.IsRead = true
		if !m.DeliveredAt.Valid {
			m.DeliveredAt.Time = *patch.ReadAt
			m.DeliveredAt.Valid = true
		}
	}
	if patch.AppendReadBy != nil && *patch.AppendReadBy != m.SenderID {
		m.ReadBy = m.ReadBy.Add(*patch.AppendReadBy)
	}
	copied := *m
	return &copied, nil
}

func (s *fakeStore) FindPendingInboundFor(ctx context.Context, userID uuid.UUID) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range s.messages {
		conv := s.conversations[m.ConversationID]
		if conv == nil || !conv.HasParticipant(userID) {
			continue
		}
		if m.SenderID != userID && m.Status == message.StatusSent {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) BulkMarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.Status == message.StatusSent {
			m.Status = message.StatusDelivered
		}
	}
	return nil
}

func (s *fakeStore) BulkMarkRead(ctx context.Context, convID uuid.UUID, reader uuid.UUID) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range s.messages {
		if m.ConversationID != convID || m.SenderID == reader || m.Status == message.StatusRead {
			continue
		}
		m.Status = message.StatusRead
		m.IsRead = true
		m.ReadBy = m.ReadBy.Add(reader)
		out = append(out, *m)
	}
	if s.unread[convID] == nil {
		s.unread[convID] = make(map[uuid.UUID]int)
	}
	s.unread[convID][reader] = 0
	return out, nil
}

func (s *fakeStore) RecentMessages(ctx context.Context, convID uuid.UUID, limit int) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range s.messages {
		if m.ConversationID == convID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) IsParticipant(ctx context.Context, convID uuid.UUID, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convID]
	if !ok {
		return false, sentinal_errors.ErrNotFound
	}
	return c.HasParticipant(userID), nil
}

// recordingDispatcher captures every emission for assertions instead of
// delivering to real sessions, so tests can inspect exactly what the
// engine told the Event Dispatcher to send.
type recordingDispatcher struct {
	mu   sync.Mutex
	emit []recordedEmit
}

type recordedEmit struct {
	Target  events.Target
	Event   string
	Payload interface{}
}

func (d *recordingDispatcher) Emit(target events.Target, event string, payload interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit = append(d.emit, recordedEmit{Target: target, Event: event, Payload: payload})
	return nil
}

func (d *recordingDispatcher) events() []recordedEmit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]recordedEmit, len(d.emit))
	copy(out, d.emit)
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit = nil
}

func (d *recordingDispatcher) countEvent(name string) int {
	n := 0
	for _, e := range d.events() {
		if e.Event == name {
			n++
		}
	}
	return n
}
