package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/domain/conversation"
	"chatcore/internal/domain/message"
	"chatcore/internal/domain/user"
)

// ConversationMeta is the denormalized preview patch applied to a
// Conversation after a send, per spec §4.5 step 2.
type ConversationMeta struct {
	LastMessageID      uuid.UUID
	LastMessageContent string
	LastMessageAt      time.Time
}

// TransitionPatch carries the optional fields that accompany a status
// transition. AppendReadBy, when non-nil, is deduplicated against the
// existing readBy set by the implementation (M2: never contains the sender).
type TransitionPatch struct {
	DeliveredAt  *time.Time
	ReadAt       *time.Time
	AppendReadBy *uuid.UUID
}

// Store is the abstract interface the Message Lifecycle Engine, Presence
// Registry, and REST companion all consume. Every mutating operation is
// transactional with respect to the invariants in the data model.
type Store interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*user.User, error)
	SetUserOnline(ctx context.Context, userID uuid.UUID, online bool) error

	FindConversationByID(ctx context.Context, convID uuid.UUID) (*conversation.Conversation, error)
	FindConversationByPair(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error)
	CreateConversation(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error)
	UpdateConversationMeta(ctx context.Context, convID uuid.UUID, meta ConversationMeta) error
	AdjustUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, delta int) (int, error)
	SetUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, value int) error
	UnreadCounts(ctx context.Context, convID uuid.UUID) (map[uuid.UUID]int, error)

	// CreateMessage persists the message and applies the conversation meta
	// patch and recipient unread increment in one transaction (spec §4.5
	// step 2). The returned int is the recipient's resulting unread count.
	CreateMessage(ctx context.Context, msg *message.Message, recipientID uuid.UUID) (unreadCount int, err error)
	FindMessageByID(ctx context.Context, msgID uuid.UUID) (*message.Message, error)
	TransitionMessage(ctx context.Context, msgID uuid.UUID, nextStatus string, patch TransitionPatch) (*message.Message, error)
	FindPendingInboundFor(ctx context.Context, userID uuid.UUID) ([]message.Message, error)
	BulkMarkDelivered(ctx context.Context, ids []uuid.UUID) error
	// BulkMarkRead transitions every unread inbound message of a
	// conversation to read for reader, zeroing their unread counter in the
	// same transaction. Returns the messages that were actually transitioned
	// (already-read messages are excluded, keeping the operation idempotent).
	BulkMarkRead(ctx context.Context, convID uuid.UUID, reader uuid.UUID) ([]message.Message, error)

	RecentMessages(ctx context.Context, convID uuid.UUID, limit int) ([]message.Message, error)
	IsParticipant(ctx context.Context, convID uuid.UUID, userID uuid.UUID) (bool, error)
}
