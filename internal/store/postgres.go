package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatcore/internal/domain/conversation"
	"chatcore/internal/domain/message"
	"chatcore/internal/domain/user"
	sentinal_errors "chatcore/pkg/errors"
)

// PostgresStore is the GORM-backed Store Adapter. Error mapping follows the
// teacher's repository convention: ErrRecordNotFound and ErrDuplicatedKey
// become the package's own sentinel errors so callers never see gorm types.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return sentinal_errors.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return sentinal_errors.ErrAlreadyExists
	default:
		return err
	}
}

func orderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() <= b.String() {
		return a, b
	}
	return b, a
}

func (s *PostgresStore) FindUserByID(ctx context.Context, userID uuid.UUID) (*user.User, error) {
	var u user.User
	err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *PostgresStore) SetUserOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	err := s.db.WithContext(ctx).Model(&user.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"is_online": online, "last_seen_at": time.Now()}).Error
	return mapErr(err)
}

func (s *PostgresStore) FindConversationByID(ctx context.Context, convID uuid.UUID) (*conversation.Conversation, error) {
	var c conversation.Conversation
	err := s.db.WithContext(ctx).First(&c, "id = ?", convID).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *PostgresStore) FindConversationByPair(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	lo, hi := orderedPair(a, b)
	var c conversation.Conversation
	err := s.db.WithContext(ctx).First(&c, "participant_a = ? AND participant_b = ?", lo, hi).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// CreateConversation is idempotent under concurrent callers racing to
// bootstrap the same pair: on a unique-constraint hit it re-fetches instead
// of surfacing ErrAlreadyExists, since C1's "exactly two participants"
// invariant is per-pair, not per-call.
func (s *PostgresStore) CreateConversation(ctx context.Context, a, b uuid.UUID) (*conversation.Conversation, error) {
	if a == b {
		return nil, sentinal_errors.ErrInvalidInput
	}
	lo, hi := orderedPair(a, b)
	c := &conversation.Conversation{
		ID:           uuid.New(),
		ParticipantA: lo,
		ParticipantB: hi,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(c).Error; createErr != nil {
			if errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return tx.First(c, "participant_a = ? AND participant_b = ?", lo, hi).Error
			}
			return createErr
		}
		for _, participant := range [2]uuid.UUID{lo, hi} {
			if unreadErr := tx.Create(&conversation.Unread{
				ConversationID: c.ID,
				UserID:         participant,
				Count:          0,
				UpdatedAt:      time.Now(),
			}).Error; unreadErr != nil {
				return unreadErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversationMeta(ctx context.Context, convID uuid.UUID, meta ConversationMeta) error {
	err := s.db.WithContext(ctx).Model(&conversation.Conversation{}).
		Where("id = ?", convID).
		Updates(map[string]interface{}{
			"last_message_id":      meta.LastMessageID,
			"last_message_content": meta.LastMessageContent,
			"last_message_at":      meta.LastMessageAt,
			"updated_at":           time.Now(),
		}).Error
	return mapErr(err)
}

// AdjustUnread locks the row with SELECT ... FOR UPDATE so concurrent sends
// and reads against the same participant serialize at the store layer,
// satisfying C2/C3.
func (s *PostgresStore) AdjustUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, delta int) (int, error) {
	var result int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row conversation.Unread
		if lockErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "conversation_id = ? AND user_id = ?", convID, userID).Error; lockErr != nil {
			if !errors.Is(lockErr, gorm.ErrRecordNotFound) {
				return lockErr
			}
			row = conversation.Unread{ConversationID: convID, UserID: userID}
		}
		next := row.Count + delta
		if next < 0 {
			next = 0
		}
		row.Count = next
		row.UpdatedAt = time.Now()
		result = next
		return tx.Save(&row).Error
	})
	return result, mapErr(err)
}

func (s *PostgresStore) SetUnread(ctx context.Context, convID uuid.UUID, userID uuid.UUID, value int) error {
	if value < 0 {
		value = 0
	}
	row := conversation.Unread{ConversationID: convID, UserID: userID, Count: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(&row).Error
	return mapErr(err)
}

func (s *PostgresStore) UnreadCounts(ctx context.Context, convID uuid.UUID) (map[uuid.UUID]int, error) {
	var rows []conversation.Unread
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", convID).Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make(map[uuid.UUID]int, len(rows))
	for _, r := range rows {
		out[r.UserID] = r.Count
	}
	return out, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, convID uuid.UUID, userID uuid.UUID) (bool, error) {
	c, err := s.FindConversationByID(ctx, convID)
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

// CreateMessage persists the message, patches the conversation preview, and
// increments the recipient's unread counter in one transaction, per spec
// §4.5 step 2 (C2: the sender's own counter is never touched here).
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *message.Message, recipientID uuid.UUID) (int, error) {
	var unread int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&conversation.Conversation{}).Where("id = ?", msg.ConversationID).
			Updates(map[string]interface{}{
				"last_message_id":      msg.ID,
				"last_message_content": msg.Content,
				"last_message_at":      msg.CreatedAt,
				"updated_at":           time.Now(),
			}).Error; err != nil {
			return err
		}
		var row conversation.Unread
		lockErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "conversation_id = ? AND user_id = ?", msg.ConversationID, recipientID).Error
		if lockErr != nil {
			if !errors.Is(lockErr, gorm.ErrRecordNotFound) {
				return lockErr
			}
			row = conversation.Unread{ConversationID: msg.ConversationID, UserID: recipientID}
		}
		row.Count++
		row.UpdatedAt = time.Now()
		unread = row.Count
		return tx.Save(&row).Error
	})
	if err != nil {
		return 0, mapErr(err)
	}
	return unread, nil
}

func (s *PostgresStore) FindMessageByID(ctx context.Context, msgID uuid.UUID) (*message.Message, error) {
	var m message.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", msgID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// TransitionMessage enforces M1 (monotonic status) and M2 (readBy excludes
// the sender) before writing: the row is locked with SELECT ... FOR UPDATE,
// the transition is checked, and the patched row is saved.
func (s *PostgresStore) TransitionMessage(ctx context.Context, msgID uuid.UUID, nextStatus string, patch TransitionPatch) (*message.Message, error) {
	var result message.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m message.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", msgID).Error; err != nil {
			return err
		}
		if m.Status == nextStatus {
			result = m
			return nil
		}
		if !message.NextStatusAllowed(m.Status, nextStatus) {
			return sentinal_errors.ErrInvalidTransition
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
		if err := tx.Save(&m).Error; err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return &result, nil
}

func (s *PostgresStore) FindPendingInboundFor(ctx context.Context, userID uuid.UUID) ([]message.Message, error) {
	var rows []message.Message
	err := s.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("(conversations.participant_a = ? OR conversations.participant_b = ?) AND messages.sender_id <> ? AND messages.status = ?",
			userID, userID, userID, message.StatusSent).
		Order("messages.created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return rows, nil
}

func (s *PostgresStore) BulkMarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&message.Message{}).
			Where("id IN ? AND status = ?", ids, message.StatusSent).
			Updates(map[string]interface{}{
				"status":       message.StatusDelivered,
				"delivered_at": time.Now(),
			}).Error
	})
	return mapErr(err)
}

// BulkMarkRead transitions every unread inbound message in one transaction
// and zeroes the reader's counter, keeping the whole operation idempotent:
// a second call finds nothing left to transition.
func (s *PostgresStore) BulkMarkRead(ctx context.Context, convID uuid.UUID, reader uuid.UUID) ([]message.Message, error) {
	var transitioned []message.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []message.Message
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("conversation_id = ? AND sender_id <> ? AND status <> ?", convID, reader, message.StatusRead).
			Find(&rows).Error; err != nil {
			return err
		}
		now := time.Now()
		for i := range rows {
			m := &rows[i]
			m.Status = message.StatusRead
			m.IsRead = true
			m.ReadAt.Time = now
			m.ReadAt.Valid = true
			if !m.DeliveredAt.Valid {
				m.DeliveredAt.Time = now
				m.DeliveredAt.Valid = true
			}
			m.ReadBy = m.ReadBy.Add(reader)
			if err := tx.Save(m).Error; err != nil {
				return err
			}
			transitioned = append(transitioned, *m)
		}
		row := conversation.Unread{ConversationID: convID, UserID: reader, Count: 0, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return transitioned, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, convID uuid.UUID, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []message.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return rows, nil
}
