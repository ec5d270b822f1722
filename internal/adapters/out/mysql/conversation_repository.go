package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// ConversationModel GORM模型，只映射这里用得到的列
type ConversationModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ConversationModel) TableName() string {
	return "conversations"
}

// ParticipantModel GORM模型
type ParticipantModel struct {
	ID             uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID uint64     `gorm:"column:conversation_id;not null;uniqueIndex:uk_conv_user,priority:1"`
	UserID         uint64     `gorm:"column:user_id;not null;uniqueIndex:uk_conv_user,priority:2;index"`
	JoinedAt       time.Time  `gorm:"column:joined_at;autoCreateTime"`
	LastReadAt     *time.Time `gorm:"column:last_read_at"`
}

func (ParticipantModel) TableName() string {
	return "participants"
}

func (m *ParticipantModel) toEntity() *entity.Participant {
	return &entity.Participant{
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		LastReadAt:     m.LastReadAt,
	}
}

// ConversationRepositoryMySQL MySQL会话仓储实现
type ConversationRepositoryMySQL struct {
	db *gorm.DB
}

var _ out.ConversationRepository = (*ConversationRepositoryMySQL)(nil)

func NewConversationRepositoryMySQL(db *gorm.DB) *ConversationRepositoryMySQL {
	return &ConversationRepositoryMySQL{db: db}
}

func (r *ConversationRepositoryMySQL) Get(ctx context.Context, conversationID uint64) (*entity.Conversation, error) {
	var model ConversationModel
	err := r.db.WithContext(ctx).Where("id = ?", conversationID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	ids, err := r.ListParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &entity.Conversation{ID: model.ID, ParticipantIDs: ids, CreatedAt: model.CreatedAt}, nil
}

func (r *ConversationRepositoryMySQL) IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *ConversationRepositoryMySQL) ListParticipantIDs(ctx context.Context, conversationID uint64) ([]uint64, error) {
	ids := make([]uint64, 0)
	err := r.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *ConversationRepositoryMySQL) ListConversationIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	ids := make([]uint64, 0)
	err := r.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("user_id = ?", userID).
		Order("conversation_id ASC").
		Pluck("conversation_id", &ids).Error
	return ids, err
}

// UpdateLastRead 只前进不后退
func (r *ConversationRepositoryMySQL) UpdateLastRead(ctx context.Context, conversationID, userID uint64, readAt time.Time) error {
	return r.db.WithContext(ctx).Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Where("last_read_at IS NULL OR last_read_at < ?", readAt).
		Update("last_read_at", readAt).Error
}

func (r *ConversationRepositoryMySQL) GetParticipant(ctx context.Context, conversationID, userID uint64) (*entity.Participant, error) {
	var model ParticipantModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.toEntity(), nil
}
