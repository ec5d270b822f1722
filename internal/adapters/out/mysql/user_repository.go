package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// UserModel GORM模型，只读展示用资料
type UserModel struct {
	ID        uint64 `gorm:"column:id;primaryKey"`
	Nickname  string `gorm:"column:nickname;type:varchar(64)"`
	AvatarURL string `gorm:"column:avatar_url;type:varchar(512)"`
}

func (UserModel) TableName() string {
	return "users"
}

// UserDirectoryMySQL 用户资料查询
type UserDirectoryMySQL struct {
	db *gorm.DB
}

var _ out.UserDirectory = (*UserDirectoryMySQL)(nil)

func NewUserDirectoryMySQL(db *gorm.DB) *UserDirectoryMySQL {
	return &UserDirectoryMySQL{db: db}
}

func (r *UserDirectoryMySQL) GetProfile(ctx context.Context, userID uint64) (*entity.UserProfile, error) {
	var model UserModel
	err := r.db.WithContext(ctx).Select("id", "nickname", "avatar_url").Where("id = ?", userID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entity.UserProfile{ID: model.ID, Name: model.Nickname, Image: model.AvatarURL}, nil
}

// CallLogModel 通话摘要，作为系统消息展示在会话历史中
type CallLogModel struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	ConversationID uint64    `gorm:"column:conversation_id;not null;index:idx_conv_created,priority:1"`
	CallID         string    `gorm:"column:call_id;type:varchar(64);uniqueIndex"`
	SenderID       uint64    `gorm:"column:sender_id;not null"`
	Outcome        string    `gorm:"column:outcome;type:varchar(16);not null"`
	Content        string    `gorm:"column:content;type:json"`
	CreatedAt      time.Time `gorm:"column:created_at;index:idx_conv_created,priority:2"`
}

func (CallLogModel) TableName() string {
	return "call_log_messages"
}

// ChatLogWriterMySQL 通话摘要写入
type ChatLogWriterMySQL struct {
	db *gorm.DB
}

var _ out.ChatLogWriter = (*ChatLogWriterMySQL)(nil)

func NewChatLogWriterMySQL(db *gorm.DB) *ChatLogWriterMySQL {
	return &ChatLogWriterMySQL{db: db}
}

// AppendCallSummary 每个通话只有一条摘要，重复写入忽略
func (w *ChatLogWriterMySQL) AppendCallSummary(ctx context.Context, summary *entity.CallSummary) error {
	content, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal call summary failed: %w", err)
	}
	err = w.db.WithContext(ctx).Create(&CallLogModel{
		ConversationID: summary.ConversationID,
		CallID:         summary.CallID,
		SenderID:       summary.CallerID,
		Outcome:        string(summary.Outcome),
		Content:        string(content),
		CreatedAt:      summary.At,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}
