package in

import (
	"context"
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// TypingUseCase 正在输入用例接口
type TypingUseCase interface {
	// SetTyping 广播输入状态，调用方必须是会话成员
	SetTyping(ctx context.Context, conversationID, userID uint64, isTyping bool) (Delivery, error)
}

// ReadResult 已读结果
type ReadResult struct {
	ReadAt   time.Time `json:"read_at"`
	Delivery Delivery  `json:"delivery"`
}

// MessageUseCase 消息通知与已读用例接口
type MessageUseCase interface {
	// NotifyNewMessage 消息持久化成功后发布 new-message
	NotifyNewMessage(ctx context.Context, notice *entity.MessageNotice) (Delivery, error)
	// MarkConversationRead 更新读游标
	MarkConversationRead(ctx context.Context, conversationID, userID uint64) (*ReadResult, error)
}
