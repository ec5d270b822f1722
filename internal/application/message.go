package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// MessageConfig 消息通知配置
type MessageConfig struct {
	BroadcastReads bool
	Clock          func() time.Time
}

// MessageUseCaseImpl 新消息扇出与已读游标
type MessageUseCaseImpl struct {
	config        MessageConfig
	conversations out.ConversationRepository
	deduper       out.NoticeDeduper // 可以为 nil
	gateway       *PubSubGateway
}

var _ in.MessageUseCase = (*MessageUseCaseImpl)(nil)

func NewMessageUseCase(
	config MessageConfig,
	conversations out.ConversationRepository,
	deduper out.NoticeDeduper,
	gateway *PubSubGateway,
) *MessageUseCaseImpl {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &MessageUseCaseImpl{
		config:        config,
		conversations: conversations,
		deduper:       deduper,
		gateway:       gateway,
	}
}

// NotifyNewMessage 发布 new-message
// 同一消息ID只发布一次；订阅方应按 created_at 排序而不是按到达顺序
func (uc *MessageUseCaseImpl) NotifyNewMessage(ctx context.Context, notice *entity.MessageNotice) (in.Delivery, error) {
	if notice == nil || notice.MessageID == 0 || notice.ConversationID == 0 {
		return in.Delivery{}, ErrInvalidArgument
	}
	ok, err := uc.conversations.IsParticipant(ctx, notice.ConversationID, notice.SenderID)
	if err != nil {
		return in.Delivery{}, fmt.Errorf("check participant failed: %w", err)
	}
	if !ok {
		return in.Delivery{}, ErrNotParticipant
	}

	claimed := false
	if uc.deduper != nil {
		first, err := uc.deduper.FirstNotice(ctx, notice.MessageID)
		if err != nil {
			// 去重存储不可用时仍然发布，重复通知只会触发一次多余的拉取
			zlog.C(ctx).Warn("dedupe message notice failed", zap.Uint64("message_id", notice.MessageID), zap.Error(err))
		} else if !first {
			return in.Undelivered("duplicate notice"), nil
		} else {
			claimed = true
		}
	}

	createdAt := notice.CreatedAt
	if createdAt.IsZero() {
		createdAt = uc.config.Clock()
	}

	// 发送者自己视为已读
	if err := uc.conversations.UpdateLastRead(ctx, notice.ConversationID, notice.SenderID, createdAt); err != nil {
		zlog.C(ctx).Warn("advance sender read cursor failed",
			zap.Uint64("conversation_id", notice.ConversationID),
			zap.Uint64("user_id", notice.SenderID),
			zap.Error(err))
	}

	d := uc.gateway.Publish(ctx, channel.ConversationChannel(notice.ConversationID), event.NewMessage{
		MessageID:      notice.MessageID,
		ConversationID: notice.ConversationID,
		SenderID:       notice.SenderID,
		CreatedAt:      createdAt.UnixMilli(),
	})
	// 发布失败时释放占用，同一消息重试仍能发布
	if !d.Published && claimed {
		if err := uc.deduper.Forget(ctx, notice.MessageID); err != nil {
			zlog.C(ctx).Warn("release message notice failed", zap.Uint64("message_id", notice.MessageID), zap.Error(err))
		}
	}
	return d, nil
}

// MarkConversationRead 读游标更新到当前时间
func (uc *MessageUseCaseImpl) MarkConversationRead(ctx context.Context, conversationID, userID uint64) (*in.ReadResult, error) {
	ok, err := uc.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("check participant failed: %w", err)
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	now := uc.config.Clock()
	if err := uc.conversations.UpdateLastRead(ctx, conversationID, userID, now); err != nil {
		return nil, fmt.Errorf("update last read failed: %w", err)
	}

	result := &in.ReadResult{ReadAt: now, Delivery: in.Undelivered("broadcast disabled")}
	if uc.config.BroadcastReads {
		result.Delivery = uc.gateway.Publish(ctx, channel.ConversationChannel(conversationID), event.MessagesRead{
			ConversationID: conversationID,
			UserID:         userID,
			ReadAt:         now.UnixMilli(),
		})
	}
	return result, nil
}
