package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// TypingUseCaseImpl 正在输入用例实现，无状态、不持久化、不重试
type TypingUseCaseImpl struct {
	conversations out.ConversationRepository
	users         out.UserDirectory
	gateway       *PubSubGateway
}

var _ in.TypingUseCase = (*TypingUseCaseImpl)(nil)

// NewTypingUseCase 创建正在输入用例
func NewTypingUseCase(conversations out.ConversationRepository, users out.UserDirectory, gateway *PubSubGateway) *TypingUseCaseImpl {
	return &TypingUseCaseImpl{
		conversations: conversations,
		users:         users,
		gateway:       gateway,
	}
}

// SetTyping 广播 user-typing / user-stopped-typing
func (uc *TypingUseCaseImpl) SetTyping(ctx context.Context, conversationID, userID uint64, isTyping bool) (in.Delivery, error) {
	ok, err := uc.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return in.Delivery{}, fmt.Errorf("check participant failed: %w", err)
	}
	if !ok {
		return in.Delivery{}, ErrNotParticipant
	}

	ev := event.Typing{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}
	// 资料缺失不影响广播
	if profile, err := uc.users.GetProfile(ctx, userID); err != nil {
		zlog.C(ctx).Debug("load typing profile failed", zap.Uint64("user_id", userID), zap.Error(err))
	} else if profile != nil {
		ev.UserName = profile.Name
		ev.UserImage = profile.Image
	}

	return uc.gateway.Publish(ctx, channel.ConversationChannel(conversationID), ev), nil
}
