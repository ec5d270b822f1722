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

// PresenceConfig 在线状态配置
type PresenceConfig struct {
	StalenessWindow  time.Duration
	BroadcastChanges bool
	Clock            func() time.Time
}

// PresenceUseCaseImpl 在线状态用例实现
type PresenceUseCaseImpl struct {
	config        PresenceConfig
	presenceRepo  out.PresenceRepository
	conversations out.ConversationRepository
	gateway       *PubSubGateway
}

var _ in.PresenceUseCase = (*PresenceUseCaseImpl)(nil)

// NewPresenceUseCase 创建在线状态用例
func NewPresenceUseCase(
	config PresenceConfig,
	presenceRepo out.PresenceRepository,
	conversations out.ConversationRepository,
	gateway *PubSubGateway,
) *PresenceUseCaseImpl {
	if config.StalenessWindow <= 0 {
		config.StalenessWindow = entity.DefaultStalenessWindow
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &PresenceUseCaseImpl{
		config:        config,
		presenceRepo:  presenceRepo,
		conversations: conversations,
		gateway:       gateway,
	}
}

// Heartbeat 心跳
func (uc *PresenceUseCaseImpl) Heartbeat(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return ErrInvalidArgument
	}
	now := uc.config.Clock()
	prev, err := uc.presenceRepo.Upsert(ctx, &entity.UserPresence{UserID: userID, IsOnline: true, LastSeenAt: now})
	if err != nil {
		return fmt.Errorf("upsert presence failed: %w", err)
	}

	// 之前不在线（含心跳过期）才算上线变化
	if !prev.EffectivelyOnline(now, uc.config.StalenessWindow) {
		uc.broadcast(ctx, userID, true, now)
	}
	return nil
}

// GoOffline 主动下线
func (uc *PresenceUseCaseImpl) GoOffline(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return ErrInvalidArgument
	}
	now := uc.config.Clock()
	prev, err := uc.presenceRepo.Upsert(ctx, &entity.UserPresence{UserID: userID, IsOnline: false, LastSeenAt: now})
	if err != nil {
		return fmt.Errorf("upsert presence failed: %w", err)
	}

	if prev.EffectivelyOnline(now, uc.config.StalenessWindow) {
		uc.broadcast(ctx, userID, false, now)
	}
	return nil
}

// QueryPresence 批量查询
// 存储中 is_online 仍为 true 但心跳过期的用户按离线返回，不回写存储
func (uc *PresenceUseCaseImpl) QueryPresence(ctx context.Context, userIDs []uint64) ([]entity.PresenceView, error) {
	if len(userIDs) == 0 {
		return []entity.PresenceView{}, nil
	}
	rows, err := uc.presenceRepo.GetMany(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get presences failed: %w", err)
	}

	now := uc.config.Clock()
	views := make([]entity.PresenceView, 0, len(userIDs))
	for _, id := range userIDs {
		row, ok := rows[id]
		if !ok {
			row = &entity.UserPresence{UserID: id}
		}
		views = append(views, row.View(now, uc.config.StalenessWindow))
	}
	return views, nil
}

// QueryConversationPresence 查询会话成员在线状态
func (uc *PresenceUseCaseImpl) QueryConversationPresence(ctx context.Context, requesterID, conversationID uint64) ([]entity.PresenceView, error) {
	ids, err := uc.conversations.ListParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants failed: %w", err)
	}
	if !containsID(ids, requesterID) {
		return nil, ErrNotParticipant
	}
	return uc.QueryPresence(ctx, ids)
}

func (uc *PresenceUseCaseImpl) broadcast(ctx context.Context, userID uint64, online bool, at time.Time) {
	if !uc.config.BroadcastChanges || uc.gateway == nil {
		return
	}
	convIDs, err := uc.conversations.ListConversationIDs(ctx, userID)
	if err != nil {
		zlog.C(ctx).Warn("list conversations for presence broadcast failed",
			zap.Uint64("user_id", userID), zap.Error(err))
		return
	}
	if len(convIDs) == 0 {
		return
	}

	channels := make([]string, len(convIDs))
	for i, id := range convIDs {
		channels[i] = channel.ConversationChannel(id)
	}
	uc.gateway.PublishMany(ctx, channels, event.PresenceChanged{
		UserID:     userID,
		Online:     online,
		LastSeenAt: at.Unix(),
	})
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
