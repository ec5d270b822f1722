package in

import (
	"context"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// PresenceUseCase 在线状态用例接口
type PresenceUseCase interface {
	// Heartbeat 心跳，幂等
	Heartbeat(ctx context.Context, userID uint64) error
	// GoOffline 主动下线
	GoOffline(ctx context.Context, userID uint64) error
	// QueryPresence 批量查询派生在线状态
	QueryPresence(ctx context.Context, userIDs []uint64) ([]entity.PresenceView, error)
	// QueryConversationPresence 查询会话成员在线状态，请求方必须是成员
	QueryConversationPresence(ctx context.Context, requesterID, conversationID uint64) ([]entity.PresenceView, error)
}
