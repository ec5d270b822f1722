package out

import (
	"context"
	"errors"
	"time"

	"github.com/EthanQC/realtime/internal/domain/call"
	"github.com/EthanQC/realtime/internal/domain/entity"
)

var ErrDuplicateCall = errors.New("call already exists")

// CallRepository 通话仓储接口
// 通话状态只通过 CompareAndSwap 修改，它是唯一的串行化点
type CallRepository interface {
	// Create 创建通话记录，callID 已存在时返回 ErrDuplicateCall
	Create(ctx context.Context, c *entity.Call) error
	// Get 获取通话，不存在返回 nil, nil
	Get(ctx context.Context, callID string) (*entity.Call, error)
	// CompareAndSwap 仅当当前状态为 from 时写入，返回是否写入成功
	CompareAndSwap(ctx context.Context, callID string, from call.State, update *entity.CallUpdate) (bool, error)
	// ListRingingBefore 列出在 startedBefore 之前开始响铃的通话
	ListRingingBefore(ctx context.Context, startedBefore time.Time, limit int) ([]*entity.Call, error)
	// DeleteTerminatedBefore 删除在 endedBefore 之前结束的通话
	DeleteTerminatedBefore(ctx context.Context, endedBefore time.Time) (int64, error)
}

// ConversationRepository 会话仓储接口（只读成员关系 + 读游标）
type ConversationRepository interface {
	// Get 获取会话，不存在返回 nil, nil
	Get(ctx context.Context, conversationID uint64) (*entity.Conversation, error)
	// IsParticipant 是否为会话成员
	IsParticipant(ctx context.Context, conversationID, userID uint64) (bool, error)
	// ListParticipantIDs 列出会话成员
	ListParticipantIDs(ctx context.Context, conversationID uint64) ([]uint64, error)
	// ListConversationIDs 列出用户参与的会话
	ListConversationIDs(ctx context.Context, userID uint64) ([]uint64, error)
	// UpdateLastRead 更新读游标，只前进不后退
	UpdateLastRead(ctx context.Context, conversationID, userID uint64, readAt time.Time) error
	// GetParticipant 获取成员读游标，不存在返回 nil, nil
	GetParticipant(ctx context.Context, conversationID, userID uint64) (*entity.Participant, error)
}

// PresenceRepository 在线状态仓储接口
// 只有用户本人会写自己的行，单行覆盖写即可
type PresenceRepository interface {
	// Upsert 覆盖写在线标记与最后活跃时间，返回写入前的记录（可能为 nil）
	Upsert(ctx context.Context, p *entity.UserPresence) (*entity.UserPresence, error)
	// GetMany 批量获取，缺失的用户不出现在结果中
	GetMany(ctx context.Context, userIDs []uint64) (map[uint64]*entity.UserPresence, error)
}

// UserDirectory 用户资料查询
type UserDirectory interface {
	// GetProfile 获取用户资料，不存在返回 nil, nil
	GetProfile(ctx context.Context, userID uint64) (*entity.UserProfile, error)
}

// ChatLogWriter 通话摘要写入聊天记录
type ChatLogWriter interface {
	AppendCallSummary(ctx context.Context, summary *entity.CallSummary) error
}

// NoticeDeduper 新消息通知去重
type NoticeDeduper interface {
	// FirstNotice 首次见到该消息返回 true
	FirstNotice(ctx context.Context, messageID uint64) (bool, error)
	// Forget 撤销 FirstNotice 的占用，发布失败后允许重试
	Forget(ctx context.Context, messageID uint64) error
}
