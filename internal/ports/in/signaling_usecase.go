package in

import (
	"context"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// InitiateCallRequest 发起通话请求
type InitiateCallRequest struct {
	CallID         string `json:"call_id,omitempty"` // 为空时由服务端生成
	CallerID       uint64 `json:"caller_id"`
	CalleeID       uint64 `json:"callee_id"`
	ConversationID uint64 `json:"conversation_id,omitempty"`
}

// SignalingUseCase 通话信令用例接口
type SignalingUseCase interface {
	// InitiateCall 分配房间并开始响铃
	InitiateCall(ctx context.Context, req *InitiateCallRequest) (*CallResult, error)
	// AcceptCall 被叫接听
	AcceptCall(ctx context.Context, callID string, accepterID uint64) (*CallResult, error)
	// RejectCall 被叫拒绝
	RejectCall(ctx context.Context, callID string, rejecterID uint64, reason string) (*CallResult, error)
	// CancelCall 主叫在响铃阶段取消
	CancelCall(ctx context.Context, callID string, cancellerID uint64) (*CallResult, error)
	// EndCall 接听后挂断
	EndCall(ctx context.Context, callID string, enderID uint64, clientDurationSeconds int64) (*CallResult, error)
	// GetCall 查询通话，请求方必须是通话一方
	GetCall(ctx context.Context, callID string, requesterID uint64) (*entity.Call, error)
}
