package application

import (
	"context"
	"fmt"

	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/in"
)

// Dispatcher 把客户端命令路由到对应用例
type Dispatcher struct {
	presence  in.PresenceUseCase
	typing    in.TypingUseCase
	messages  in.MessageUseCase
	signaling in.SignalingUseCase
}

func NewDispatcher(presence in.PresenceUseCase, typing in.TypingUseCase, messages in.MessageUseCase, signaling in.SignalingUseCase) *Dispatcher {
	return &Dispatcher{
		presence:  presence,
		typing:    typing,
		messages:  messages,
		signaling: signaling,
	}
}

// Dispatch 执行一条命令，userID 是连接上已认证的用户
// 返回值直接作为回包数据
func (d *Dispatcher) Dispatch(ctx context.Context, userID uint64, cmd event.Command) (interface{}, error) {
	switch c := cmd.(type) {
	case *event.Heartbeat:
		return nil, d.presence.Heartbeat(ctx, userID)
	case *event.GoOffline:
		return nil, d.presence.GoOffline(ctx, userID)
	case *event.SetTyping:
		return d.typing.SetTyping(ctx, c.ConversationID, userID, c.IsTyping)
	case *event.MarkRead:
		return d.messages.MarkConversationRead(ctx, c.ConversationID, userID)
	case *event.InitiateCall:
		return d.signaling.InitiateCall(ctx, &in.InitiateCallRequest{
			CallID:         c.CallID,
			CallerID:       userID,
			CalleeID:       c.CalleeID,
			ConversationID: c.ConversationID,
		})
	case *event.AcceptCall:
		return d.signaling.AcceptCall(ctx, c.CallID, userID)
	case *event.RejectCall:
		return d.signaling.RejectCall(ctx, c.CallID, userID, c.Reason)
	case *event.CancelCall:
		return d.signaling.CancelCall(ctx, c.CallID, userID)
	case *event.EndCall:
		return d.signaling.EndCall(ctx, c.CallID, userID, c.DurationSeconds)
	default:
		return nil, fmt.Errorf("%w: %T", event.ErrUnknownAction, cmd)
	}
}
