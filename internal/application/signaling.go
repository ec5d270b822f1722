package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/call"
	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/metrics"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

const (
	// 呼叫超时时间
	defaultRingTimeout       = 60 * time.Second
	defaultDurationTolerance = 2 * time.Second
	// 一轮扫描最多处理的超时通话数
	sweepBatchSize = 100

	rejectReasonEndedWhileRinging = "declined"
)

// SignalingConfig 信令服务配置
type SignalingConfig struct {
	RingTimeout       time.Duration
	DurationTolerance time.Duration
	Clock             func() time.Time
	NewCallID         func() string
}

// SignalingUseCaseImpl 信令用例实现
// 通话状态只通过仓储的条件更新修改，进程内不加锁；mu 只保护响铃定时器表
type SignalingUseCaseImpl struct {
	config        SignalingConfig
	calls         out.CallRepository
	conversations out.ConversationRepository
	users         out.UserDirectory
	chatLog       out.ChatLogWriter // 可以为 nil
	rooms         *RoomManager
	gateway       *PubSubGateway

	mu     sync.Mutex
	timers map[string]*time.Timer // callID -> 响铃定时器
	closed bool
}

var _ in.SignalingUseCase = (*SignalingUseCaseImpl)(nil)

func NewSignalingUseCase(
	config SignalingConfig,
	calls out.CallRepository,
	conversations out.ConversationRepository,
	users out.UserDirectory,
	chatLog out.ChatLogWriter,
	rooms *RoomManager,
	gateway *PubSubGateway,
) *SignalingUseCaseImpl {
	if config.RingTimeout <= 0 {
		config.RingTimeout = defaultRingTimeout
	}
	if config.DurationTolerance <= 0 {
		config.DurationTolerance = defaultDurationTolerance
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.NewCallID == nil {
		config.NewCallID = func() string { return uuid.New().String() }
	}
	return &SignalingUseCaseImpl{
		config:        config,
		calls:         calls,
		conversations: conversations,
		users:         users,
		chatLog:       chatLog,
		rooms:         rooms,
		gateway:       gateway,
		timers:        make(map[string]*time.Timer),
	}
}

// InitiateCall 发起呼叫
// 先分配房间再落库，分配失败不留下任何记录
func (uc *SignalingUseCaseImpl) InitiateCall(ctx context.Context, req *in.InitiateCallRequest) (*in.CallResult, error) {
	if req == nil || req.CallerID == 0 || req.CalleeID == 0 || req.CallerID == req.CalleeID {
		return nil, ErrInvalidArgument
	}
	if req.ConversationID != 0 {
		if err := uc.checkConversation(ctx, req.ConversationID, req.CallerID, req.CalleeID); err != nil {
			return nil, err
		}
	}

	callID := req.CallID
	if callID == "" {
		callID = uc.config.NewCallID()
	} else {
		// 客户端重试同一个 callID
		existing, err := uc.calls.Get(ctx, callID)
		if err != nil {
			return nil, fmt.Errorf("get call failed: %w", err)
		}
		if existing != nil {
			return uc.existingInitiate(existing, req)
		}
	}

	room, err := uc.rooms.Allocate(ctx, callID)
	if err != nil {
		zlog.C(ctx).Warn("allocate room failed", zap.String("call_id", callID), zap.Error(err))
		return nil, err
	}

	now := uc.config.Clock()
	c := entity.NewCall(callID, req.CallerID, req.CalleeID, req.ConversationID, now)
	c.RoomID = room.ID
	c.RoomURL = room.URL
	if c.State, err = call.Next(c.State, call.EventRing); err != nil {
		uc.rooms.Release(ctx, room.ID, callID)
		return nil, fmt.Errorf("start ringing failed: %w", err)
	}

	if err := uc.calls.Create(ctx, c); err != nil {
		// 并发的同 ID 发起已经占用了记录，多分配的房间需要回收
		uc.rooms.Release(ctx, room.ID, callID)
		if errors.Is(err, out.ErrDuplicateCall) {
			existing, gerr := uc.calls.Get(ctx, callID)
			if gerr != nil {
				return nil, fmt.Errorf("get call failed: %w", gerr)
			}
			if existing != nil {
				return uc.existingInitiate(existing, req)
			}
		}
		return nil, fmt.Errorf("create call failed: %w", err)
	}
	metrics.CallTransitions.WithLabelValues(string(c.State), string(in.OutcomeApplied)).Inc()

	uc.scheduleRingTimer(callID, uc.config.RingTimeout)

	ev := event.IncomingCall{
		CallID:         c.CallID,
		CallerID:       c.CallerID,
		RoomID:         c.RoomID,
		RoomURL:        c.RoomURL,
		ConversationID: c.ConversationID,
		StartedAt:      c.StartedAt.Unix(),
	}
	if profile, err := uc.users.GetProfile(ctx, c.CallerID); err != nil {
		zlog.C(ctx).Warn("load caller profile failed", zap.Uint64("user_id", c.CallerID), zap.Error(err))
	} else if profile != nil {
		ev.CallerName = profile.Name
		ev.CallerImage = profile.Image
	}

	zlog.C(ctx).Info("call ringing",
		zap.String("call_id", c.CallID),
		zap.Uint64("caller_id", c.CallerID),
		zap.Uint64("callee_id", c.CalleeID),
		zap.String("room_id", c.RoomID))

	return &in.CallResult{
		Call:     c,
		Outcome:  in.OutcomeApplied,
		Delivery: uc.gateway.Publish(ctx, channel.UserChannel(c.CalleeID), ev),
	}, nil
}

// AcceptCall 接受呼叫
func (uc *SignalingUseCaseImpl) AcceptCall(ctx context.Context, callID string, accepterID uint64) (*in.CallResult, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if accepterID != c.CalleeID {
		return nil, ErrNotCallee
	}

	now := uc.config.Clock()
	applied, err := uc.transition(ctx, c, call.EventAccept, &entity.CallUpdate{AnsweredAt: &now})
	if err != nil || !applied {
		return uc.noop(c, err)
	}
	uc.stopRingTimer(c.CallID)

	zlog.C(ctx).Info("call accepted", zap.String("call_id", c.CallID))

	return &in.CallResult{
		Call:    c,
		Outcome: in.OutcomeApplied,
		Delivery: uc.gateway.Publish(ctx, channel.UserChannel(c.CallerID), event.CallAccepted{
			CallID:     c.CallID,
			CalleeID:   c.CalleeID,
			RoomID:     c.RoomID,
			AnsweredAt: now.Unix(),
		}),
	}, nil
}

// RejectCall 拒绝呼叫
func (uc *SignalingUseCaseImpl) RejectCall(ctx context.Context, callID string, rejecterID uint64, reason string) (*in.CallResult, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rejecterID != c.CalleeID {
		return nil, ErrNotCallee
	}
	return uc.reject(ctx, c, reason)
}

// CancelCall 主叫取消
func (uc *SignalingUseCaseImpl) CancelCall(ctx context.Context, callID string, cancellerID uint64) (*in.CallResult, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if cancellerID != c.CallerID {
		return nil, ErrNotCaller
	}
	return uc.cancel(ctx, c)
}

// EndCall 挂断通话
// 响铃中挂断按主叫取消或被叫拒绝处理
func (uc *SignalingUseCaseImpl) EndCall(ctx context.Context, callID string, enderID uint64, clientDurationSeconds int64) (*in.CallResult, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(enderID) {
		return nil, ErrNotCallParty
	}

	if c.State == call.StateRinging {
		if enderID == c.CallerID {
			return uc.cancel(ctx, c)
		}
		return uc.reject(ctx, c, rejectReasonEndedWhileRinging)
	}

	now := uc.config.Clock()
	update := &entity.CallUpdate{EndedAt: &now, EndReason: string(event.EndReasonEnded)}
	var duration int64
	if c.AnsweredAt != nil {
		duration = entity.ResolveDuration(*c.AnsweredAt, now, clientDurationSeconds, uc.config.DurationTolerance)
		update.DurationSeconds = &duration
	}

	applied, err := uc.transition(ctx, c, call.EventEnd, update)
	if err != nil || !applied {
		return uc.noop(c, err)
	}

	uc.rooms.Release(ctx, c.RoomID, c.CallID)
	if duration > 0 {
		uc.appendSummary(ctx, c, entity.CallOutcomeCompleted, duration, "")
	}

	zlog.C(ctx).Info("call ended",
		zap.String("call_id", c.CallID),
		zap.Uint64("ended_by", enderID),
		zap.Int64("duration_seconds", duration),
		zap.Int64("client_duration_seconds", clientDurationSeconds))

	return &in.CallResult{
		Call:    c,
		Outcome: in.OutcomeApplied,
		Delivery: uc.gateway.Publish(ctx, channel.UserChannel(c.Counterpart(enderID)), event.CallEnded{
			CallID:          c.CallID,
			Reason:          event.EndReasonEnded,
			EndedBy:         enderID,
			DurationSeconds: duration,
			EndedAt:         now.Unix(),
		}),
	}, nil
}

// GetCall 查询通话，供断线重连的客户端对账
func (uc *SignalingUseCaseImpl) GetCall(ctx context.Context, callID string, requesterID uint64) (*entity.Call, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(requesterID) {
		return nil, ErrNotCallParty
	}
	return c, nil
}

// ExpireCall 响铃超时转为未接，未到超时时间或已离开响铃状态时不做任何事
func (uc *SignalingUseCaseImpl) ExpireCall(ctx context.Context, callID string) (*in.CallResult, error) {
	c, err := uc.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	return uc.expire(ctx, c)
}

// ExpireRinging 扫描所有超时的响铃通话，返回本次转为未接的数量
func (uc *SignalingUseCaseImpl) ExpireRinging(ctx context.Context) (int, error) {
	cutoff := uc.config.Clock().Add(-uc.config.RingTimeout)
	calls, err := uc.calls.ListRingingBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list ringing calls failed: %w", err)
	}

	expired := 0
	for _, c := range calls {
		res, err := uc.expire(ctx, c)
		if err != nil {
			zlog.C(ctx).Warn("expire call failed", zap.String("call_id", c.CallID), zap.Error(err))
			continue
		}
		if res.Applied() {
			expired++
		}
	}
	return expired, nil
}

// PurgeTerminated 删除结束时间早于 retention 的终态通话
func (uc *SignalingUseCaseImpl) PurgeTerminated(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := uc.calls.DeleteTerminatedBefore(ctx, uc.config.Clock().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("delete terminated calls failed: %w", err)
	}
	return n, nil
}

// Close 停止所有响铃定时器，未处理的超时交给扫描
func (uc *SignalingUseCaseImpl) Close() {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	uc.closed = true
	for id, t := range uc.timers {
		t.Stop()
		delete(uc.timers, id)
	}
}

func (uc *SignalingUseCaseImpl) reject(ctx context.Context, c *entity.Call, reason string) (*in.CallResult, error) {
	now := uc.config.Clock()
	update := &entity.CallUpdate{EndedAt: &now, EndReason: "rejected"}
	if reason != "" {
		update.EndReason = "rejected: " + reason
	}
	applied, err := uc.transition(ctx, c, call.EventReject, update)
	if err != nil || !applied {
		return uc.noop(c, err)
	}
	uc.stopRingTimer(c.CallID)
	uc.rooms.Release(ctx, c.RoomID, c.CallID)
	uc.appendSummary(ctx, c, entity.CallOutcomeRejected, 0, reason)

	zlog.C(ctx).Info("call rejected", zap.String("call_id", c.CallID), zap.String("reason", reason))

	return &in.CallResult{
		Call:    c,
		Outcome: in.OutcomeApplied,
		Delivery: uc.gateway.Publish(ctx, channel.UserChannel(c.CallerID), event.CallRejected{
			CallID:   c.CallID,
			CalleeID: c.CalleeID,
			Reason:   reason,
		}),
	}, nil
}

func (uc *SignalingUseCaseImpl) cancel(ctx context.Context, c *entity.Call) (*in.CallResult, error) {
	now := uc.config.Clock()
	applied, err := uc.transition(ctx, c, call.EventCancel, &entity.CallUpdate{
		EndedAt:   &now,
		EndReason: string(event.EndReasonCancelled),
	})
	if err != nil || !applied {
		return uc.noop(c, err)
	}
	uc.stopRingTimer(c.CallID)
	uc.rooms.Release(ctx, c.RoomID, c.CallID)
	uc.appendSummary(ctx, c, entity.CallOutcomeCancelled, 0, "")

	zlog.C(ctx).Info("call cancelled", zap.String("call_id", c.CallID))

	return &in.CallResult{
		Call:    c,
		Outcome: in.OutcomeApplied,
		Delivery: uc.gateway.Publish(ctx, channel.UserChannel(c.CalleeID), event.CallEnded{
			CallID:  c.CallID,
			Reason:  event.EndReasonCancelled,
			EndedBy: c.CallerID,
			EndedAt: now.Unix(),
		}),
	}, nil
}

func (uc *SignalingUseCaseImpl) expire(ctx context.Context, c *entity.Call) (*in.CallResult, error) {
	now := uc.config.Clock()
	if !c.RingExpired(now, uc.config.RingTimeout) {
		return &in.CallResult{Call: c, Outcome: in.OutcomeNoop, Delivery: in.Undelivered("not expired")}, nil
	}
	applied, err := uc.transition(ctx, c, call.EventTimeout, &entity.CallUpdate{
		EndedAt:   &now,
		EndReason: string(event.EndReasonMissed),
	})
	if err != nil || !applied {
		return uc.noop(c, err)
	}
	uc.stopRingTimer(c.CallID)
	uc.rooms.Release(ctx, c.RoomID, c.CallID)
	uc.appendSummary(ctx, c, entity.CallOutcomeMissed, 0, "")

	zlog.C(ctx).Info("call missed", zap.String("call_id", c.CallID))

	// 主叫和被叫都要收到，被叫端用它收起来电界面
	return &in.CallResult{
		Call:    c,
		Outcome: in.OutcomeApplied,
		Delivery: uc.gateway.PublishMany(ctx,
			[]string{channel.UserChannel(c.CallerID), channel.UserChannel(c.CalleeID)},
			event.CallEnded{
				CallID:  c.CallID,
				Reason:  event.EndReasonMissed,
				EndedAt: now.Unix(),
			}),
	}, nil
}

// transition 通过条件更新执行一次状态转换
// 返回 false 表示通话已经被其他请求推进，c 会被刷新为最新状态
func (uc *SignalingUseCaseImpl) transition(ctx context.Context, c *entity.Call, ev call.Event, update *entity.CallUpdate) (bool, error) {
	to, err := call.Next(c.State, ev)
	if err != nil {
		// 已终态，或已接听后收到只对响铃有效的事件，都属于竞争失败
		if errors.Is(err, call.ErrCallTerminated) || c.State == call.StateAccepted {
			metrics.CallTransitions.WithLabelValues(string(c.State), string(in.OutcomeNoop)).Inc()
			return false, nil
		}
		return false, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, c.State)
	}

	update.To = to
	update.UpdatedAt = uc.config.Clock()
	ok, err := uc.calls.CompareAndSwap(ctx, c.CallID, c.State, update)
	if err != nil {
		return false, fmt.Errorf("update call state failed: %w", err)
	}
	if !ok {
		metrics.CallTransitions.WithLabelValues(string(to), string(in.OutcomeNoop)).Inc()
		latest, err := uc.calls.Get(ctx, c.CallID)
		if err != nil {
			return false, fmt.Errorf("reload call failed: %w", err)
		}
		if latest != nil {
			*c = *latest
		}
		zlog.C(ctx).Debug("call transition lost race",
			zap.String("call_id", c.CallID),
			zap.String("event", string(ev)),
			zap.String("state", string(c.State)))
		return false, nil
	}

	c.Apply(update)
	metrics.CallTransitions.WithLabelValues(string(to), string(in.OutcomeApplied)).Inc()
	return true, nil
}

func (uc *SignalingUseCaseImpl) noop(c *entity.Call, err error) (*in.CallResult, error) {
	if err != nil {
		return nil, err
	}
	return &in.CallResult{Call: c, Outcome: in.OutcomeNoop, Delivery: in.Undelivered("call already " + string(c.State))}, nil
}

func (uc *SignalingUseCaseImpl) existingInitiate(c *entity.Call, req *in.InitiateCallRequest) (*in.CallResult, error) {
	if c.CallerID != req.CallerID || c.CalleeID != req.CalleeID {
		return nil, fmt.Errorf("call %s: %w", c.CallID, out.ErrDuplicateCall)
	}
	return &in.CallResult{Call: c, Outcome: in.OutcomeNoop, Delivery: in.Undelivered("call already initiated")}, nil
}

func (uc *SignalingUseCaseImpl) load(ctx context.Context, callID string) (*entity.Call, error) {
	if callID == "" {
		return nil, ErrInvalidArgument
	}
	c, err := uc.calls.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("get call failed: %w", err)
	}
	if c == nil {
		return nil, ErrCallNotFound
	}
	return c, nil
}

func (uc *SignalingUseCaseImpl) checkConversation(ctx context.Context, conversationID uint64, userIDs ...uint64) error {
	conv, err := uc.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("get conversation failed: %w", err)
	}
	if conv == nil {
		return ErrConversationAbsent
	}
	for _, id := range userIDs {
		if !conv.HasParticipant(id) {
			return ErrNotParticipant
		}
	}
	return nil
}

func (uc *SignalingUseCaseImpl) appendSummary(ctx context.Context, c *entity.Call, outcome entity.CallOutcome, duration int64, reason string) {
	if uc.chatLog == nil || !c.HasConversation() {
		return
	}
	at := uc.config.Clock()
	if c.EndedAt != nil {
		at = *c.EndedAt
	}
	err := uc.chatLog.AppendCallSummary(ctx, &entity.CallSummary{
		ConversationID:  c.ConversationID,
		CallID:          c.CallID,
		CallerID:        c.CallerID,
		CalleeID:        c.CalleeID,
		Outcome:         outcome,
		DurationSeconds: duration,
		Reason:          reason,
		At:              at,
	})
	if err != nil {
		zlog.C(ctx).Warn("append call summary failed",
			zap.String("call_id", c.CallID),
			zap.Uint64("conversation_id", c.ConversationID),
			zap.Error(err))
	}
}

func (uc *SignalingUseCaseImpl) scheduleRingTimer(callID string, after time.Duration) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.closed {
		return
	}
	uc.timers[callID] = time.AfterFunc(after, func() {
		uc.mu.Lock()
		delete(uc.timers, callID)
		uc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := uc.ExpireCall(ctx, callID); err != nil {
			zap.L().Warn("ring timer expire failed", zap.String("call_id", callID), zap.Error(err))
		}
	})
}

func (uc *SignalingUseCaseImpl) stopRingTimer(callID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if t, ok := uc.timers[callID]; ok {
		t.Stop()
		delete(uc.timers, callID)
	}
}

// pendingTimers 当前挂起的响铃定时器数量
func (uc *SignalingUseCaseImpl) pendingTimers() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.timers)
}
