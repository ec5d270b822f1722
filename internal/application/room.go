package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/metrics"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

const (
	defaultRoomTimeout         = 5 * time.Second
	defaultTeardownMaxAttempts = 5
	defaultTeardownBackoff     = 2 * time.Second
)

// RoomConfig 房间管理配置
type RoomConfig struct {
	Timeout     time.Duration // 单次调用房间服务的超时
	MaxAttempts int           // 销毁重试上限（含首次）
	Backoff     time.Duration // 首次重试间隔，之后翻倍
	Clock       func() time.Time
}

// RoomManager 视频房间生命周期管理
type RoomManager struct {
	config   RoomConfig
	provider out.RoomProvider
	queue    out.TeardownQueue // 为 nil 时失败只记录日志
}

func NewRoomManager(config RoomConfig, provider out.RoomProvider, queue out.TeardownQueue) *RoomManager {
	if config.Timeout <= 0 {
		config.Timeout = defaultRoomTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultTeardownMaxAttempts
	}
	if config.Backoff <= 0 {
		config.Backoff = defaultTeardownBackoff
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &RoomManager{
		config:   config,
		provider: provider,
		queue:    queue,
	}
}

// Allocate 为通话创建房间，超时即失败
func (m *RoomManager) Allocate(ctx context.Context, callID string) (*entity.Room, error) {
	actx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	room, err := m.provider.CreateRoom(actx, "call-"+callID)
	if err != nil {
		metrics.RoomOps.WithLabelValues("create", "failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRoomAllocation, err)
	}
	if room == nil || room.ID == "" {
		metrics.RoomOps.WithLabelValues("create", "failed").Inc()
		return nil, fmt.Errorf("%w: provider returned empty room", ErrRoomAllocation)
	}
	metrics.RoomOps.WithLabelValues("create", "ok").Inc()
	return room, nil
}

// Destroy 删除房间，房间不存在视为成功，可以重复调用
func (m *RoomManager) Destroy(ctx context.Context, roomID string) error {
	if roomID == "" {
		return nil
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.Timeout)
	defer cancel()

	err := m.provider.DeleteRoom(dctx, roomID)
	switch {
	case err == nil:
		metrics.RoomOps.WithLabelValues("delete", "ok").Inc()
		return nil
	case errors.Is(err, out.ErrRoomNotFound):
		metrics.RoomOps.WithLabelValues("delete", "not_found").Inc()
		return nil
	default:
		metrics.RoomOps.WithLabelValues("delete", "failed").Inc()
		return fmt.Errorf("delete room %s failed: %w", roomID, err)
	}
}

// Release 终态转换后的房间回收，失败转入异步重试，从不阻塞调用方
func (m *RoomManager) Release(ctx context.Context, roomID, callID string) {
	err := m.Destroy(ctx, roomID)
	if err == nil {
		return
	}
	zlog.C(ctx).Warn("destroy room failed, scheduling retry",
		zap.String("room_id", roomID),
		zap.String("call_id", callID),
		zap.Error(err))
	m.schedule(ctx, &entity.TeardownTask{RoomID: roomID, CallID: callID, Attempt: 1})
}

// HandleTeardown 重试队列的消费回调
func (m *RoomManager) HandleTeardown(ctx context.Context, task *entity.TeardownTask) error {
	if wait := task.NotBefore.Sub(m.config.Clock()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	err := m.Destroy(ctx, task.RoomID)
	if err == nil {
		zlog.C(ctx).Info("room destroyed on retry",
			zap.String("room_id", task.RoomID),
			zap.String("call_id", task.CallID),
			zap.Int("attempt", task.Attempt+1))
		return nil
	}

	next := *task
	next.Attempt++
	if next.Attempt >= m.config.MaxAttempts {
		metrics.RoomOps.WithLabelValues("delete", "abandoned").Inc()
		zlog.C(ctx).Error("give up destroying room",
			zap.String("room_id", task.RoomID),
			zap.String("call_id", task.CallID),
			zap.Int("attempts", next.Attempt),
			zap.Error(err))
		return nil
	}
	m.schedule(ctx, &next)
	return nil
}

// RunTeardownWorker 阻塞消费重试队列直到 ctx 结束
func (m *RoomManager) RunTeardownWorker(ctx context.Context) error {
	if m.queue == nil {
		<-ctx.Done()
		return nil
	}
	if err := m.queue.Consume(ctx, m.HandleTeardown); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume teardown queue failed: %w", err)
	}
	return nil
}

func (m *RoomManager) schedule(ctx context.Context, task *entity.TeardownTask) {
	if m.queue == nil {
		return
	}
	// 第 n 次重试等待 backoff * 2^(n-1)
	delay := m.config.Backoff << uint(task.Attempt-1)
	task.NotBefore = m.config.Clock().Add(delay)

	if err := m.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		zlog.C(ctx).Error("enqueue room teardown failed",
			zap.String("room_id", task.RoomID),
			zap.String("call_id", task.CallID),
			zap.Error(err))
	}
}
