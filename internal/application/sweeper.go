package application

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 5 * time.Second

// CallSweeper 周期扫描超时响铃并清理过期通话记录
// 进程内定时器只是加速，跨进程和重启后以扫描为准
type CallSweeper struct {
	signaling *SignalingUseCaseImpl
	interval  time.Duration
	retention time.Duration // 为 0 时不清理
}

func NewCallSweeper(signaling *SignalingUseCaseImpl, interval, retention time.Duration) *CallSweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &CallSweeper{
		signaling: signaling,
		interval:  interval,
		retention: retention,
	}
}

// Run 阻塞运行直到 ctx 结束
func (s *CallSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮扫描
func (s *CallSweeper) SweepOnce(ctx context.Context) {
	n, err := s.signaling.ExpireRinging(ctx)
	if err != nil {
		zap.L().Warn("sweep ringing calls failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("ringing calls expired", zap.Int("count", n))
	}

	if s.retention <= 0 {
		return
	}
	purged, err := s.signaling.PurgeTerminated(ctx, s.retention)
	if err != nil {
		zap.L().Warn("purge terminated calls failed", zap.Error(err))
	} else if purged > 0 {
		zap.L().Debug("terminated calls purged", zap.Int64("count", purged))
	}
}
