package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

var ErrQueueClosed = errors.New("teardown queue closed")

// TeardownQueue 进程内重试队列，未配置 Kafka 时使用，进程退出后任务丢失
type TeardownQueue struct {
	tasks     chan *entity.TeardownTask
	done      chan struct{}
	closeOnce sync.Once
}

var _ out.TeardownQueue = (*TeardownQueue)(nil)

func NewTeardownQueue(size int) *TeardownQueue {
	if size <= 0 {
		size = 1024
	}
	return &TeardownQueue{
		tasks: make(chan *entity.TeardownTask, size),
		done:  make(chan struct{}),
	}
}

func (q *TeardownQueue) Enqueue(ctx context.Context, task *entity.TeardownTask) error {
	cp := *task
	select {
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case q.tasks <- &cp:
		return nil
	}
}

func (q *TeardownQueue) Consume(ctx context.Context, handler out.TeardownHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// Len 当前积压的任务数
func (q *TeardownQueue) Len() int {
	return len(q.tasks)
}

func (q *TeardownQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
