package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/EthanQC/realtime/internal/domain/call"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// CallRepository 进程内通话仓储，条件更新在同一把锁下完成
type CallRepository struct {
	mu    sync.RWMutex
	calls map[string]*entity.Call
}

var _ out.CallRepository = (*CallRepository)(nil)

func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[string]*entity.Call)}
}

func (r *CallRepository) Create(ctx context.Context, c *entity.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[c.CallID]; ok {
		return out.ErrDuplicateCall
	}
	r.calls[c.CallID] = cloneCall(c)
	return nil
}

func (r *CallRepository) Get(ctx context.Context, callID string) (*entity.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.calls[callID]
	if !ok {
		return nil, nil
	}
	return cloneCall(c), nil
}

func (r *CallRepository) CompareAndSwap(ctx context.Context, callID string, from call.State, update *entity.CallUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok || c.State != from {
		return false, nil
	}
	c.Apply(update)
	return true, nil
}

func (r *CallRepository) ListRingingBefore(ctx context.Context, startedBefore time.Time, limit int) ([]*entity.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*entity.Call, 0)
	for _, c := range r.calls {
		if c.State == call.StateRinging && !c.StartedAt.After(startedBefore) {
			result = append(result, cloneCall(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *CallRepository) DeleteTerminatedBefore(ctx context.Context, endedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, c := range r.calls {
		if c.State.IsTerminal() && c.EndedAt != nil && c.EndedAt.Before(endedBefore) {
			delete(r.calls, id)
			n++
		}
	}
	return n, nil
}

func cloneCall(c *entity.Call) *entity.Call {
	cp := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		cp.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	if c.DurationSeconds != nil {
		d := *c.DurationSeconds
		cp.DurationSeconds = &d
	}
	return &cp
}
