package memory

import (
	"context"
	"sync"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// PresenceRepository 进程内在线状态
type PresenceRepository struct {
	mu   sync.RWMutex
	rows map[uint64]entity.UserPresence
}

var _ out.PresenceRepository = (*PresenceRepository)(nil)

func NewPresenceRepository() *PresenceRepository {
	return &PresenceRepository{rows: make(map[uint64]entity.UserPresence)}
}

func (r *PresenceRepository) Upsert(ctx context.Context, p *entity.UserPresence) (*entity.UserPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prev *entity.UserPresence
	if row, ok := r.rows[p.UserID]; ok {
		prev = &row
	}
	r.rows[p.UserID] = *p
	return prev, nil
}

func (r *PresenceRepository) GetMany(ctx context.Context, userIDs []uint64) (map[uint64]*entity.UserPresence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[uint64]*entity.UserPresence, len(userIDs))
	for _, id := range userIDs {
		if row, ok := r.rows[id]; ok {
			row := row
			result[id] = &row
		}
	}
	return result, nil
}
