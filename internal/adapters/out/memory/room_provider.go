package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// RoomProvider 进程内视频房间，支持注入失败用于测试
type RoomProvider struct {
	mu          sync.Mutex
	rooms       map[string]*entity.Room
	ttl         time.Duration
	createErr   error
	deleteFails int
	deleteErr   error
	created     int
	deleted     int
}

var _ out.RoomProvider = (*RoomProvider)(nil)

func NewRoomProvider(ttl time.Duration) *RoomProvider {
	return &RoomProvider{rooms: make(map[string]*entity.Room), ttl: ttl}
}

// FailCreate 之后的 CreateRoom 都返回 err，传 nil 恢复
func (p *RoomProvider) FailCreate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
}

// FailDeletes 接下来 n 次 DeleteRoom 返回 err
func (p *RoomProvider) FailDeletes(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleteFails = n
	p.deleteErr = err
}

func (p *RoomProvider) CreateRoom(ctx context.Context, name string) (*entity.Room, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.createErr != nil {
		return nil, p.createErr
	}
	id := name + "-" + uuid.NewString()[:8]
	room := &entity.Room{ID: id, URL: "memory://rooms/" + id}
	if p.ttl > 0 {
		room.ExpiresAt = time.Now().Add(p.ttl)
	}
	p.rooms[id] = room
	p.created++
	cp := *room
	return &cp, nil
}

func (p *RoomProvider) DeleteRoom(ctx context.Context, roomID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleteFails > 0 {
		p.deleteFails--
		return p.deleteErr
	}
	if _, ok := p.rooms[roomID]; !ok {
		return out.ErrRoomNotFound
	}
	delete(p.rooms, roomID)
	p.deleted++
	return nil
}

// Exists 房间是否仍存在
func (p *RoomProvider) Exists(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rooms[roomID]
	return ok
}

// Stats 返回创建与成功删除次数
func (p *RoomProvider) Stats() (created, deleted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.deleted
}
