package out

import (
	"context"
	"errors"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomProvider 外部视频房间服务
type RoomProvider interface {
	// CreateRoom 创建房间
	CreateRoom(ctx context.Context, name string) (*entity.Room, error)
	// DeleteRoom 删除房间，房间不存在返回 ErrRoomNotFound
	DeleteRoom(ctx context.Context, roomID string) error
}

// TeardownHandler 处理一次销毁重试
type TeardownHandler func(ctx context.Context, task *entity.TeardownTask) error

// TeardownQueue 房间销毁重试队列
type TeardownQueue interface {
	// Enqueue 投递重试任务
	Enqueue(ctx context.Context, task *entity.TeardownTask) error
	// Consume 阻塞消费直到 ctx 结束
	Consume(ctx context.Context, handler TeardownHandler) error
	// Close 释放底层连接
	Close() error
}
