package out

import (
	"context"
	"errors"
)

var ErrProviderUnavailable = errors.New("pubsub provider unavailable")

// Publication 一次待发布的频道消息
type Publication struct {
	Channel string
	Event   string
	Payload []byte
}

// PubSubProvider 外部发布订阅服务
type PubSubProvider interface {
	// Publish 发布单条事件
	Publish(ctx context.Context, p Publication) error
	// PublishBatch 批量发布，同一频道内保持调用顺序
	PublishBatch(ctx context.Context, ps []Publication) error
	// Members 查询 presence 频道当前订阅者
	Members(ctx context.Context, channel string) ([]uint64, error)
}

// Message 订阅端收到的一条频道消息，Payload 为事件外壳 JSON
type Message struct {
	Channel string
	Payload []byte
}

// Subscription 单个客户端连接上的订阅
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages 连接关闭后 channel 被关闭
	Messages() <-chan Message
	Close() error
}

// Broker WebSocket 网关使用的订阅侧能力
type Broker interface {
	PubSubProvider
	NewSubscription(ctx context.Context) (Subscription, error)
	// Join / Leave 维护 presence 频道花名册，同一用户多连接按引用计数
	Join(ctx context.Context, channel string, userID uint64) error
	Leave(ctx context.Context, channel string, userID uint64) error
}
