package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/metrics"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

const defaultPublishTimeout = 3 * time.Second

// PubSubGateway 发布订阅网关，隔离外部服务的 API
type PubSubGateway struct {
	provider      out.PubSubProvider // 为 nil 表示未配置
	conversations out.ConversationRepository
	timeout       time.Duration
}

// NewPubSubGateway 创建网关，provider 可以为 nil
func NewPubSubGateway(provider out.PubSubProvider, conversations out.ConversationRepository, timeout time.Duration) *PubSubGateway {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubGateway{
		provider:      provider,
		conversations: conversations,
		timeout:       timeout,
	}
}

// Publish 发布单条事件，失败只记录日志
func (g *PubSubGateway) Publish(ctx context.Context, ch string, e event.Event) in.Delivery {
	return g.PublishMany(ctx, []string{ch}, e)
}

// PublishMany 同一事件扇出到多个频道，一次批量调用
func (g *PubSubGateway) PublishMany(ctx context.Context, channels []string, e event.Event) in.Delivery {
	name := string(e.EventName())
	if len(channels) == 0 {
		return in.Delivered()
	}
	if g.provider == nil {
		metrics.Publishes.WithLabelValues(name, "unconfigured").Inc()
		return in.Undelivered("pubsub provider not configured")
	}

	pubs := make([]out.Publication, 0, len(channels))
	for _, ch := range channels {
		env, err := event.Seal(ch, e)
		if err != nil {
			return g.failed(ctx, name, channels, err)
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return g.failed(ctx, name, channels, fmt.Errorf("marshal envelope failed: %w", err))
		}
		pubs = append(pubs, out.Publication{Channel: ch, Event: name, Payload: payload})
	}

	// 状态已经落库，请求方断开也要把事件发出去
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	var err error
	if len(pubs) == 1 {
		err = g.provider.Publish(pubCtx, pubs[0])
	} else {
		err = g.provider.PublishBatch(pubCtx, pubs)
	}
	if err != nil {
		return g.failed(ctx, name, channels, err)
	}

	metrics.Publishes.WithLabelValues(name, "ok").Inc()
	return in.Delivered()
}

func (g *PubSubGateway) failed(ctx context.Context, name string, channels []string, err error) in.Delivery {
	metrics.Publishes.WithLabelValues(name, "failed").Inc()
	zlog.C(ctx).Warn("publish event failed",
		zap.String("event", name),
		zap.Strings("channels", channels),
		zap.Error(err))
	return in.Undelivered(err.Error())
}

// AuthorizeSubscription 订阅鉴权
// private-user-{id} 只允许本人；presence-conversation-{id} 只允许会话成员
func (g *PubSubGateway) AuthorizeSubscription(ctx context.Context, userID uint64, channelName string) error {
	ch, err := channel.Parse(channelName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubscriptionDenied, err)
	}

	switch ch.Kind {
	case channel.KindPrivate:
		if ch.OwnerID != userID {
			return ErrSubscriptionDenied
		}
		return nil
	case channel.KindPresence:
		ok, err := g.conversations.IsParticipant(ctx, ch.OwnerID, userID)
		if err != nil {
			return fmt.Errorf("check participant failed: %w", err)
		}
		if !ok {
			return ErrSubscriptionDenied
		}
		return nil
	default:
		return ErrSubscriptionDenied
	}
}

// Members 查询会话频道当前订阅者，provider 未配置时返回空
func (g *PubSubGateway) Members(ctx context.Context, conversationID uint64) ([]uint64, error) {
	if g.provider == nil {
		return []uint64{}, nil
	}
	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	members, err := g.provider.Members(qctx, channel.ConversationChannel(conversationID))
	if err != nil {
		return nil, fmt.Errorf("list channel members failed: %w", err)
	}
	return members, nil
}
