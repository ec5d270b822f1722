package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/realtime/internal/ports/out"
)

// presence 频道花名册，hash: userID -> 连接数
const rosterKeyPrefix = keyPrefix + "roster:"

// 花名册在没有任何 Join 刷新时的过期时间，防止进程崩溃后残留
const rosterTTL = 24 * time.Hour

// Lua脚本：连接数减一，归零时删除该用户
var leaveRosterScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
    redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// PubSubProvider 基于 Redis PUBLISH/SUBSCRIBE 的自托管发布订阅
type PubSubProvider struct {
	client *redis.Client
}

var _ out.Broker = (*PubSubProvider)(nil)

func NewPubSubProvider(client *redis.Client) *PubSubProvider {
	return &PubSubProvider{client: client}
}

func (p *PubSubProvider) Publish(ctx context.Context, pub out.Publication) error {
	if err := p.client.Publish(ctx, pub.Channel, pub.Payload).Err(); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

// PublishBatch 一次往返发出所有消息，pipeline 保持命令顺序
func (p *PubSubProvider) PublishBatch(ctx context.Context, pubs []out.Publication) error {
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, pub := range pubs {
			pipe.Publish(ctx, pub.Channel, pub.Payload)
		}
		return nil
	})
	if err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (p *PubSubProvider) Members(ctx context.Context, channel string) ([]uint64, error) {
	keys, err := p.client.HKeys(ctx, rosterKeyPrefix+channel).Result()
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	members := make([]uint64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (p *PubSubProvider) Join(ctx context.Context, channel string, userID uint64) error {
	key := rosterKeyPrefix + channel
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, strconv.FormatUint(userID, 10), 1)
		pipe.Expire(ctx, key, rosterTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("join roster %s: %w", channel, err)
	}
	return nil
}

func (p *PubSubProvider) Leave(ctx context.Context, channel string, userID uint64) error {
	err := leaveRosterScript.Run(ctx, p.client, []string{rosterKeyPrefix + channel}, strconv.FormatUint(userID, 10)).Err()
	if err != nil {
		return fmt.Errorf("leave roster %s: %w", channel, err)
	}
	return nil
}

func (p *PubSubProvider) NewSubscription(ctx context.Context) (out.Subscription, error) {
	ps := p.client.Subscribe(ctx)
	s := &subscription{
		ps:       ps,
		messages: make(chan out.Message, 256),
		done:     make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

type subscription struct {
	ps        *redis.PubSub
	messages  chan out.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) pump() {
	defer close(s.messages)
	for m := range s.ps.Channel() {
		select {
		case s.messages <- out.Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := s.ps.Unsubscribe(ctx, channels...); err != nil {
		return wrapUnavailable(err)
	}
	return nil
}

func (s *subscription) Messages() <-chan out.Message {
	return s.messages
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// wrapUnavailable 网络类错误归为 provider 不可用
func wrapUnavailable(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", out.ErrProviderUnavailable, err)
	}
	return err
}
