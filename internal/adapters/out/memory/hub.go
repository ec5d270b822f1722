package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/EthanQC/realtime/internal/ports/out"
)

// Hub 单进程发布订阅，开发环境与测试使用
// 同时记录所有发布，便于断言
type Hub struct {
	mu        sync.Mutex
	subs      map[string]map[*hubSubscription]struct{}
	roster    map[string]map[uint64]int
	published []out.Publication
	failWith  error
}

var _ out.Broker = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*hubSubscription]struct{}),
		roster: make(map[string]map[uint64]int),
	}
}

// Fail 之后的发布都返回 err，传 nil 恢复
func (h *Hub) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failWith = err
}

// Published 返回已成功发布的消息副本
func (h *Hub) Published() []out.Publication {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]out.Publication(nil), h.published...)
}

// PublishedTo 返回发往某个频道的事件名
func (h *Hub) PublishedTo(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0)
	for _, p := range h.published {
		if p.Channel == channel {
			names = append(names, p.Event)
		}
	}
	return names
}

func (h *Hub) Publish(ctx context.Context, p out.Publication) error {
	return h.PublishBatch(ctx, []out.Publication{p})
}

func (h *Hub) PublishBatch(ctx context.Context, ps []out.Publication) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failWith != nil {
		return h.failWith
	}
	for _, p := range ps {
		h.published = append(h.published, p)
		for s := range h.subs[p.Channel] {
			s.deliver(out.Message{Channel: p.Channel, Payload: p.Payload})
		}
	}
	return nil
}

func (h *Hub) Members(ctx context.Context, channel string) ([]uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]uint64, 0, len(h.roster[channel]))
	for id := range h.roster[channel] {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (h *Hub) Join(ctx context.Context, channel string, userID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.roster[channel] == nil {
		h.roster[channel] = make(map[uint64]int)
	}
	h.roster[channel][userID]++
	return nil
}

func (h *Hub) Leave(ctx context.Context, channel string, userID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.roster[channel]
	if m == nil {
		return nil
	}
	if m[userID] <= 1 {
		delete(m, userID)
	} else {
		m[userID]--
	}
	if len(m) == 0 {
		delete(h.roster, channel)
	}
	return nil
}

func (h *Hub) NewSubscription(ctx context.Context) (out.Subscription, error) {
	return &hubSubscription{
		hub:      h,
		channels: make(map[string]struct{}),
		messages: make(chan out.Message, 256),
	}, nil
}

type hubSubscription struct {
	hub      *Hub
	channels map[string]struct{} // 受 hub.mu 保护
	messages chan out.Message
	closed   bool
}

// deliver 在 hub.mu 下调用，慢消费者直接丢弃
func (s *hubSubscription) deliver(m out.Message) {
	if s.closed {
		return
	}
	select {
	case s.messages <- m:
	default:
	}
}

func (s *hubSubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	for _, ch := range channels {
		if s.hub.subs[ch] == nil {
			s.hub.subs[ch] = make(map[*hubSubscription]struct{})
		}
		s.hub.subs[ch][s] = struct{}{}
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *hubSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	for _, ch := range channels {
		s.remove(ch)
	}
	return nil
}

func (s *hubSubscription) Messages() <-chan out.Message {
	return s.messages
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.closed {
		return nil
	}
	for ch := range s.channels {
		s.remove(ch)
	}
	s.closed = true
	close(s.messages)
	return nil
}

func (s *hubSubscription) remove(ch string) {
	delete(s.channels, ch)
	if m := s.hub.subs[ch]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(s.hub.subs, ch)
		}
	}
}
