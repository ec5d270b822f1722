package memory

import (
	"context"
	"sync"
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// UserDirectory 进程内用户资料
type UserDirectory struct {
	mu       sync.RWMutex
	profiles map[uint64]entity.UserProfile
}

var _ out.UserDirectory = (*UserDirectory)(nil)

func NewUserDirectory() *UserDirectory {
	return &UserDirectory{profiles: make(map[uint64]entity.UserProfile)}
}

func (d *UserDirectory) Put(p entity.UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *UserDirectory) GetProfile(ctx context.Context, userID uint64) (*entity.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// ChatLog 进程内通话摘要记录
type ChatLog struct {
	mu        sync.Mutex
	summaries []entity.CallSummary
}

var _ out.ChatLogWriter = (*ChatLog)(nil)

func NewChatLog() *ChatLog {
	return &ChatLog{}
}

func (l *ChatLog) AppendCallSummary(ctx context.Context, summary *entity.CallSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries = append(l.summaries, *summary)
	return nil
}

// Summaries 返回已写入的摘要副本
func (l *ChatLog) Summaries() []entity.CallSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entity.CallSummary(nil), l.summaries...)
}

// NoticeDeduper 进程内消息通知去重，过期时间到后允许再次通知
type NoticeDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock func() time.Time
	seen  map[uint64]time.Time
}

var _ out.NoticeDeduper = (*NoticeDeduper)(nil)

func NewNoticeDeduper(ttl time.Duration) *NoticeDeduper {
	return &NoticeDeduper{ttl: ttl, clock: time.Now, seen: make(map[uint64]time.Time)}
}

func (d *NoticeDeduper) FirstNotice(ctx context.Context, messageID uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if at, ok := d.seen[messageID]; ok && (d.ttl <= 0 || now.Sub(at) < d.ttl) {
		return false, nil
	}
	d.seen[messageID] = now
	return true, nil
}

func (d *NoticeDeduper) Forget(ctx context.Context, messageID uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, messageID)
	return nil
}
