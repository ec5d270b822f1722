package entity

import "time"

// DefaultStalenessWindow 默认心跳失效窗口
const DefaultStalenessWindow = 120 * time.Second

// UserPresence 用户在线状态（存储行）
type UserPresence struct {
	UserID     uint64    `json:"user_id"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// EffectivelyOnline 存储标记在线且最后心跳仍在窗口内
func (p *UserPresence) EffectivelyOnline(now time.Time, window time.Duration) bool {
	if p == nil || !p.IsOnline || p.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(p.LastSeenAt) < window
}

// PresenceView 对外返回的派生在线状态
type PresenceView struct {
	UserID     uint64     `json:"user_id"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// View 计算派生状态
func (p *UserPresence) View(now time.Time, window time.Duration) PresenceView {
	v := PresenceView{UserID: p.UserID, Online: p.EffectivelyOnline(now, window)}
	if !p.LastSeenAt.IsZero() {
		seen := p.LastSeenAt
		v.LastSeenAt = &seen
	}
	return v
}
