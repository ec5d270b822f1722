package entity

import (
	"time"

	"github.com/EthanQC/realtime/internal/domain/call"
)

// Call 通话聚合根
type Call struct {
	CallID          string     `json:"call_id"`
	CallerID        uint64     `json:"caller_id"`
	CalleeID        uint64     `json:"callee_id"`
	ConversationID  uint64     `json:"conversation_id,omitempty"` // 0 表示不关联会话
	RoomID          string     `json:"room_id"`
	RoomURL         string     `json:"room_url,omitempty"`
	State           call.State `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewCall 创建处于 initiating 状态的通话
func NewCall(callID string, callerID, calleeID, conversationID uint64, now time.Time) *Call {
	return &Call{
		CallID:         callID,
		CallerID:       callerID,
		CalleeID:       calleeID,
		ConversationID: conversationID,
		State:          call.StateInitiating,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// IsParty 是否为通话一方
func (c *Call) IsParty(userID uint64) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Counterpart 返回另一方用户ID
func (c *Call) Counterpart(userID uint64) uint64 {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// HasConversation 是否关联了会话
func (c *Call) HasConversation() bool {
	return c.ConversationID != 0
}

// RingExpired 响铃是否已超时
func (c *Call) RingExpired(now time.Time, ringTimeout time.Duration) bool {
	return c.State == call.StateRinging && now.Sub(c.StartedAt) >= ringTimeout
}

// Apply 把一次已经落库成功的条件更新同步到内存实体
func (c *Call) Apply(u *CallUpdate) {
	c.State = u.To
	if u.AnsweredAt != nil {
		c.AnsweredAt = u.AnsweredAt
	}
	if u.EndedAt != nil {
		c.EndedAt = u.EndedAt
	}
	if u.DurationSeconds != nil {
		c.DurationSeconds = u.DurationSeconds
	}
	if u.EndReason != "" {
		c.EndReason = u.EndReason
	}
	c.UpdatedAt = u.UpdatedAt
}

// CallUpdate 条件更新的写入内容
type CallUpdate struct {
	To              call.State
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	EndReason       string
	UpdatedAt       time.Time
}

// ResolveDuration 计算通话时长（秒）
// 服务端时长为准；客户端上报值与其相差不超过 tolerance 时采用客户端值
func ResolveDuration(answeredAt, endedAt time.Time, clientReported int64, tolerance time.Duration) int64 {
	server := int64(endedAt.Sub(answeredAt) / time.Second)
	if server < 0 {
		server = 0
	}
	if clientReported <= 0 {
		return server
	}
	diff := clientReported - server
	if diff < 0 {
		diff = -diff
	}
	// 按秒比较，客户端值过大时乘法会溢出
	if diff > int64(tolerance/time.Second) {
		return server
	}
	return clientReported
}
