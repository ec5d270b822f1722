package entity

import "time"

// Room 视频房间
type Room struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// TeardownTask 待重试的房间销毁任务
type TeardownTask struct {
	RoomID    string    `json:"room_id"`
	CallID    string    `json:"call_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before"`
}

// CallOutcome 写入聊天记录的通话结果
type CallOutcome string

const (
	CallOutcomeCompleted CallOutcome = "completed"
	CallOutcomeRejected  CallOutcome = "rejected"
	CallOutcomeMissed    CallOutcome = "missed"
	CallOutcomeCancelled CallOutcome = "cancelled"
)

// CallSummary 通话摘要消息
type CallSummary struct {
	ConversationID  uint64      `json:"conversation_id"`
	CallID          string      `json:"call_id"`
	CallerID        uint64      `json:"caller_id"`
	CalleeID        uint64      `json:"callee_id"`
	Outcome         CallOutcome `json:"outcome"`
	DurationSeconds int64       `json:"duration_seconds,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	At              time.Time   `json:"at"`
}
