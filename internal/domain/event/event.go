package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Name 事件标签
type Name string

const (
	NameIncomingCall      Name = "incoming-call"
	NameCallAccepted      Name = "call-accepted"
	NameCallRejected      Name = "call-rejected"
	NameCallEnded         Name = "call-ended"
	NameNewMessage        Name = "new-message"
	NameMessagesRead      Name = "messages-read"
	NameUserTyping        Name = "user-typing"
	NameUserStoppedTyping Name = "user-stopped-typing"
	NamePresenceChanged   Name = "presence-changed"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event 服务端下发事件，集合封闭
type Event interface {
	EventName() Name
}

// EndReason call-ended 的原因
type EndReason string

const (
	EndReasonEnded     EndReason = "ended"
	EndReasonCancelled EndReason = "cancelled"
	EndReasonMissed    EndReason = "missed"
)

// IncomingCall 来电
type IncomingCall struct {
	CallID         string `json:"call_id"`
	CallerID       uint64 `json:"caller_id"`
	CallerName     string `json:"caller_name"`
	CallerImage    string `json:"caller_image,omitempty"`
	RoomID         string `json:"room_id"`
	RoomURL        string `json:"room_url,omitempty"`
	ConversationID uint64 `json:"conversation_id,omitempty"`
	StartedAt      int64  `json:"started_at"`
}

// CallAccepted 被叫已接听
type CallAccepted struct {
	CallID     string `json:"call_id"`
	CalleeID   uint64 `json:"callee_id"`
	RoomID     string `json:"room_id"`
	AnsweredAt int64  `json:"answered_at"`
}

// CallRejected 被叫已拒绝
type CallRejected struct {
	CallID   string `json:"call_id"`
	CalleeID uint64 `json:"callee_id"`
	Reason   string `json:"reason,omitempty"`
}

// CallEnded 通话结束（挂断/取消/未接）
type CallEnded struct {
	CallID          string    `json:"call_id"`
	Reason          EndReason `json:"reason"`
	EndedBy         uint64    `json:"ended_by,omitempty"`
	DurationSeconds int64     `json:"duration_seconds,omitempty"`
	EndedAt         int64     `json:"ended_at"`
}

// NewMessage 新消息通知，只携带消息标识
type NewMessage struct {
	MessageID      uint64 `json:"message_id"`
	ConversationID uint64 `json:"conversation_id"`
	SenderID       uint64 `json:"sender_id"`
	CreatedAt      int64  `json:"created_at"`
}

// MessagesRead 已读回执
type MessagesRead struct {
	ConversationID uint64 `json:"conversation_id"`
	UserID         uint64 `json:"user_id"`
	ReadAt         int64  `json:"read_at"`
}

// Typing 正在输入；IsTyping 决定事件标签
type Typing struct {
	ConversationID uint64 `json:"conversation_id"`
	UserID         uint64 `json:"user_id"`
	UserName       string `json:"user_name"`
	UserImage      string `json:"user_image,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// PresenceChanged 在线状态变化
type PresenceChanged struct {
	UserID     uint64 `json:"user_id"`
	Online     bool   `json:"online"`
	LastSeenAt int64  `json:"last_seen_at"`
}

func (IncomingCall) EventName() Name    { return NameIncomingCall }
func (CallAccepted) EventName() Name    { return NameCallAccepted }
func (CallRejected) EventName() Name    { return NameCallRejected }
func (CallEnded) EventName() Name       { return NameCallEnded }
func (NewMessage) EventName() Name      { return NameNewMessage }
func (MessagesRead) EventName() Name    { return NameMessagesRead }
func (PresenceChanged) EventName() Name { return NamePresenceChanged }

func (t Typing) EventName() Name {
	if t.IsTyping {
		return NameUserTyping
	}
	return NameUserStoppedTyping
}

// Envelope 频道上的消息外壳
type Envelope struct {
	Channel string          `json:"channel"`
	Event   Name            `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// Seal 编码事件为外壳
func Seal(channel string, e Event) (*Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event failed: %w", e.EventName(), err)
	}
	return &Envelope{Channel: channel, Event: e.EventName(), Data: data}, nil
}

// Open 按标签解码外壳内的事件
func (env *Envelope) Open() (Event, error) {
	var target Event
	switch env.Event {
	case NameIncomingCall:
		target = &IncomingCall{}
	case NameCallAccepted:
		target = &CallAccepted{}
	case NameCallRejected:
		target = &CallRejected{}
	case NameCallEnded:
		target = &CallEnded{}
	case NameNewMessage:
		target = &NewMessage{}
	case NameMessagesRead:
		target = &MessagesRead{}
	case NameUserTyping, NameUserStoppedTyping:
		target = &Typing{}
	case NamePresenceChanged:
		target = &PresenceChanged{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}

	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("unmarshal %s event failed: %w", env.Event, err)
	}

	// 标签为准，防止 data 里的 is_typing 与标签不一致
	if t, ok := target.(*Typing); ok {
		t.IsTyping = env.Event == NameUserTyping
	}
	return target, nil
}
