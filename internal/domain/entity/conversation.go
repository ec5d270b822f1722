package entity

import "time"

// Conversation 会话（由持久化协作方维护，这里只读成员关系）
type Conversation struct {
	ID             uint64
	ParticipantIDs []uint64
	CreatedAt      time.Time
}

// HasParticipant 是否为会话成员
func (c *Conversation) HasParticipant(userID uint64) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant 会话成员读游标
type Participant struct {
	ConversationID uint64
	UserID         uint64
	LastReadAt     *time.Time
}

// UserProfile 用于事件展示的用户资料
type UserProfile struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// MessageNotice 新消息通知所需的消息标识
type MessageNotice struct {
	MessageID      uint64    `json:"message_id"`
	ConversationID uint64    `json:"conversation_id"`
	SenderID       uint64    `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}
