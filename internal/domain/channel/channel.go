package channel

import (
	"errors"
	"strconv"
	"strings"
)

// Kind 频道能力类型
type Kind string

const (
	KindPrivate  Kind = "private"  // 私有频道，仅归属用户可订阅
	KindPresence Kind = "presence" // 在线频道，可查询订阅成员
)

const (
	conversationPrefix = "presence-conversation-"
	userPrefix         = "private-user-"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Channel 解析后的频道
type Channel struct {
	Name    string
	Kind    Kind
	OwnerID uint64 // private 频道的用户ID，或 presence 频道的会话ID
}

// ConversationChannel 会话频道名
func ConversationChannel(conversationID uint64) string {
	return conversationPrefix + strconv.FormatUint(conversationID, 10)
}

// UserChannel 用户私有频道名
func UserChannel(userID uint64) string {
	return userPrefix + strconv.FormatUint(userID, 10)
}

// Parse 从频道名还原出频道类型和归属ID
func Parse(name string) (Channel, error) {
	var (
		kind Kind
		raw  string
	)
	switch {
	case strings.HasPrefix(name, conversationPrefix):
		kind, raw = KindPresence, strings.TrimPrefix(name, conversationPrefix)
	case strings.HasPrefix(name, userPrefix):
		kind, raw = KindPrivate, strings.TrimPrefix(name, userPrefix)
	default:
		return Channel{}, ErrUnknownChannel
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return Channel{}, ErrUnknownChannel
	}
	return Channel{Name: name, Kind: kind, OwnerID: id}, nil
}

// IsPresence 是否为在线频道
func (c Channel) IsPresence() bool {
	return c.Kind == KindPresence
}
