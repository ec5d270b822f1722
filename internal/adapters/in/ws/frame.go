package ws

import "encoding/json"

// FrameType WebSocket 帧类型
type FrameType string

const (
	// 客户端帧
	FrameTypePing        FrameType = "ping"
	FrameTypeSubscribe   FrameType = "subscribe"
	FrameTypeUnsubscribe FrameType = "unsubscribe"
	FrameTypeCommand     FrameType = "command"

	// 服务端帧
	FrameTypePong         FrameType = "pong"
	FrameTypeEvent        FrameType = "event"
	FrameTypeAck          FrameType = "ack"
	FrameTypeSubscribed   FrameType = "subscribed"
	FrameTypeUnsubscribed FrameType = "unsubscribed"
	FrameTypeConnected    FrameType = "connected"
	FrameTypeError        FrameType = "error"
)

// Frame 上下行共用的帧结构
// command 帧用 Action + Data 携带指令；event 帧的 Data 是频道事件外壳
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"` // 客户端请求ID，回包原样带回
	Channel string          `json:"channel,omitempty"`
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
}
