package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action 客户端指令标签
type Action string

const (
	ActionHeartbeat    Action = "heartbeat"
	ActionGoOffline    Action = "go_offline"
	ActionTyping       Action = "typing"
	ActionMarkRead     Action = "mark_read"
	ActionCallInitiate Action = "call_initiate"
	ActionCallAccept   Action = "call_accept"
	ActionCallReject   Action = "call_reject"
	ActionCallCancel   Action = "call_cancel"
	ActionCallEnd      Action = "call_end"
)

var ErrUnknownAction = errors.New("unknown action")

// Command 客户端上行指令，集合封闭
type Command interface {
	CommandAction() Action
}

type Heartbeat struct{}

type GoOffline struct{}

type SetTyping struct {
	ConversationID uint64 `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type MarkRead struct {
	ConversationID uint64 `json:"conversation_id"`
}

type InitiateCall struct {
	CallID         string `json:"call_id,omitempty"`
	CalleeID       uint64 `json:"callee_id"`
	ConversationID uint64 `json:"conversation_id,omitempty"`
}

type AcceptCall struct {
	CallID string `json:"call_id"`
}

type RejectCall struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type CancelCall struct {
	CallID string `json:"call_id"`
}

type EndCall struct {
	CallID          string `json:"call_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (Heartbeat) CommandAction() Action    { return ActionHeartbeat }
func (GoOffline) CommandAction() Action    { return ActionGoOffline }
func (SetTyping) CommandAction() Action    { return ActionTyping }
func (MarkRead) CommandAction() Action     { return ActionMarkRead }
func (InitiateCall) CommandAction() Action { return ActionCallInitiate }
func (AcceptCall) CommandAction() Action   { return ActionCallAccept }
func (RejectCall) CommandAction() Action   { return ActionCallReject }
func (CancelCall) CommandAction() Action   { return ActionCallCancel }
func (EndCall) CommandAction() Action      { return ActionCallEnd }

// DecodeCommand 按标签解码客户端指令
func DecodeCommand(action Action, data json.RawMessage) (Command, error) {
	var cmd Command
	switch action {
	case ActionHeartbeat:
		return &Heartbeat{}, nil
	case ActionGoOffline:
		return &GoOffline{}, nil
	case ActionTyping:
		cmd = &SetTyping{}
	case ActionMarkRead:
		cmd = &MarkRead{}
	case ActionCallInitiate:
		cmd = &InitiateCall{}
	case ActionCallAccept:
		cmd = &AcceptCall{}
	case ActionCallReject:
		cmd = &RejectCall{}
	case ActionCallCancel:
		cmd = &CancelCall{}
	case ActionCallEnd:
		cmd = &EndCall{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("invalid %s request: empty payload", action)
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", action, err)
	}
	return cmd, nil
}
