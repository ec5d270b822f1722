package application

import "errors"

var (
	// 鉴权类错误，同步返回给调用方
	ErrNotParticipant     = errors.New("not a conversation participant")
	ErrNotCallee          = errors.New("user is not the callee")
	ErrNotCaller          = errors.New("user is not the caller")
	ErrNotCallParty       = errors.New("user is not a party of the call")
	ErrSubscriptionDenied = errors.New("subscription denied")

	ErrCallNotFound       = errors.New("call not found")
	ErrConversationAbsent = errors.New("conversation not found")
	ErrInvalidTransition  = errors.New("call cannot make this transition in its current state")
	ErrInvalidArgument    = errors.New("invalid argument")

	// ErrRoomAllocation 房间分配失败，可重试，不会留下任何通话记录
	ErrRoomAllocation = errors.New("room allocation failed")
)
