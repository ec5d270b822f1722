package call

import (
	"errors"
)

// State 通话状态
type State string

const (
	StateInitiating State = "initiating" // 分配房间中，尚未落库
	StateRinging    State = "ringing"    // 响铃中
	StateAccepted   State = "accepted"   // 已接听
	StateEnded      State = "ended"      // 接听后结束
	StateRejected   State = "rejected"   // 被叫拒绝
	StateCancelled  State = "cancelled"  // 主叫取消
	StateMissed     State = "missed"     // 响铃超时未接
)

// Event 通话事件
type Event string

const (
	EventRing    Event = "ring"    // 房间分配完成，开始响铃
	EventAccept  Event = "accept"  // 接听
	EventReject  Event = "reject"  // 拒绝
	EventCancel  Event = "cancel"  // 取消
	EventEnd     Event = "end"     // 挂断
	EventTimeout Event = "timeout" // 响铃超时
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCallTerminated    = errors.New("call has already terminated")
)

type stateEvent struct {
	state State
	event Event
}

// 状态只能前进，终态没有出边
var transitions = map[stateEvent]State{
	{StateInitiating, EventRing}: StateRinging,
	{StateRinging, EventAccept}:  StateAccepted,
	{StateRinging, EventReject}:  StateRejected,
	{StateRinging, EventCancel}:  StateCancelled,
	{StateRinging, EventTimeout}: StateMissed,
	{StateAccepted, EventEnd}:    StateEnded,
}

// Next 计算事件作用后的目标状态
func Next(from State, event Event) (State, error) {
	if from.IsTerminal() {
		return from, ErrCallTerminated
	}
	to, ok := transitions[stateEvent{from, event}]
	if !ok {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal 是否终态
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateMissed:
		return true
	default:
		return false
	}
}

// IsActive 是否仍在进行中
func (s State) IsActive() bool {
	return s == StateRinging || s == StateAccepted
}

// Valid 是否为已知状态
func (s State) Valid() bool {
	switch s {
	case StateInitiating, StateRinging, StateAccepted,
		StateEnded, StateRejected, StateCancelled, StateMissed:
		return true
	default:
		return false
	}
}
