package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/domain/call"
	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
)

func initiate(t *testing.T, env *testEnv, callID string, conversationID uint64) *entity.Call {
	t.Helper()
	res, err := env.signaling.InitiateCall(context.Background(), &in.InitiateCallRequest{
		CallID:         callID,
		CallerID:       alice,
		CalleeID:       bob,
		ConversationID: conversationID,
	})
	require.NoError(t, err)
	require.True(t, res.Applied())
	return res.Call
}

// lastEvent 解出发往 ch 的最后一条事件
func lastEvent(t *testing.T, env *testEnv, ch string) event.Event {
	t.Helper()
	pubs := env.hub.Published()
	for i := len(pubs) - 1; i >= 0; i-- {
		if pubs[i].Channel != ch {
			continue
		}
		var envelope event.Envelope
		require.NoError(t, json.Unmarshal(pubs[i].Payload, &envelope))
		e, err := envelope.Open()
		require.NoError(t, err)
		return e
	}
	t.Fatalf("no event published to %s", ch)
	return nil
}

func TestInitiateCall(t *testing.T) {
	env := newTestEnv(t)
	c := initiate(t, env, "", convAB)

	assert.NotEmpty(t, c.CallID)
	assert.Equal(t, call.StateRinging, c.State)
	assert.NotEmpty(t, c.RoomID)
	assert.True(t, env.rooms.Exists(c.RoomID))

	stored, err := env.calls.Get(context.Background(), c.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.StateRinging, stored.State)

	incoming, ok := lastEvent(t, env, channel.UserChannel(bob)).(*event.IncomingCall)
	require.True(t, ok)
	assert.Equal(t, c.CallID, incoming.CallID)
	assert.Equal(t, alice, incoming.CallerID)
	assert.Equal(t, "Alice", incoming.CallerName)
	assert.Equal(t, c.RoomID, incoming.RoomID)
	assert.Equal(t, 1, env.signaling.pendingTimers())
}

func TestInitiateCallValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.signaling.InitiateCall(ctx, &in.InitiateCallRequest{CallerID: alice, CalleeID: alice})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.signaling.InitiateCall(ctx, &in.InitiateCallRequest{CallerID: alice, CalleeID: mallory, ConversationID: convAB})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = env.signaling.InitiateCall(ctx, &in.InitiateCallRequest{CallerID: alice, CalleeID: bob, ConversationID: 999})
	assert.ErrorIs(t, err, ErrConversationAbsent)

	created, _ := env.rooms.Stats()
	assert.Zero(t, created, "no room allocated for rejected requests")
}

func TestInitiateCallRoomAllocationFails(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.FailCreate(errors.New("provider down"))

	_, err := env.signaling.InitiateCall(context.Background(), &in.InitiateCallRequest{
		CallID: "c0", CallerID: alice, CalleeID: bob,
	})
	require.ErrorIs(t, err, ErrRoomAllocation)

	stored, err := env.calls.Get(context.Background(), "c0")
	require.NoError(t, err)
	assert.Nil(t, stored, "no call record on allocation failure")
	assert.Empty(t, env.hub.Published(), "no notification on allocation failure")
	assert.Zero(t, env.signaling.pendingTimers())
}

func TestInitiateCallIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := initiate(t, env, "c-retry", 0)

	res, err := env.signaling.InitiateCall(context.Background(), &in.InitiateCallRequest{
		CallID: "c-retry", CallerID: alice, CalleeID: bob,
	})
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)
	assert.Equal(t, first.RoomID, res.Call.RoomID)

	created, _ := env.rooms.Stats()
	assert.Equal(t, 1, created)
	assert.Len(t, env.hub.PublishedTo(channel.UserChannel(bob)), 1)

	_, err = env.signaling.InitiateCall(context.Background(), &in.InitiateCallRequest{
		CallID: "c-retry", CallerID: mallory, CalleeID: bob,
	})
	assert.ErrorIs(t, err, out.ErrDuplicateCall)
}

func TestAcceptThenEndUsesServerDuration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "c2", convAB)

	res, err := env.signaling.AcceptCall(ctx, c.CallID, bob)
	require.NoError(t, err)
	require.True(t, res.Applied())
	assert.Equal(t, call.StateAccepted, res.Call.State)
	require.NotNil(t, res.Call.AnsweredAt)
	assert.True(t, res.Delivery.Published)
	_, isAccepted := lastEvent(t, env, channel.UserChannel(alice)).(*event.CallAccepted)
	assert.True(t, isAccepted)
	assert.Zero(t, env.signaling.pendingTimers())

	env.clock.Advance(125 * time.Second)
	res, err = env.signaling.EndCall(ctx, c.CallID, alice, 130)
	require.NoError(t, err)
	require.True(t, res.Applied())
	require.NotNil(t, res.Call.DurationSeconds)
	assert.Equal(t, int64(125), *res.Call.DurationSeconds)

	stored, err := env.calls.Get(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.StateEnded, stored.State)
	assert.Equal(t, int64(125), *stored.DurationSeconds)
	assert.False(t, env.rooms.Exists(c.RoomID))

	ended, ok := lastEvent(t, env, channel.UserChannel(bob)).(*event.CallEnded)
	require.True(t, ok)
	assert.Equal(t, event.EndReasonEnded, ended.Reason)
	assert.Equal(t, alice, ended.EndedBy)
	assert.Equal(t, int64(125), ended.DurationSeconds)

	summaries := env.chatLog.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, entity.CallOutcomeCompleted, summaries[0].Outcome)
	assert.Equal(t, int64(125), summaries[0].DurationSeconds)
}

func TestEndAcceptsClientDurationWithinTolerance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "", 0)
	_, err := env.signaling.AcceptCall(ctx, c.CallID, bob)
	require.NoError(t, err)

	env.clock.Advance(30 * time.Second)
	res, err := env.signaling.EndCall(ctx, c.CallID, bob, 31)
	require.NoError(t, err)
	assert.Equal(t, int64(31), *res.Call.DurationSeconds)
	assert.Empty(t, env.chatLog.Summaries(), "no summary without a conversation")
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "c1", convAB)

	env.clock.Advance(59 * time.Second)
	n, err := env.signaling.ExpireRinging(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Second)
	n, err = env.signaling.ExpireRinging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := env.calls.Get(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.StateMissed, stored.State)
	assert.Nil(t, stored.DurationSeconds)
	assert.False(t, env.rooms.Exists(c.RoomID))

	for _, user := range []uint64{alice, bob} {
		ended, ok := lastEvent(t, env, channel.UserChannel(user)).(*event.CallEnded)
		require.True(t, ok)
		assert.Equal(t, event.EndReasonMissed, ended.Reason)
	}

	summaries := env.chatLog.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, entity.CallOutcomeMissed, summaries[0].Outcome)

	// 再次扫描、迟到的接听都不会改变结果
	n, err = env.signaling.ExpireRinging(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := env.signaling.AcceptCall(ctx, c.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)
	assert.Equal(t, call.StateMissed, res.Call.State)
}

func TestExpireCallBeforeTimeoutIsNoop(t *testing.T) {
	env := newTestEnv(t)
	c := initiate(t, env, "", 0)

	env.clock.Advance(10 * time.Second)
	res, err := env.signaling.ExpireCall(context.Background(), c.CallID)
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)
	assert.Equal(t, call.StateRinging, res.Call.State)
}

func TestRejectIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "", convAB)

	res, err := env.signaling.RejectCall(ctx, c.CallID, bob, "busy")
	require.NoError(t, err)
	require.True(t, res.Applied())
	assert.Equal(t, call.StateRejected, res.Call.State)

	rejected, ok := lastEvent(t, env, channel.UserChannel(alice)).(*event.CallRejected)
	require.True(t, ok)
	assert.Equal(t, "busy", rejected.Reason)

	res, err = env.signaling.RejectCall(ctx, c.CallID, bob, "busy")
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)

	res, err = env.signaling.CancelCall(ctx, c.CallID, alice)
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)
	assert.Equal(t, call.StateRejected, res.Call.State)

	res, err = env.signaling.EndCall(ctx, c.CallID, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, in.OutcomeNoop, res.Outcome)

	_, deleted := env.rooms.Stats()
	assert.Equal(t, 1, deleted, "room torn down once")
	assert.Len(t, env.hub.PublishedTo(channel.UserChannel(alice)), 1)
	assert.Len(t, env.chatLog.Summaries(), 1)
}

func TestCancelNotifiesCallee(t *testing.T) {
	env := newTestEnv(t)
	c := initiate(t, env, "", 0)

	res, err := env.signaling.CancelCall(context.Background(), c.CallID, alice)
	require.NoError(t, err)
	require.True(t, res.Applied())

	ended, ok := lastEvent(t, env, channel.UserChannel(bob)).(*event.CallEnded)
	require.True(t, ok)
	assert.Equal(t, event.EndReasonCancelled, ended.Reason)
	assert.False(t, env.rooms.Exists(c.RoomID))
	assert.Zero(t, env.signaling.pendingTimers())
}

func TestEndWhileRinging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := initiate(t, env, "", 0)
	res, err := env.signaling.EndCall(ctx, c.CallID, alice, 0)
	require.NoError(t, err)
	assert.Equal(t, call.StateCancelled, res.Call.State)

	c = initiate(t, env, "", 0)
	res, err = env.signaling.EndCall(ctx, c.CallID, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, call.StateRejected, res.Call.State)
	assert.Nil(t, res.Call.DurationSeconds)
}

func TestCallAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "", 0)

	_, err := env.signaling.AcceptCall(ctx, c.CallID, alice)
	assert.ErrorIs(t, err, ErrNotCallee)
	_, err = env.signaling.RejectCall(ctx, c.CallID, mallory, "")
	assert.ErrorIs(t, err, ErrNotCallee)
	_, err = env.signaling.CancelCall(ctx, c.CallID, bob)
	assert.ErrorIs(t, err, ErrNotCaller)
	_, err = env.signaling.EndCall(ctx, c.CallID, mallory, 0)
	assert.ErrorIs(t, err, ErrNotCallParty)
	_, err = env.signaling.GetCall(ctx, c.CallID, mallory)
	assert.ErrorIs(t, err, ErrNotCallParty)
	_, err = env.signaling.AcceptCall(ctx, "missing", bob)
	assert.ErrorIs(t, err, ErrCallNotFound)

	got, err := env.signaling.GetCall(ctx, c.CallID, bob)
	require.NoError(t, err)
	assert.Equal(t, call.StateRinging, got.State)
}

func TestConcurrentAcceptAndCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		c := initiate(t, env, "", 0)

		var wg sync.WaitGroup
		var accept, cancel *in.CallResult
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			accept, acceptErr = env.signaling.AcceptCall(ctx, c.CallID, bob)
		}()
		go func() {
			defer wg.Done()
			cancel, cancelErr = env.signaling.CancelCall(ctx, c.CallID, alice)
		}()
		wg.Wait()

		require.NoError(t, acceptErr)
		require.NoError(t, cancelErr)
		require.NotEqual(t, accept.Applied(), cancel.Applied(), "exactly one transition wins")

		stored, err := env.calls.Get(ctx, c.CallID)
		require.NoError(t, err)

		callerEvents := env.hub.PublishedTo(channel.UserChannel(alice))
		calleeEvents := env.hub.PublishedTo(channel.UserChannel(bob))
		if accept.Applied() {
			assert.Equal(t, call.StateAccepted, stored.State)
			assert.Equal(t, []string{string(event.NameCallAccepted)}, callerEvents)
			assert.Equal(t, []string{string(event.NameIncomingCall)}, calleeEvents)
			assert.True(t, env.rooms.Exists(c.RoomID))
		} else {
			assert.Equal(t, call.StateCancelled, stored.State)
			assert.Empty(t, callerEvents)
			assert.Equal(t, []string{string(event.NameIncomingCall), string(event.NameCallEnded)}, calleeEvents)
			assert.False(t, env.rooms.Exists(c.RoomID))
		}
	}
}

func TestConcurrentRejectAndTimeout(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		c := initiate(t, env, "", convAB)
		env.clock.Advance(61 * time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.signaling.RejectCall(ctx, c.CallID, bob, "")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.signaling.ExpireRinging(ctx)
			assert.NoError(t, err)
		}()
		wg.Wait()

		stored, err := env.calls.Get(ctx, c.CallID)
		require.NoError(t, err)
		assert.Contains(t, []call.State{call.StateRejected, call.StateMissed}, stored.State)
		assert.Len(t, env.chatLog.Summaries(), 1)
		_, deleted := env.rooms.Stats()
		assert.Equal(t, 1, deleted)
		assert.Len(t, env.hub.PublishedTo(channel.UserChannel(alice)), 1)
	}
}

func TestPublishFailureDoesNotBlockTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "", 0)

	env.hub.Fail(errors.New("connection refused"))
	res, err := env.signaling.AcceptCall(ctx, c.CallID, bob)
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.False(t, res.Delivery.Published)
	assert.Contains(t, res.Delivery.Reason, "connection refused")

	stored, err := env.calls.Get(ctx, c.CallID)
	require.NoError(t, err)
	assert.Equal(t, call.StateAccepted, stored.State)
}

func TestTeardownFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := initiate(t, env, "", 0)

	env.rooms.FailDeletes(1, errors.New("timeout"))
	res, err := env.signaling.CancelCall(ctx, c.CallID, alice)
	require.NoError(t, err)
	assert.True(t, res.Applied(), "teardown failure never reverses a transition")
	assert.True(t, env.rooms.Exists(c.RoomID))
	assert.Equal(t, 1, env.queue.Len())

	env.clock.Advance(2 * time.Second)
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.roomMgr.RunTeardownWorker(workerCtx)
	}()
	require.Eventually(t, func() bool { return !env.rooms.Exists(c.RoomID) }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestPurgeTerminated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ended := initiate(t, env, "old", 0)
	_, err := env.signaling.CancelCall(ctx, ended.CallID, alice)
	require.NoError(t, err)
	active := initiate(t, env, "live", 0)

	env.clock.Advance(25 * time.Hour)
	n, err := env.signaling.PurgeTerminated(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := env.calls.Get(ctx, ended.CallID)
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = env.calls.Get(ctx, active.CallID)
	require.NoError(t, err)
	assert.NotNil(t, got, "non-terminal calls are never purged")
}

func TestCloseStopsRingTimers(t *testing.T) {
	env := newTestEnv(t)
	initiate(t, env, "", 0)
	require.Equal(t, 1, env.signaling.pendingTimers())

	env.signaling.Close()
	assert.Zero(t, env.signaling.pendingTimers())

	// 关闭后发起的通话只靠扫描超时
	initiate(t, env, "", 0)
	assert.Zero(t, env.signaling.pendingTimers())
}

func TestRingTimerFiresMissed(t *testing.T) {
	env := newTestEnv(t)
	env.signaling.config.RingTimeout = 20 * time.Millisecond
	env.signaling.config.Clock = time.Now

	c := initiate(t, env, "", 0)
	require.Eventually(t, func() bool {
		stored, err := env.calls.Get(context.Background(), c.CallID)
		return err == nil && stored.State == call.StateMissed
	}, 2*time.Second, 10*time.Millisecond)
}
