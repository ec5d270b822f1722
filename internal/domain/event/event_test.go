package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenCallEnded(t *testing.T) {
	env, err := Seal("private-user-1", CallEnded{CallID: "c1", Reason: EndReasonMissed, EndedAt: 100})
	require.NoError(t, err)
	assert.Equal(t, NameCallEnded, env.Event)
	assert.Equal(t, "private-user-1", env.Channel)

	got, err := env.Open()
	require.NoError(t, err)
	ended, ok := got.(*CallEnded)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, EndReasonMissed, ended.Reason)
	assert.Equal(t, "c1", ended.CallID)
}

func TestTypingTagWins(t *testing.T) {
	env := &Envelope{Event: NameUserStoppedTyping, Data: json.RawMessage(`{"conversation_id":3,"user_id":1,"is_typing":true}`)}
	got, err := env.Open()
	require.NoError(t, err)
	typing := got.(*Typing)
	assert.False(t, typing.IsTyping)
	assert.Equal(t, NameUserStoppedTyping, typing.EventName())

	assert.Equal(t, NameUserTyping, Typing{IsTyping: true}.EventName())
}

func TestOpenUnknown(t *testing.T) {
	_, err := (&Envelope{Event: "call-teleported", Data: json.RawMessage(`{}`)}).Open()
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = (&Envelope{Event: NameNewMessage, Data: json.RawMessage(`[1,2]`)}).Open()
	assert.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand(ActionCallEnd, json.RawMessage(`{"call_id":"c2","duration_seconds":130}`))
	require.NoError(t, err)
	end, ok := cmd.(*EndCall)
	require.True(t, ok)
	assert.Equal(t, "c2", end.CallID)
	assert.Equal(t, int64(130), end.DurationSeconds)

	cmd, err = DecodeCommand(ActionHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionHeartbeat, cmd.CommandAction())

	_, err = DecodeCommand("call_teleport", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = DecodeCommand(ActionTyping, nil)
	assert.Error(t, err)

	_, err = DecodeCommand(ActionTyping, json.RawMessage(`{"conversation_id":"x"}`))
	assert.Error(t, err)
}
