package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/adapters/out/memory"
	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/out"
)

type fakePresence struct {
	mu         sync.Mutex
	heartbeats int
	offline    int
}

func (p *fakePresence) Heartbeat(ctx context.Context, userID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	return nil
}

func (p *fakePresence) GoOffline(ctx context.Context, userID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline++
	return nil
}

func (p *fakePresence) QueryPresence(ctx context.Context, userIDs []uint64) ([]entity.PresenceView, error) {
	return nil, nil
}

func (p *fakePresence) QueryConversationPresence(ctx context.Context, requesterID, conversationID uint64) ([]entity.PresenceView, error) {
	return nil, nil
}

func (p *fakePresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeats, p.offline
}

type recordingDispatcher struct {
	mu   sync.Mutex
	cmds []event.Command
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, userID uint64, cmd event.Command) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	if c, ok := cmd.(*event.AcceptCall); ok && c.CallID == "missing" {
		return nil, application.ErrCallNotFound
	}
	return map[string]string{"outcome": "applied"}, nil
}

type wsEnv struct {
	hub        *memory.Hub
	presence   *fakePresence
	dispatcher *recordingDispatcher
	server     *Server
	url        string
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	convs := memory.NewConversationRepository()
	convs.Put(&entity.Conversation{ID: 10, ParticipantIDs: []uint64{1, 2}})

	env := &wsEnv{
		hub:        memory.NewHub(),
		presence:   &fakePresence{},
		dispatcher: &recordingDispatcher{},
	}
	gateway := application.NewPubSubGateway(env.hub, convs, time.Second)
	env.server = NewServer(env.hub, gateway, env.dispatcher, env.presence)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := strconv.ParseUint(r.URL.Query().Get("uid"), 10, 64)
		env.server.HandleConnection(w, r, uid)
	}))
	t.Cleanup(func() {
		env.server.Shutdown(context.Background())
		srv.Close()
	})
	env.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return env
}

func (e *wsEnv) dial(t *testing.T, userID uint64) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url+"?uid="+strconv.FormatUint(userID, 10), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	f := readFrame(t, conn, FrameTypeConnected)
	var welcome map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &welcome))
	assert.Equal(t, "private-user-"+strconv.FormatUint(userID, 10), welcome["channel"])
	return conn
}

// readFrame 读到指定类型的帧为止
func readFrame(t *testing.T, conn *websocket.Conn, want FrameType) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == want {
			return f
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRelaysOwnPrivateChannel(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, 1)

	payload := []byte(`{"channel":"private-user-1","event":"incoming-call","data":{"call_id":"c1"}}`)
	require.NoError(t, env.hub.Publish(context.Background(), out.Publication{Channel: "private-user-1", Event: "incoming-call", Payload: payload}))

	f := readFrame(t, conn, FrameTypeEvent)
	assert.Equal(t, "private-user-1", f.Channel)
	assert.JSONEq(t, string(payload), string(f.Data))

	hb, _ := env.presence.counts()
	assert.GreaterOrEqual(t, hb, 1, "connecting counts as a heartbeat")
}

func TestSubscribeAuthorization(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, 1)

	writeFrame(t, conn, Frame{Type: FrameTypeSubscribe, ID: "s1", Channel: "presence-conversation-10"})
	f := readFrame(t, conn, FrameTypeSubscribed)
	assert.Equal(t, "s1", f.ID)

	members, err := env.hub.Members(context.Background(), "presence-conversation-10")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, members)

	writeFrame(t, conn, Frame{Type: FrameTypeSubscribe, ID: "s2", Channel: "private-user-2"})
	f = readFrame(t, conn, FrameTypeError)
	assert.Equal(t, "s2", f.ID)
	assert.Contains(t, f.Error, "subscription denied")

	writeFrame(t, conn, Frame{Type: FrameTypeSubscribe, ID: "s3", Channel: "presence-conversation-99"})
	f = readFrame(t, conn, FrameTypeError)
	assert.Equal(t, "s3", f.ID)

	writeFrame(t, conn, Frame{Type: FrameTypeUnsubscribe, ID: "u1", Channel: "presence-conversation-10"})
	readFrame(t, conn, FrameTypeUnsubscribed)
	members, err = env.hub.Members(context.Background(), "presence-conversation-10")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestCommandFrames(t *testing.T) {
	env := newWSEnv(t)
	conn := env.dial(t, 2)

	writeFrame(t, conn, Frame{Type: FrameTypeCommand, ID: "c1", Action: "call_accept", Data: json.RawMessage(`{"call_id":"abc"}`)})
	f := readFrame(t, conn, FrameTypeAck)
	assert.Equal(t, "c1", f.ID)
	assert.JSONEq(t, `{"outcome":"applied"}`, string(f.Data))

	writeFrame(t, conn, Frame{Type: FrameTypeCommand, ID: "c2", Action: "call_accept", Data: json.RawMessage(`{"call_id":"missing"}`)})
	f = readFrame(t, conn, FrameTypeError)
	assert.Equal(t, "c2", f.ID)
	assert.Contains(t, f.Error, "call not found")

	writeFrame(t, conn, Frame{Type: FrameTypeCommand, ID: "c3", Action: "launch_rocket", Data: json.RawMessage(`{}`)})
	f = readFrame(t, conn, FrameTypeError)
	assert.Contains(t, f.Error, "unknown action")

	writeFrame(t, conn, Frame{Type: FrameTypePing, ID: "p1"})
	f = readFrame(t, conn, FrameTypePong)
	assert.Equal(t, "p1", f.ID)

	env.dispatcher.mu.Lock()
	defer env.dispatcher.mu.Unlock()
	require.Len(t, env.dispatcher.cmds, 2)
	accept, ok := env.dispatcher.cmds[0].(*event.AcceptCall)
	require.True(t, ok)
	assert.Equal(t, "abc", accept.CallID)
}

func TestDisconnectCleansUp(t *testing.T) {
	env := newWSEnv(t)
	first := env.dial(t, 1)
	second := env.dial(t, 1)

	writeFrame(t, first, Frame{Type: FrameTypeSubscribe, ID: "s1", Channel: "presence-conversation-10"})
	readFrame(t, first, FrameTypeSubscribed)
	assert.Equal(t, map[string]int{"online_users": 1, "total_connections": 2}, env.server.Stats())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		members, _ := env.hub.Members(context.Background(), "presence-conversation-10")
		return len(members) == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, offline := env.presence.counts()
	assert.Equal(t, 0, offline, "another connection of the same user is still open")

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, offline := env.presence.counts()
		return offline == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{"online_users": 0, "total_connections": 0}, env.server.Stats())
}
