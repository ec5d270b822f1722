package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/adapters/out/memory"
	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

const testSecret = "test-secret"

const (
	alice   uint64 = 1
	bob     uint64 = 2
	mallory uint64 = 3
)

type apiEnv struct {
	router    *gin.Engine
	hub       *memory.Hub
	signaling *application.SignalingUseCaseImpl
}

func newAPIEnv(t *testing.T, limiter *RateLimiter) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := memory.NewHub()
	convs := memory.NewConversationRepository()
	convs.Put(&entity.Conversation{ID: 10, ParticipantIDs: []uint64{alice, bob}})
	users := memory.NewUserDirectory()
	users.Put(entity.UserProfile{ID: alice, Name: "Alice"})
	queue := memory.NewTeardownQueue(8)

	gateway := application.NewPubSubGateway(hub, convs, time.Second)
	presence := application.NewPresenceUseCase(application.PresenceConfig{}, memory.NewPresenceRepository(), convs, gateway)
	typing := application.NewTypingUseCase(convs, users, gateway)
	messages := application.NewMessageUseCase(application.MessageConfig{BroadcastReads: true}, convs, memory.NewNoticeDeduper(time.Hour), gateway)
	rooms := application.NewRoomManager(application.RoomConfig{}, memory.NewRoomProvider(0), queue)
	signaling := application.NewSignalingUseCase(application.SignalingConfig{}, memory.NewCallRepository(), convs, users, memory.NewChatLog(), rooms, gateway)
	t.Cleanup(func() {
		signaling.Close()
		_ = queue.Close()
		if limiter != nil {
			limiter.Stop()
		}
	})

	router := NewRouter(RouterOptions{
		Handler:  NewHandler(presence, typing, messages, signaling, gateway),
		Verifier: NewTokenVerifier(testSecret),
		Limiter:  limiter,
	})
	return &apiEnv{router: router, hub: hub, signaling: signaling}
}

func token(t *testing.T, userID uint64) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

type apiResponse struct {
	Code  int             `json:"code"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (e *apiEnv) do(t *testing.T, userID uint64, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t, nil)

	code, _ := env.do(t, 0, http.MethodPost, "/api/presence/heartbeat", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/api/presence/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": alice})
	s, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/presence/heartbeat?token="+s, nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	code, _ := env.do(t, alice, http.MethodPost, "/api/presence/heartbeat", nil)
	require.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, bob, http.MethodGet, "/api/presence?user_ids=1,2", nil)
	require.Equal(t, http.StatusOK, code)
	var views []entity.PresenceView
	require.NoError(t, json.Unmarshal(resp.Data, &views))
	require.Len(t, views, 2)
	assert.True(t, views[0].Online)
	assert.False(t, views[1].Online)

	code, _ = env.do(t, bob, http.MethodGet, "/api/presence?user_ids=1,x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, mallory, http.MethodGet, "/api/conversations/10/presence", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, bob, http.MethodGet, "/api/conversations/10/presence", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestConversationEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	code, _ := env.do(t, alice, http.MethodPost, "/api/conversations/10/typing", typingRequest{IsTyping: true})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"user-typing"}, env.hub.PublishedTo("presence-conversation-10"))

	code, _ = env.do(t, mallory, http.MethodPost, "/api/conversations/10/typing", typingRequest{IsTyping: true})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, alice, http.MethodPost, "/api/conversations/abc/read", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, bob, http.MethodPost, "/api/conversations/10/read", nil)
	assert.Equal(t, http.StatusOK, code)

	note := notifyRequest{MessageID: 77, ConversationID: 10, CreatedAt: time.Now().UnixMilli()}
	code, resp := env.do(t, alice, http.MethodPost, "/api/messages/notify", note)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"published":true}`, string(resp.Data))

	code, resp = env.do(t, alice, http.MethodPost, "/api/messages/notify", note)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"published":false,"reason":"duplicate notice"}`, string(resp.Data))

	code, _ = env.do(t, mallory, http.MethodPost, "/api/messages/notify", notifyRequest{MessageID: 78, ConversationID: 10})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestCallEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	code, resp := env.do(t, alice, http.MethodPost, "/api/calls", initiateRequest{CallID: "c-http", CalleeID: bob, ConversationID: 10})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var result struct {
		Call    entity.Call `json:"call"`
		Outcome string      `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "applied", result.Outcome)
	assert.Equal(t, "ringing", string(result.Call.State))
	assert.Contains(t, env.hub.PublishedTo("private-user-2"), "incoming-call")

	code, _ = env.do(t, alice, http.MethodPost, "/api/calls/c-http/accept", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, mallory, http.MethodGet, "/api/calls/c-http", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, bob, http.MethodGet, "/api/calls/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = env.do(t, bob, http.MethodPost, "/api/calls/c-http/accept", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = env.do(t, alice, http.MethodPost, "/api/calls/c-http/cancel", nil)
	require.Equal(t, http.StatusOK, code, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "noop", result.Outcome, "cancel after accept loses the race")

	code, resp = env.do(t, bob, http.MethodPost, "/api/calls/c-http/end", endRequest{DurationSeconds: 0})
	require.Equal(t, http.StatusOK, code, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "ended", string(result.Call.State))

	code, _ = env.do(t, mallory, http.MethodPost, "/api/calls", initiateRequest{CalleeID: bob, ConversationID: 10})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestPubSubAuth(t *testing.T) {
	env := newAPIEnv(t, nil)

	code, _ := env.do(t, alice, http.MethodPost, "/api/pubsub/auth", pubsubAuthRequest{ChannelName: "private-user-1", SocketID: "1.1"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, alice, http.MethodPost, "/api/pubsub/auth", pubsubAuthRequest{ChannelName: "private-user-2"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, mallory, http.MethodPost, "/api/pubsub/auth", pubsubAuthRequest{ChannelName: "presence-conversation-10"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, bob, http.MethodPost, "/api/pubsub/auth", pubsubAuthRequest{ChannelName: "presence-conversation-10"})
	assert.Equal(t, http.StatusOK, code)

	code, resp := env.do(t, bob, http.MethodGet, "/api/conversations/10/members", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"conversation_id":10,"user_ids":[]}`, string(resp.Data))
}

func TestRateLimit(t *testing.T) {
	env := newAPIEnv(t, NewRateLimiter(1, 2))

	for i := 0; i < 2; i++ {
		code, _ := env.do(t, alice, http.MethodPost, "/api/presence/heartbeat", nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := env.do(t, alice, http.MethodPost, "/api/presence/heartbeat", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)

	code, _ = env.do(t, bob, http.MethodPost, "/api/presence/heartbeat", nil)
	assert.Equal(t, http.StatusOK, code, "limits are per user")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{application.ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", application.ErrNotCallee), http.StatusForbidden},
		{application.ErrSubscriptionDenied, http.StatusForbidden},
		{application.ErrCallNotFound, http.StatusNotFound},
		{application.ErrInvalidTransition, http.StatusConflict},
		{out.ErrDuplicateCall, http.StatusConflict},
		{fmt.Errorf("%w: timeout", application.ErrRoomAllocation), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
