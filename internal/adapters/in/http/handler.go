package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/in"
)

// maxPresenceQuery 单次批量查询在线状态的用户数上限
const maxPresenceQuery = 200

// ChannelGateway 订阅鉴权与花名册查询
type ChannelGateway interface {
	AuthorizeSubscription(ctx context.Context, userID uint64, channelName string) error
	Members(ctx context.Context, conversationID uint64) ([]uint64, error)
}

// Handler 实时核心的 HTTP 接口
type Handler struct {
	presence  in.PresenceUseCase
	typing    in.TypingUseCase
	messages  in.MessageUseCase
	signaling in.SignalingUseCase
	gateway   ChannelGateway
}

func NewHandler(
	presence in.PresenceUseCase,
	typing in.TypingUseCase,
	messages in.MessageUseCase,
	signaling in.SignalingUseCase,
	gateway ChannelGateway,
) *Handler {
	return &Handler{
		presence:  presence,
		typing:    typing,
		messages:  messages,
		signaling: signaling,
		gateway:   gateway,
	}
}

// RegisterRoutes 注册需要认证的路由
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	// 在线状态
	r.POST("/presence/heartbeat", h.handleHeartbeat)
	r.POST("/presence/offline", h.handleGoOffline)
	r.GET("/presence", h.handleQueryPresence)

	// 会话
	r.GET("/conversations/:id/presence", h.handleConversationPresence)
	r.GET("/conversations/:id/members", h.handleMembers)
	r.POST("/conversations/:id/typing", h.handleTyping)
	r.POST("/conversations/:id/read", h.handleMarkRead)

	// 消息持久化成功后由发送链路调用
	r.POST("/messages/notify", h.handleNotifyNewMessage)

	// 通话
	r.POST("/calls", h.handleInitiateCall)
	r.GET("/calls/:id", h.handleGetCall)
	r.POST("/calls/:id/accept", h.handleAcceptCall)
	r.POST("/calls/:id/reject", h.handleRejectCall)
	r.POST("/calls/:id/cancel", h.handleCancelCall)
	r.POST("/calls/:id/end", h.handleEndCall)

	// 订阅鉴权回调
	r.POST("/pubsub/auth", h.handlePubSubAuth)
}

// ==================== 在线状态 ====================

func (h *Handler) handleHeartbeat(c *gin.Context) {
	if err := h.presence.Heartbeat(c.Request.Context(), UserID(c)); err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, nil)
}

func (h *Handler) handleGoOffline(c *gin.Context) {
	if err := h.presence.GoOffline(c.Request.Context(), UserID(c)); err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, nil)
}

func (h *Handler) handleQueryPresence(c *gin.Context) {
	ids, err := parseIDList(c.Query("user_ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": err.Error()})
		return
	}
	views, err := h.presence.QueryPresence(c.Request.Context(), ids)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, views)
}

func (h *Handler) handleConversationPresence(c *gin.Context) {
	convID, ok := pathID(c)
	if !ok {
		return
	}
	views, err := h.presence.QueryConversationPresence(c.Request.Context(), UserID(c), convID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, views)
}

// handleMembers 频道花名册，请求方必须能订阅该会话频道
func (h *Handler) handleMembers(c *gin.Context) {
	convID, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.gateway.AuthorizeSubscription(ctx, UserID(c), channel.ConversationChannel(convID)); err != nil {
		writeError(c, err)
		return
	}
	members, err := h.gateway.Members(ctx, convID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, gin.H{"conversation_id": convID, "user_ids": members})
}

// ==================== 输入状态与已读 ====================

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *Handler) handleTyping(c *gin.Context) {
	convID, ok := pathID(c)
	if !ok {
		return
	}
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
		return
	}
	delivery, err := h.typing.SetTyping(c.Request.Context(), convID, UserID(c), req.IsTyping)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, delivery)
}

func (h *Handler) handleMarkRead(c *gin.Context) {
	convID, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.messages.MarkConversationRead(c.Request.Context(), convID, UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, result)
}

type notifyRequest struct {
	MessageID      uint64 `json:"message_id" binding:"required"`
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	CreatedAt      int64  `json:"created_at"` // 毫秒时间戳
}

// handleNotifyNewMessage 发送者就是当前认证用户
func (h *Handler) handleNotifyNewMessage(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
		return
	}
	notice := &entity.MessageNotice{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       UserID(c),
	}
	if req.CreatedAt > 0 {
		notice.CreatedAt = time.UnixMilli(req.CreatedAt)
	}
	delivery, err := h.messages.NotifyNewMessage(c.Request.Context(), notice)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, delivery)
}

// ==================== 通话 ====================

type initiateRequest struct {
	CallID         string `json:"call_id"`
	CalleeID       uint64 `json:"callee_id" binding:"required"`
	ConversationID uint64 `json:"conversation_id"`
}

func (h *Handler) handleInitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
		return
	}
	result, err := h.signaling.InitiateCall(c.Request.Context(), &in.InitiateCallRequest{
		CallID:         req.CallID,
		CallerID:       UserID(c),
		CalleeID:       req.CalleeID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, result)
}

func (h *Handler) handleGetCall(c *gin.Context) {
	call, err := h.signaling.GetCall(c.Request.Context(), c.Param("id"), UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, call)
}

func (h *Handler) handleAcceptCall(c *gin.Context) {
	h.writeCallResult(c)(h.signaling.AcceptCall(c.Request.Context(), c.Param("id"), UserID(c)))
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRejectCall(c *gin.Context) {
	var req rejectRequest
	// 请求体可选
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
			return
		}
	}
	h.writeCallResult(c)(h.signaling.RejectCall(c.Request.Context(), c.Param("id"), UserID(c), req.Reason))
}

func (h *Handler) handleCancelCall(c *gin.Context) {
	h.writeCallResult(c)(h.signaling.CancelCall(c.Request.Context(), c.Param("id"), UserID(c)))
}

type endRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func (h *Handler) handleEndCall(c *gin.Context) {
	var req endRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
			return
		}
	}
	h.writeCallResult(c)(h.signaling.EndCall(c.Request.Context(), c.Param("id"), UserID(c), req.DurationSeconds))
}

func (h *Handler) writeCallResult(c *gin.Context) func(*in.CallResult, error) {
	return func(result *in.CallResult, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		writeOK(c, result)
	}
}

// ==================== 订阅鉴权 ====================

type pubsubAuthRequest struct {
	ChannelName string `json:"channel_name" form:"channel_name" binding:"required"`
	SocketID    string `json:"socket_id" form:"socket_id"`
}

func (h *Handler) handlePubSubAuth(c *gin.Context) {
	var req pubsubAuthRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid request"})
		return
	}
	if err := h.gateway.AuthorizeSubscription(c.Request.Context(), UserID(c), req.ChannelName); err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, gin.H{"channel_name": req.ChannelName, "socket_id": req.SocketID, "user_id": UserID(c)})
}

// ==================== 工具函数 ====================

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": "invalid id"})
		return 0, false
	}
	return id, true
}

func parseIDList(raw string) ([]uint64, error) {
	if raw == "" {
		return nil, fmt.Errorf("user_ids is required")
	}
	parts := strings.Split(raw, ",")
	if len(parts) > maxPresenceQuery {
		return nil, fmt.Errorf("at most %d user ids per query", maxPresenceQuery)
	}
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid user id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ ChannelGateway = (*application.PubSubGateway)(nil)
