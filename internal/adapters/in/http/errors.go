package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// StatusFor 把业务错误映射为 HTTP 状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrInvalidArgument),
		errors.Is(err, event.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, application.ErrNotParticipant),
		errors.Is(err, application.ErrNotCallee),
		errors.Is(err, application.ErrNotCaller),
		errors.Is(err, application.ErrNotCallParty),
		errors.Is(err, application.ErrSubscriptionDenied):
		return http.StatusForbidden
	case errors.Is(err, application.ErrCallNotFound),
		errors.Is(err, application.ErrConversationAbsent):
		return http.StatusNotFound
	case errors.Is(err, application.ErrInvalidTransition),
		errors.Is(err, out.ErrDuplicateCall):
		return http.StatusConflict
	case errors.Is(err, application.ErrRoomAllocation):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		zlog.C(c.Request.Context()).Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"code": status, "error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"code": status, "error": err.Error()})
}

func writeOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": data})
}
