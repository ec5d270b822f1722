package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/EthanQC/realtime/pkg/zlog"
)

// ConnectionHandler WebSocket 接入
type ConnectionHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, userID uint64)
}

// RouterOptions 组装路由所需的组件，除 Handler 与 Verifier 外都可以为空
type RouterOptions struct {
	Handler  *Handler
	Verifier *TokenVerifier
	Limiter  *RateLimiter
	Sockets  ConnectionHandler
	Metrics  http.Handler
	Stats    func() map[string]int
}

// NewRouter 创建 gin 引擎
func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), zlog.GinLogger())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	router.GET("/log/level", zlog.LevelHandler())
	router.PUT("/log/level", zlog.LevelHandler())
	if opts.Stats != nil {
		router.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, opts.Stats())
		})
	}

	auth := AuthMiddleware(opts.Verifier)

	if opts.Sockets != nil {
		router.GET("/ws", auth, func(c *gin.Context) {
			opts.Sockets.HandleConnection(c.Writer, c.Request, UserID(c))
		})
	}

	api := router.Group("/api")
	api.Use(auth)
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware())
	}
	opts.Handler.RegisterRoutes(api)

	return router
}
