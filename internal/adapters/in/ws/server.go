package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/metrics"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// Authorizer 订阅鉴权
type Authorizer interface {
	AuthorizeSubscription(ctx context.Context, userID uint64, channelName string) error
}

// CommandDispatcher 上行指令路由
type CommandDispatcher interface {
	Dispatch(ctx context.Context, userID uint64, cmd event.Command) (interface{}, error)
}

// Server WebSocket 网关
// 每个连接持有一个独立订阅，连接上的指令交给 dispatcher 执行
type Server struct {
	broker     out.Broker
	authorizer Authorizer
	dispatcher CommandDispatcher
	presence   in.PresenceUseCase // 为 nil 时不根据连接维护在线状态
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[uint64]map[*Connection]struct{} // userID -> 连接
	closed bool
}

func NewServer(broker out.Broker, authorizer Authorizer, dispatcher CommandDispatcher, presence in.PresenceUseCase) *Server {
	return &Server{
		broker:     broker,
		authorizer: authorizer,
		dispatcher: dispatcher,
		presence:   presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[uint64]map[*Connection]struct{}),
	}
}

// HandleConnection 升级连接，userID 由上游认证中间件给出
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request, userID uint64) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.C(r.Context()).Warn("websocket upgrade error", zap.Error(err))
		return
	}

	sub, err := s.broker.NewSubscription(context.Background())
	if err != nil {
		zlog.C(r.Context()).Error("open subscription failed", zap.Uint64("user_id", userID), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "pubsub unavailable"))
		_ = conn.Close()
		return
	}

	c := newConnection(s, conn, userID, sub)
	if !s.register(c) {
		_ = sub.Close()
		_ = c.Close()
		return
	}

	// 自己的私有频道无需额外鉴权
	own := channel.UserChannel(userID)
	if err := c.subscribe(c.ctx, own); err != nil {
		zlog.C(c.ctx).Warn("subscribe own channel failed", zap.Error(err))
	}

	go c.WritePump()
	go c.RelayPump()
	go c.ReadPump()

	s.touch(c.ctx, userID)

	welcome, _ := json.Marshal(map[string]interface{}{
		"user_id":     userID,
		"channel":     own,
		"server_time": time.Now().UnixMilli(),
	})
	_ = c.sendFrame(Frame{Type: FrameTypeConnected, Data: welcome})
}

func (s *Server) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.conns[c.userID]; !ok {
		s.conns[c.userID] = make(map[*Connection]struct{})
	}
	s.conns[c.userID][c] = struct{}{}
	metrics.Connections.Inc()

	zlog.C(c.ctx).Info("connection registered", zap.Int("user_conns", len(s.conns[c.userID])))
	return true
}

// unregister 用户最后一个连接断开时主动下线
func (s *Server) unregister(ctx context.Context, c *Connection) {
	s.mu.Lock()
	devices, ok := s.conns[c.userID]
	if ok {
		if _, exists := devices[c]; exists {
			delete(devices, c)
			metrics.Connections.Dec()
		}
	}
	last := ok && len(devices) == 0
	if last {
		delete(s.conns, c.userID)
	}
	s.mu.Unlock()

	zlog.C(ctx).Info("connection unregistered", zap.Bool("last", last))
	if last && s.presence != nil {
		if err := s.presence.GoOffline(ctx, c.userID); err != nil {
			zlog.C(ctx).Warn("mark offline on disconnect failed", zap.Error(err))
		}
	}
}

// touch 连接存活即视为心跳
func (s *Server) touch(ctx context.Context, userID uint64) {
	if s.presence == nil {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := s.presence.Heartbeat(hctx, userID); err != nil {
		zlog.C(ctx).Warn("connection heartbeat failed", zap.Error(err))
	}
}

// Shutdown 拒绝新连接并关闭所有现有连接
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	all := make([]*Connection, 0)
	for _, devices := range s.conns {
		for c := range devices {
			all = append(all, c)
		}
	}
	s.mu.Unlock()

	for _, c := range all {
		select {
		case <-ctx.Done():
			return
		default:
			_ = c.Close()
		}
	}
}

// Stats 连接统计
func (s *Server) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, devices := range s.conns {
		total += len(devices)
	}
	return map[string]int{
		"online_users":      len(s.conns),
		"total_connections": total,
	}
}
