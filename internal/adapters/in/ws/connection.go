package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/channel"
	"github.com/EthanQC/realtime/internal/domain/event"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 16 * 1024
	// 单条指令处理超时
	commandTimeout = 10 * time.Second
	// 单连接最多订阅的频道数
	maxChannelsPerConn = 256
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

// Connection 单个客户端连接
type Connection struct {
	server *Server
	conn   *websocket.Conn
	userID uint64
	sub    out.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// channels 只在读协程里访问
	channels map[string]channel.Channel
}

func newConnection(s *Server, conn *websocket.Conn, userID uint64, sub out.Subscription) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = zlog.With(ctx, zap.Uint64("user_id", userID))
	return &Connection{
		server:   s,
		conn:     conn,
		userID:   userID,
		sub:      sub,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		channels: make(map[string]channel.Channel),
	}
}

func (c *Connection) UserID() uint64 {
	return c.userID
}

// Send 非阻塞写入发送队列，慢客户端直接丢弃
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendFull
	}
}

// Close 关闭连接，可重复调用
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// ReadPump 读取客户端帧，退出时负责清理
func (c *Connection) ReadPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.touch(c.ctx, c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zlog.C(c.ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(message)
	}
}

// WritePump 写协程，同时负责定时 ping
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zlog.C(c.ctx).Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// RelayPump 把订阅收到的频道事件转发给客户端
func (c *Connection) RelayPump() {
	for {
		select {
		case <-c.done:
			return
		case m, ok := <-c.sub.Messages():
			if !ok {
				_ = c.Close()
				return
			}
			if err := c.sendFrame(Frame{Type: FrameTypeEvent, Channel: m.Channel, Data: m.Payload}); err != nil && !errors.Is(err, errConnClosed) {
				zlog.C(c.ctx).Warn("drop event for slow client", zap.String("channel", m.Channel), zap.Error(err))
			}
		}
	}
}

func (c *Connection) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendError("", "invalid frame format")
		return
	}

	switch f.Type {
	case FrameTypePing:
		_ = c.sendFrame(Frame{Type: FrameTypePong, ID: f.ID})
	case FrameTypeSubscribe:
		c.handleSubscribe(f)
	case FrameTypeUnsubscribe:
		c.handleUnsubscribe(f)
	case FrameTypeCommand:
		c.handleCommand(f)
	default:
		c.sendError(f.ID, "unknown frame type")
	}
}

func (c *Connection) handleSubscribe(f Frame) {
	if _, ok := c.channels[f.Channel]; ok {
		_ = c.sendFrame(Frame{Type: FrameTypeSubscribed, ID: f.ID, Channel: f.Channel})
		return
	}
	if len(c.channels) >= maxChannelsPerConn {
		c.sendError(f.ID, "too many subscriptions")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	if err := c.server.authorizer.AuthorizeSubscription(ctx, c.userID, f.Channel); err != nil {
		zlog.C(ctx).Info("subscription denied", zap.String("channel", f.Channel), zap.Error(err))
		c.sendError(f.ID, err.Error())
		return
	}
	if err := c.subscribe(ctx, f.Channel); err != nil {
		zlog.C(ctx).Warn("subscribe failed", zap.String("channel", f.Channel), zap.Error(err))
		c.sendError(f.ID, "subscribe failed")
		return
	}
	_ = c.sendFrame(Frame{Type: FrameTypeSubscribed, ID: f.ID, Channel: f.Channel})
}

// subscribe 已经鉴权过的频道
func (c *Connection) subscribe(ctx context.Context, name string) error {
	ch, err := channel.Parse(name)
	if err != nil {
		return err
	}
	if err := c.sub.Subscribe(ctx, name); err != nil {
		return err
	}
	if ch.IsPresence() {
		if err := c.server.broker.Join(ctx, name, c.userID); err != nil {
			zlog.C(ctx).Warn("join roster failed", zap.String("channel", name), zap.Error(err))
		}
	}
	c.channels[name] = ch
	return nil
}

func (c *Connection) handleUnsubscribe(f Frame) {
	ch, ok := c.channels[f.Channel]
	if !ok {
		_ = c.sendFrame(Frame{Type: FrameTypeUnsubscribed, ID: f.ID, Channel: f.Channel})
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()
	c.unsubscribe(ctx, ch)
	_ = c.sendFrame(Frame{Type: FrameTypeUnsubscribed, ID: f.ID, Channel: f.Channel})
}

func (c *Connection) unsubscribe(ctx context.Context, ch channel.Channel) {
	if err := c.sub.Unsubscribe(ctx, ch.Name); err != nil {
		zlog.C(ctx).Warn("unsubscribe failed", zap.String("channel", ch.Name), zap.Error(err))
	}
	if ch.IsPresence() {
		if err := c.server.broker.Leave(ctx, ch.Name, c.userID); err != nil {
			zlog.C(ctx).Warn("leave roster failed", zap.String("channel", ch.Name), zap.Error(err))
		}
	}
	delete(c.channels, ch.Name)
}

func (c *Connection) handleCommand(f Frame) {
	cmd, err := event.DecodeCommand(event.Action(f.Action), f.Data)
	if err != nil {
		c.sendError(f.ID, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()
	ctx = zlog.With(ctx, zap.String("action", f.Action))

	result, err := c.server.dispatcher.Dispatch(ctx, c.userID, cmd)
	if err != nil {
		zlog.C(ctx).Info("command rejected", zap.Error(err))
		c.sendError(f.ID, err.Error())
		return
	}

	var data json.RawMessage
	if result != nil {
		if data, err = json.Marshal(result); err != nil {
			c.sendError(f.ID, "encode result failed")
			return
		}
	}
	_ = c.sendFrame(Frame{Type: FrameTypeAck, ID: f.ID, Action: f.Action, Data: data})
}

func (c *Connection) cleanup() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), commandTimeout)
	defer cancel()

	for _, ch := range c.channels {
		if ch.IsPresence() {
			if err := c.server.broker.Leave(ctx, ch.Name, c.userID); err != nil {
				zlog.C(ctx).Warn("leave roster failed", zap.String("channel", ch.Name), zap.Error(err))
			}
		}
	}
	if err := c.sub.Close(); err != nil {
		zlog.C(ctx).Debug("close subscription failed", zap.Error(err))
	}
	_ = c.Close()
	c.server.unregister(ctx, c)
}

func (c *Connection) sendFrame(f Frame) error {
	if f.Ts == 0 {
		f.Ts = time.Now().UnixMilli()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Connection) sendError(id, msg string) {
	_ = c.sendFrame(Frame{Type: FrameTypeError, ID: id, Error: msg})
}
