package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"

	"github.com/EthanQC/realtime/internal/adapters/in/ws"
	"github.com/EthanQC/realtime/internal/domain/event"
)

// Config 压测配置
type Config struct {
	Mode           string        // connect-only, heartbeat, typing
	Target         string        // WebSocket URL
	Conns          int           // 总连接数
	Duration       time.Duration // 压测持续时间
	Ramp           time.Duration // 爬坡时间
	PingInterval   time.Duration // 应用层 ping 间隔
	CmdRate        int           // 每连接每分钟指令数
	Secret         string        // JWT 签名密钥
	BaseUserID     uint64        // 压测用户ID起点
	ConversationID uint64        // typing 模式使用的会话
	Output         string        // text, json, csv
	Verbose        bool
}

// Conn WebSocket 连接包装
type Conn struct {
	id     int
	userID uint64
	conn   *websocket.Conn

	writeMu sync.Mutex
	seq     int64
	// 请求ID -> 发送时间，用于计算 ack 往返延迟
	pending sync.Map
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== wsbench - realtime WebSocket 压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	fmt.Println()

	stats := newStats()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", "connect-only", "压测模式: connect-only, heartbeat, typing")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8086/ws", "WebSocket URL")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", time.Minute, "爬坡时间")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "ping 间隔")
	flag.IntVar(&cfg.CmdRate, "cmd-rate", 10, "每连接每分钟指令数")
	flag.StringVar(&cfg.Secret, "secret", "dev-secret-change-me", "JWT 签名密钥，需与服务端 auth.jwt_secret 一致")
	flag.Uint64Var(&cfg.BaseUserID, "base-user-id", 100000, "压测用户ID起点")
	flag.Uint64Var(&cfg.ConversationID, "conversation-id", 1, "typing 模式使用的会话ID")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")

	flag.Parse()
	return cfg
}

// signToken 为压测用户签发 HS256 令牌
func signToken(secret string, userID uint64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	connsPerSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if connsPerSecond < 1 {
		connsPerSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", connsPerSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns []*Conn
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / connsPerSecond))
	defer ticker.Stop()

ramp:
	for id := 0; id < cfg.Conns; {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				defer bar.Add(1)
				if c := createConnection(ctx, id, cfg, stats); c != nil {
					mu.Lock()
					conns = append(conns, c)
					mu.Unlock()
				}
			}(id)
			id++
		}
	}
	wg.Wait()
	_ = bar.Finish()
	fmt.Println()
	fmt.Printf("成功建立 %d 个连接\n", len(conns))

	if len(conns) == 0 {
		fmt.Println("没有成功建立的连接，退出")
		return
	}

	remaining := cfg.Duration - time.Since(stats.StartTime)
	if remaining <= 0 {
		remaining = time.Minute
	}
	fmt.Printf("维持连接 %s...\n\n", remaining)

	runCtx, stop := context.WithTimeout(ctx, remaining)
	defer stop()

	var connWg sync.WaitGroup
	for _, c := range conns {
		connWg.Add(1)
		go func(c *Conn) {
			defer connWg.Done()
			runConnection(runCtx, c, cfg, stats)
		}(c)
	}

	done := make(chan struct{})
	go func() {
		connWg.Wait()
		close(done)
	}()

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-reportTicker.C:
			printProgress(stats)
		}
	}
}

func createConnection(ctx context.Context, id int, cfg Config, stats *Stats) *Conn {
	atomic.AddInt64(&stats.TotalAttempts, 1)
	userID := cfg.BaseUserID + uint64(id)

	token, err := signToken(cfg.Secret, userID)
	if err != nil {
		stats.recordError("sign_token_failed")
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, cfg.Target, header)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		stats.recordError(err.Error())
		if cfg.Verbose {
			fmt.Printf("连接 %d 失败: %v\n", id, err)
		}
		return nil
	}
	stats.recordConnLatency(time.Since(start))

	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)
	return &Conn{id: id, userID: userID, conn: conn}
}

func runConnection(ctx context.Context, c *Conn, cfg Config, stats *Stats) {
	defer func() {
		_ = c.conn.Close()
		atomic.AddInt64(&stats.CurrentConns, -1)
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(c, stats)
	}()

	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	var cmdC <-chan time.Time
	if cfg.Mode != "connect-only" && cfg.CmdRate > 0 {
		cmdTicker := time.NewTicker(time.Minute / time.Duration(cfg.CmdRate))
		defer cmdTicker.Stop()
		cmdC = cmdTicker.C
	}

	typing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-pingTicker.C:
			if err := c.send(ws.Frame{Type: ws.FrameTypePing}); err != nil {
				stats.recordError("ping_failed")
				continue
			}
			atomic.AddInt64(&stats.PingsSent, 1)
		case <-cmdC:
			var (
				action event.Action
				data   interface{}
			)
			switch cfg.Mode {
			case "typing":
				typing = !typing
				action = event.ActionTyping
				data = event.SetTyping{ConversationID: cfg.ConversationID, IsTyping: typing}
			default:
				action = event.ActionHeartbeat
				data = event.Heartbeat{}
			}
			if err := c.command(action, data); err != nil {
				atomic.AddInt64(&stats.CommandsFailed, 1)
				continue
			}
			atomic.AddInt64(&stats.CommandsSent, 1)
		}
	}
}

func readLoop(c *Conn, stats *Stats) {
	for {
		// 服务端 pongWait 为 60s，这里给 1.5 倍余量
		_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				atomic.AddInt64(&stats.Disconnects, 1)
			}
			return
		}

		var f ws.Frame
		if json.Unmarshal(data, &f) != nil {
			stats.recordError("bad_frame")
			continue
		}
		switch f.Type {
		case ws.FrameTypePong:
			atomic.AddInt64(&stats.PongsReceived, 1)
		case ws.FrameTypeAck, ws.FrameTypeError:
			if f.Type == ws.FrameTypeError {
				stats.recordError(f.Error)
			}
			if sent, ok := c.pending.LoadAndDelete(f.ID); ok {
				atomic.AddInt64(&stats.AcksReceived, 1)
				stats.recordCmdLatency(time.Since(sent.(time.Time)))
			}
		case ws.FrameTypeEvent:
			atomic.AddInt64(&stats.EventsReceived, 1)
		}
	}
}

func (c *Conn) command(action event.Action, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	id := strconv.FormatInt(atomic.AddInt64(&c.seq, 1), 10)
	c.pending.Store(id, time.Now())
	if err := c.send(ws.Frame{Type: ws.FrameTypeCommand, ID: id, Action: string(action), Data: data}); err != nil {
		c.pending.Delete(id)
		return err
	}
	return nil
}

func (c *Conn) send(f ws.Frame) error {
	f.Ts = time.Now().UnixMilli()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
