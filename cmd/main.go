package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	httpIn "github.com/EthanQC/realtime/internal/adapters/in/http"
	"github.com/EthanQC/realtime/internal/adapters/in/ws"
	"github.com/EthanQC/realtime/internal/adapters/out/memory"
	"github.com/EthanQC/realtime/internal/adapters/out/mq"
	"github.com/EthanQC/realtime/internal/adapters/out/mysql"
	redisRepo "github.com/EthanQC/realtime/internal/adapters/out/redis"
	"github.com/EthanQC/realtime/internal/adapters/out/room"
	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/config"
	"github.com/EthanQC/realtime/internal/metrics"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// 进程内重试队列容量
const memoryQueueSize = 1024

// outbound 出站适配器集合
type outbound struct {
	broker        out.Broker
	presence      out.PresenceRepository
	deduper       out.NoticeDeduper
	calls         out.CallRepository
	conversations out.ConversationRepository
	users         out.UserDirectory
	chatLog       out.ChatLogWriter
	rooms         out.RoomProvider
	queue         out.TeardownQueue

	redisClient *goredis.Client
	db          *gorm.DB
}

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	flush := zlog.MustInitGlobal(cfg.Log)
	defer flush()
	logger := zap.L()
	logger.Info("realtime service starting",
		zap.Int("port", cfg.Server.HTTPPort),
		zap.String("pubsub", cfg.PubSub.Driver),
		zap.String("room", cfg.Room.Driver),
	)

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)
	if cfg.Log.EnableMetric {
		zlog.RegisterMetrics(registry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapters, err := initOutbound(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to init adapters", zap.Error(err))
	}

	// 初始化用例层
	gateway := application.NewPubSubGateway(adapters.broker, adapters.conversations, cfg.PubSub.PublishTimeout)
	presenceUseCase := application.NewPresenceUseCase(application.PresenceConfig{
		StalenessWindow:  cfg.Presence.StalenessWindow,
		BroadcastChanges: cfg.Presence.BroadcastChanges,
	}, adapters.presence, adapters.conversations, gateway)
	typingUseCase := application.NewTypingUseCase(adapters.conversations, adapters.users, gateway)
	messageUseCase := application.NewMessageUseCase(application.MessageConfig{
		BroadcastReads: cfg.Messages.BroadcastReads,
	}, adapters.conversations, adapters.deduper, gateway)

	roomManager := application.NewRoomManager(application.RoomConfig{
		Timeout:     cfg.Room.Timeout,
		MaxAttempts: cfg.Call.TeardownMaxAttempts,
		Backoff:     cfg.Call.TeardownBackoff,
	}, adapters.rooms, adapters.queue)
	signalingUseCase := application.NewSignalingUseCase(application.SignalingConfig{
		RingTimeout:       cfg.Call.RingTimeout,
		DurationTolerance: cfg.Call.DurationTolerance,
	}, adapters.calls, adapters.conversations, adapters.users, adapters.chatLog, roomManager, gateway)
	sweeper := application.NewCallSweeper(signalingUseCase, cfg.Call.SweepInterval, cfg.Call.Retention)
	dispatcher := application.NewDispatcher(presenceUseCase, typingUseCase, messageUseCase, signalingUseCase)

	// 后台任务
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{}, 2)
	go func() {
		defer func() { workersDone <- struct{}{} }()
		if err := roomManager.RunTeardownWorker(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("teardown worker stopped", zap.Error(err))
		}
	}()
	go func() {
		defer func() { workersDone <- struct{}{} }()
		sweeper.Run(workerCtx)
	}()

	// 接入层
	wsServer := ws.NewServer(adapters.broker, gateway, dispatcher, presenceUseCase)
	limiter := httpIn.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	handler := httpIn.NewHandler(presenceUseCase, typingUseCase, messageUseCase, signalingUseCase, gateway)
	router := httpIn.NewRouter(httpIn.RouterOptions{
		Handler:  handler,
		Verifier: httpIn.NewTokenVerifier(cfg.Auth.JWTSecret),
		Limiter:  limiter,
		Sockets:  wsServer,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Stats:    wsServer.Stats,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	wsServer.Shutdown(shutdownCtx)

	stopWorkers()
wait:
	for i := 0; i < 2; i++ {
		select {
		case <-workersDone:
		case <-shutdownCtx.Done():
			logger.Warn("background workers did not stop in time")
			break wait
		}
	}
	signalingUseCase.Close()
	limiter.Stop()

	adapters.close(logger)
	logger.Info("Server exited properly")
}

// initOutbound 按配置选择出站适配器，未配置的外部依赖退回进程内实现
func initOutbound(ctx context.Context, cfg *config.Config) (*outbound, error) {
	logger := zap.L()
	o := &outbound{}

	// Redis：发布订阅、在线状态、消息去重
	if cfg.PubSub.Driver == "redis" {
		client, err := redisRepo.NewClient(ctx, redisRepo.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		o.redisClient = client
		o.broker = redisRepo.NewPubSubProvider(client)
		o.presence = redisRepo.NewPresenceRepositoryRedis(client)
		o.deduper = redisRepo.NewNoticeDeduper(client, cfg.Messages.DedupeTTL)
	} else {
		logger.Warn("pubsub driver is memory, events stay inside this process")
		o.broker = memory.NewHub()
		o.presence = memory.NewPresenceRepository()
		o.deduper = memory.NewNoticeDeduper(cfg.Messages.DedupeTTL)
	}

	// MySQL：通话记录、会话成员、用户资料
	if cfg.MySQL.DSN != "" {
		db, err := mysql.Open(mysql.Options{
			DSN:          cfg.MySQL.DSN,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			AutoMigrate:  cfg.MySQL.AutoMigrate,
		})
		if err != nil {
			o.close(logger)
			return nil, err
		}
		o.db = db
		o.calls = mysql.NewCallRepositoryMySQL(db)
		o.conversations = mysql.NewConversationRepositoryMySQL(db)
		o.users = mysql.NewUserDirectoryMySQL(db)
		o.chatLog = mysql.NewChatLogWriterMySQL(db)
	} else {
		logger.Warn("mysql dsn is empty, using in-memory repositories")
		o.calls = memory.NewCallRepository()
		o.conversations = memory.NewConversationRepository()
		o.users = memory.NewUserDirectory()
		o.chatLog = memory.NewChatLog()
	}

	// 房间服务
	if cfg.Room.Driver == "http" {
		provider, err := room.NewHTTPProvider(room.Options{
			BaseURL: cfg.Room.BaseURL,
			APIKey:  cfg.Room.APIKey,
			Timeout: cfg.Room.Timeout,
			RoomTTL: cfg.Room.RoomTTL,
		})
		if err != nil {
			o.close(logger)
			return nil, err
		}
		o.rooms = provider
	} else {
		o.rooms = memory.NewRoomProvider(cfg.Room.RoomTTL)
	}

	// 房间销毁重试队列
	if len(cfg.Kafka.Brokers) > 0 {
		queue, err := mq.NewKafkaTeardownQueue(mq.Options{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TeardownTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			o.close(logger)
			return nil, err
		}
		o.queue = queue
	} else {
		o.queue = memory.NewTeardownQueue(memoryQueueSize)
	}

	return o, nil
}

func (o *outbound) close(logger *zap.Logger) {
	if o.queue != nil {
		if err := o.queue.Close(); err != nil {
			logger.Warn("teardown queue close error", zap.Error(err))
		}
	}
	if o.redisClient != nil {
		if err := o.redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}
	if o.db != nil {
		if err := mysql.Close(o.db); err != nil {
			logger.Warn("mysql close error", zap.Error(err))
		}
	}
}
