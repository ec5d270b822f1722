package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EthanQC/realtime/pkg/zlog"
)

const envPrefix = "REALTIME"

// Config 服务配置，对应 configs/config.{APP_ENV}.yaml
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Room      RoomConfig      `mapstructure:"room"`
	Call      CallConfig      `mapstructure:"call"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Messages  MessagesConfig  `mapstructure:"messages"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       zlog.Config     `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MySQLConfig DSN 为空时使用进程内仓储
type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// KafkaConfig Brokers 为空时使用进程内重试队列
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	TeardownTopic string   `mapstructure:"teardown_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

type PubSubConfig struct {
	Driver         string        `mapstructure:"driver"` // redis|memory
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type RoomConfig struct {
	Driver  string        `mapstructure:"driver"` // http|memory
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	RoomTTL time.Duration `mapstructure:"room_ttl"`
}

type CallConfig struct {
	RingTimeout         time.Duration `mapstructure:"ring_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	Retention           time.Duration `mapstructure:"retention"`
	DurationTolerance   time.Duration `mapstructure:"duration_tolerance"`
	TeardownMaxAttempts int           `mapstructure:"teardown_max_attempts"`
	TeardownBackoff     time.Duration `mapstructure:"teardown_backoff"`
}

type PresenceConfig struct {
	StalenessWindow  time.Duration `mapstructure:"staleness_window"`
	BroadcastChanges bool          `mapstructure:"broadcast_changes"`
}

type MessagesConfig struct {
	BroadcastReads bool          `mapstructure:"broadcast_reads"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8086)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.auto_migrate", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.teardown_topic", "rt.room.teardown")
	v.SetDefault("kafka.group_id", "realtime-teardown")

	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.publish_timeout", 3*time.Second)

	v.SetDefault("room.driver", "memory")
	v.SetDefault("room.base_url", "")
	v.SetDefault("room.api_key", "")
	v.SetDefault("room.timeout", 5*time.Second)
	v.SetDefault("room.room_ttl", 2*time.Hour)

	v.SetDefault("call.ring_timeout", 60*time.Second)
	v.SetDefault("call.sweep_interval", 5*time.Second)
	v.SetDefault("call.retention", 24*time.Hour)
	v.SetDefault("call.duration_tolerance", 2*time.Second)
	v.SetDefault("call.teardown_max_attempts", 5)
	v.SetDefault("call.teardown_backoff", 2*time.Second)

	v.SetDefault("presence.staleness_window", 120*time.Second)
	v.SetDefault("presence.broadcast_changes", true)

	v.SetDefault("messages.broadcast_reads", true)
	v.SetDefault("messages.dedupe_ttl", 24*time.Hour)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("ratelimit.per_minute", 600)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("log.service", "realtime")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.enable_metric", true)
}

// Load 读取配置文件并应用 REALTIME_ 前缀的环境变量覆盖
// 找不到配置文件时只使用默认值
func Load(paths ...string) (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "../configs", "../../configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值组合
func (c *Config) Validate() error {
	switch c.PubSub.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("pubsub.driver must be redis or memory, got %q", c.PubSub.Driver)
	}
	switch c.Room.Driver {
	case "memory":
	case "http":
		if c.Room.BaseURL == "" {
			return errors.New("room.base_url is required when room.driver is http")
		}
	default:
		return fmt.Errorf("room.driver must be http or memory, got %q", c.Room.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Call.RingTimeout <= 0 {
		return errors.New("call.ring_timeout must be positive")
	}
	return c.Log.Validate()
}
