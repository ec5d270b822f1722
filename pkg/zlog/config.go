package zlog

import (
	"fmt"
	"strings"
)

// FileConfig 本地轮转文件策略，tag 被 viper 用来匹配字段
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空不写文件
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Config 日志配置，对应配置文件里的 log 段
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // json|console
	Development  bool       `mapstructure:"development"`   // 开发模式编码器（彩色级别、完整时间）
	Stdout       bool       `mapstructure:"stdout"`        // 是否同时输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

// Validate 严格校验并补全文件轮转的缺省值
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("log config: service must not be empty")
	}

	c.Level = strings.ToLower(c.Level)
	if !ValidLevel(c.Level) {
		return fmt.Errorf("log config: level must be one of debug/info/warn/error, got %q", c.Level)
	}

	switch strings.ToLower(c.Encoding) {
	case "json", "console":
	default:
		return fmt.Errorf("log config: encoding must be json or console, got %q", c.Encoding)
	}

	if !c.Stdout && c.File.Path == "" {
		return fmt.Errorf("log config: file.path is required when stdout is false")
	}

	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups < 0 {
			c.File.MaxBackups = 60
		}
		if c.File.MaxAgeDay < 0 {
			c.File.MaxAgeDay = 30
		}
	}
	return nil
}
