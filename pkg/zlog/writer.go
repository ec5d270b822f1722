package zlog

import (
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// buildWriteSyncer 根据配置组装所有输出，未配置文件时 closer 为 nil
func buildWriteSyncer(cfg Config) (zapcore.WriteSyncer, io.Closer) {
	var syncers []zapcore.WriteSyncer
	var closer io.Closer

	if cfg.Stdout {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}

	if p := cfg.File.Path; p != "" {
		lj := &lumberjack.Logger{
			Filename:   p,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDay,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
			LocalTime:  true,
		}
		syncers = append(syncers, zapcore.AddSync(lj))
		closer = lj
	}

	return zapcore.NewMultiWriteSyncer(syncers...), closer
}
