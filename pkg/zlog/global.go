package zlog

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// InitGlobal 创建 logger 并替换 zap 全局实例
// 返回的函数在退出时调用，刷盘、关闭文件并停止信号监听
func InitGlobal(cfg Config) (func(), error) {
	l, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	restore := zap.ReplaceGlobals(l)
	stop := setupSignalHandler()

	return func() {
		stop()
		_ = l.Sync()
		restore()
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

// MustInitGlobal 同 InitGlobal，失败直接 panic
func MustInitGlobal(cfg Config) func() {
	cleanup, err := InitGlobal(cfg)
	if err != nil {
		panic(err)
	}
	return cleanup
}

// setupSignalHandler 监听 SIGHUP 在 debug 与 info 之间切换
func setupSignalHandler() func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-c:
				if GetLevel() == "debug" {
					SetLevel("info")
				} else {
					SetLevel("debug")
				}
				zap.L().Info("log level toggled", zap.String("now", GetLevel()))
			}
		}
	}()
	return func() {
		signal.Stop(c)
		close(done)
	}
}
