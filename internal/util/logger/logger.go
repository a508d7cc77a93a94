// Package logger 提供 natmap 的统一日志系统
//
// 基于标准库 log/slog，支持：
//   - 按子系统配置日志级别
//   - 环境变量配置（NATMAP_LOG_LEVEL, NATMAP_LOG_FORMAT）
//   - 可替换的日志输出（SetOutput）与日志 Handler（SetHandler）
//
// 使用示例:
//
//	package upnp
//
//	import "github.com/dep2p/go-natmap/internal/util/logger"
//
//	var log = logger.Logger("nat.upnp")
//
//	func foo() {
//	    log.Info("发现 UPnP 网关", "location", location, "control", controlURL)
//	    log.Debug("SSDP 回复", "from", remote, "bytes", n)
//	}
//
// 环境变量配置:
//
//	# 所有子系统 info，nat.upnp 为 debug
//	NATMAP_LOG_LEVEL=nat.upnp=debug,info
//
//	# 使用 JSON 格式输出
//	NATMAP_LOG_FORMAT=json
package logger

import (
	"io"
	"log/slog"
	"sync"
)

var (
	// loggers 缓存各子系统的 Logger
	loggers sync.Map // map[string]*slog.Logger

	// handlers 缓存各子系统的 Handler（用于动态调整级别）
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger 获取指定子系统的 Logger
//
// 同一子系统多次调用会返回相同的 Logger 实例。
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}

	cfg := ConfigFromEnv()
	handler := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg.Format)

	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(handler))
	if !loaded {
		handlers.Store(subsystem, handler)
	}
	return actual.(*slog.Logger)
}

// SetLevel 动态设置子系统的日志级别
//
//	logger.SetLevel("nat.upnp", slog.LevelDebug)
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).SetLevel(level)
	}
}

// SetGlobalLevel 设置所有已创建子系统的日志级别
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, value any) bool {
		value.(*subsystemHandler).SetLevel(level)
		return true
	})
}

// Discard 返回一个丢弃所有日志的 Logger
func Discard() *slog.Logger {
	return slog.New(DiscardHandler())
}

// With 创建带有预设属性的 Logger
func With(subsystem string, args ...any) *slog.Logger {
	return Logger(subsystem).With(args...)
}

// SetOutput 设置全局日志输出目标
//
// 已创建的 Logger 通过 dynamicWriter 自动重定向到新的 writer。
func SetOutput(w io.Writer) {
	globalOutputMu.Lock()
	globalOutput = w
	globalOutputMu.Unlock()
}

// SetHandler 接入外部日志 Handler
//
// 设置后所有子系统的日志记录（附带 subsystem 属性）转发给 h，
// 子系统级别过滤仍然生效。传入 nil 恢复内置输出。
func SetHandler(h slog.Handler) {
	globalSinkMu.Lock()
	globalSink = h
	globalSinkMu.Unlock()
}
