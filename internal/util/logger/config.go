// Package logger 提供统一的日志接口
//
// 子系统名称以点分层，例如 nat、nat.upnp、nat.natpmp。
// 通过环境变量配置：
//   - NATMAP_LOG_LEVEL: 子系统=级别,...,默认级别
//     示例: nat=warn,nat.upnp=debug,info
//     为 nat 设置的级别同样作用于 nat.upnp 等下级子系统，更具体的配置优先
//   - NATMAP_LOG_FORMAT: text 或 json
//   - NATMAP_LOG_ADD_SOURCE: 1/true 时记录源码位置
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 环境变量名称
const (
	EnvLevel     = "NATMAP_LOG_LEVEL"
	EnvFormat    = "NATMAP_LOG_FORMAT"
	EnvAddSource = "NATMAP_LOG_ADD_SOURCE"
)

// LogFormat 日志输出格式
type LogFormat int

const (
	// FormatText 文本格式（默认）
	FormatText LogFormat = iota
	// FormatJSON JSON 格式
	FormatJSON
)

// Config 日志配置
type Config struct {
	// DefaultLevel 没有匹配任何子系统配置时的级别
	DefaultLevel slog.Level

	// SubsystemLevels 子系统（及其下级）的级别
	SubsystemLevels map[string]slog.Level

	Format    LogFormat
	AddSource bool
}

// LevelForSubsystem 返回子系统的日志级别
//
// 从完整名称开始逐级去掉最后一段查找，nat.upnp 依次匹配 nat.upnp、nat。
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	for name := subsystem; name != ""; {
		if level, ok := c.SubsystemLevels[name]; ok {
			return level
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return c.DefaultLevel
}

var (
	configMu    sync.Mutex
	configCache *Config
)

// ConfigFromEnv 返回从环境变量解析的配置，结果被缓存
func ConfigFromEnv() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	if configCache == nil {
		configCache = parseConfig(os.Getenv)
	}
	return configCache
}

// ResetConfig 丢弃缓存，下次 ConfigFromEnv 重新读取环境变量
//
// 已创建的 Logger 不受影响。
func ResetConfig() {
	configMu.Lock()
	configCache = nil
	configMu.Unlock()
}

func parseConfig(getenv func(string) string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
	}
	parseLevelConfig(cfg, getenv(EnvLevel))

	if strings.EqualFold(strings.TrimSpace(getenv(EnvFormat)), "json") {
		cfg.Format = FormatJSON
	}
	switch strings.ToLower(strings.TrimSpace(getenv(EnvAddSource))) {
	case "1", "true", "yes":
		cfg.AddSource = true
	}
	return cfg
}

// parseLevelConfig 解析 "nat.upnp=debug,warn"，无法识别的项被忽略
func parseLevelConfig(cfg *Config, spec string) {
	for _, part := range strings.Split(spec, ",") {
		name, levelName, scoped := strings.Cut(strings.TrimSpace(part), "=")
		if !scoped {
			levelName = name
		}
		level, ok := parseLevel(levelName)
		if !ok {
			continue
		}
		if scoped {
			cfg.SubsystemLevels[strings.TrimSpace(name)] = level
		} else {
			cfg.DefaultLevel = level
		}
	}
}

// parseLevel 接受 slog 的级别文本（debug、INFO、warn+2）以及 warning 别名
func parseLevel(name string) (slog.Level, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, false
	}
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn, true
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, false
	}
	return level, true
}
