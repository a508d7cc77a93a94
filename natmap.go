package natmap

import (
	"io"
	"log/slog"

	"go.uber.org/fx"

	"github.com/dep2p/go-natmap/internal/core/nat"
	"github.com/dep2p/go-natmap/internal/util/logger"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// ════════════════════════════════════════════════════════════════════════════
//                              版本信息
// ════════════════════════════════════════════════════════════════════════════

// Version 当前版本
const Version = "v0.1.0"

// ════════════════════════════════════════════════════════════════════════════
//                              类型别名
// ════════════════════════════════════════════════════════════════════════════

type (
	// Service 网关发现服务
	Service = nat.Service

	// Config 服务配置
	Config = nat.Config

	// Device 已发现的网关设备
	Device = natif.Device

	// DeviceEvent 设备发现/丢失事件
	DeviceEvent = natif.DeviceEvent

	// EventType 设备事件类型
	EventType = natif.EventType

	// NATProtocol 网关控制协议
	NATProtocol = natif.NATProtocol

	// Protocol 映射的传输层协议
	Protocol = natif.Protocol

	// Mapping 端口映射
	Mapping = natif.Mapping
)

// 常量再导出
const (
	DeviceFound = natif.DeviceFound
	DeviceLost  = natif.DeviceLost

	UPnP   = natif.ProtocolUPnP
	NATPMP = natif.ProtocolNATPMP

	TCP = natif.ProtocolTCP
	UDP = natif.ProtocolUDP
)

// ════════════════════════════════════════════════════════════════════════════
//                              构造
// ════════════════════════════════════════════════════════════════════════════

// New 创建网关发现服务
//
// 返回的服务尚未开始发现，调用方需要调用 StartDiscovery 或 Search。
func New(opts ...Option) (*Service, error) {
	cfg := nat.DefaultConfig()
	if err := cfg.ApplyOptions(opts...); err != nil {
		return nil, err
	}
	return nat.NewService(cfg)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return nat.DefaultConfig()
}

// NewMapping 创建端口映射
//
// externalPort 为 0 时由网关决定外部端口。
func NewMapping(proto Protocol, internalPort, externalPort uint16, lifetime uint32, description string) *Mapping {
	return natif.NewMapping(proto, internalPort, externalPort, lifetime, description)
}

// Module 返回 fx 模块
//
// 模块提供名为 "nat" 的 DiscoveryService，OnStart 开始发现，OnStop 关闭服务。
func Module() fx.Option {
	return nat.Module()
}

// ════════════════════════════════════════════════════════════════════════════
//                              日志
// ════════════════════════════════════════════════════════════════════════════

// SetLogOutput 设置日志输出目标
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLogHandler 接入外部 slog Handler，传入 nil 恢复内置输出
func SetLogHandler(h slog.Handler) {
	logger.SetHandler(h)
}

// SetLogLevel 设置子系统日志级别，例如 "nat.upnp"
func SetLogLevel(subsystem string, level slog.Level) {
	logger.SetLevel(subsystem, level)
}
