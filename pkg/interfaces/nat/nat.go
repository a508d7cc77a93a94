// Package nat 定义 NAT 网关发现与端口映射的公共接口
//
// 两种协议的设备（UPnP IGD 与 NAT-PMP）共享同一组操作契约：
// - 外部地址查询
// - 端口映射的创建与删除
// - 映射枚举（仅 UPnP 支持）
//
// 发现结果以 DeviceEvent 形式通过通道投递给调用方。
package nat

import (
	"context"
	"net"
	"time"

	"github.com/dep2p/go-natmap/pkg/lib/async"
)

// ============================================================================
//                              协议类型
// ============================================================================

// NATProtocol 网关设备使用的控制协议
type NATProtocol string

const (
	// ProtocolUPnP UPnP Internet Gateway Device
	ProtocolUPnP NATProtocol = "upnp"

	// ProtocolNATPMP NAT-PMP（RFC 6886）
	ProtocolNATPMP NATProtocol = "nat-pmp"
)

// String 返回协议名称
func (p NATProtocol) String() string {
	return string(p)
}

// ============================================================================
//                              Device 接口
// ============================================================================

// Device 已发现的 NAT 网关设备
//
// 每个操作同时提供阻塞版本与异步版本，阻塞版本等价于启动异步操作后等待其完成。
// 库不会串行化同一设备上的并发操作，需要严格顺序的调用方自行串行化。
type Device interface {
	// ID 返回设备身份标识
	//
	// UPnP 设备为 (endpoint, controlURL)，NAT-PMP 设备为公网地址。
	ID() string

	// Protocol 返回设备协议
	Protocol() NATProtocol

	// LocalAddress 返回发现该设备的本地地址
	LocalAddress() net.IP

	// Endpoint 返回设备的控制端点
	Endpoint() *net.UDPAddr

	// LastSeen 返回最近一次被发现回复确认的时间
	LastSeen() time.Time

	// MarkSeen 刷新 LastSeen
	MarkSeen(t time.Time)

	// GetExternalIP 获取网关的外部地址
	GetExternalIP(ctx context.Context) (net.IP, error)

	// CreatePortMap 创建端口映射
	//
	// 网关实际分配的外部端口与租期会写回 m。
	CreatePortMap(ctx context.Context, m *Mapping) (*Mapping, error)

	// DeletePortMap 删除端口映射
	DeletePortMap(ctx context.Context, m *Mapping) (*Mapping, error)

	// GetAllMappings 枚举网关上的全部映射
	//
	// NAT-PMP 设备返回 ErrUnsupportedOperation。
	GetAllMappings(ctx context.Context) ([]*Mapping, error)

	// GetSpecificMapping 查询指定协议与外部端口的映射
	//
	// NAT-PMP 设备返回 ErrUnsupportedOperation。
	GetSpecificMapping(ctx context.Context, proto Protocol, externalPort uint16) (*Mapping, error)

	GetExternalIPAsync(ctx context.Context) *async.Operation[net.IP]
	CreatePortMapAsync(ctx context.Context, m *Mapping) *async.Operation[*Mapping]
	DeletePortMapAsync(ctx context.Context, m *Mapping) *async.Operation[*Mapping]
	GetAllMappingsAsync(ctx context.Context) *async.Operation[[]*Mapping]
	GetSpecificMappingAsync(ctx context.Context, proto Protocol, externalPort uint16) *async.Operation[*Mapping]
}

// ============================================================================
//                              设备事件
// ============================================================================

// EventType 设备事件类型
type EventType int

const (
	// DeviceFound 设备首次加入注册表
	DeviceFound EventType = iota

	// DeviceLost 设备在最近一轮发现中未被确认，已从注册表移除
	DeviceLost
)

// String 返回事件类型名称
func (t EventType) String() string {
	switch t {
	case DeviceFound:
		return "found"
	case DeviceLost:
		return "lost"
	default:
		return "unknown"
	}
}

// DeviceEvent 设备发现/丢失事件
type DeviceEvent struct {
	Type   EventType
	Device Device
	At     time.Time
}

// ============================================================================
//                              发现服务接口
// ============================================================================

// DiscoveryService 网关发现服务
//
// 聚合 UPnP 与 NAT-PMP 两个相互独立的发现引擎。
type DiscoveryService interface {
	// StartDiscovery 开始周期性发现，未指定协议时启动全部已启用的协议
	StartDiscovery(protocols ...NATProtocol) error

	// Search 对指定网关执行一次性探测，target 为 nil 表示所有已知网关
	Search(target net.IP, protocols ...NATProtocol) error

	// StopDiscovery 停止发现
	StopDiscovery()

	// Devices 返回当前已发现设备的快照
	Devices() []Device

	// Events 返回设备事件通道，服务关闭后通道关闭
	Events() <-chan DeviceEvent

	// Close 停止发现并释放全部套接字
	Close() error
}
