package nat

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
//                              传输协议
// ============================================================================

// Protocol 端口映射的传输层协议
type Protocol int

const (
	// ProtocolTCP TCP
	ProtocolTCP Protocol = iota

	// ProtocolUDP UDP
	ProtocolUDP
)

// String 返回协议的 UPnP 表示（TCP/UDP）
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// ParseProtocol 解析协议名称（大小写不敏感）
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP, nil
	case "UDP":
		return ProtocolUDP, nil
	default:
		return 0, fmt.Errorf("nat: unknown protocol %q", s)
	}
}

// ============================================================================
//                              Mapping
// ============================================================================

// Mapping 端口映射记录
//
// 创建请求返回后，网关实际分配的 ExternalPort 与 Lifetime 会就地写回。
type Mapping struct {
	// Protocol 传输协议
	Protocol Protocol

	// InternalPort 内部端口
	InternalPort uint16

	// ExternalPort 外部端口（0 表示与内部端口相同）
	ExternalPort uint16

	// Lifetime 租期（秒），0 表示永久或未指定
	Lifetime uint32

	// Description 映射描述
	Description string

	// Expiry 到期时间，永久映射为零值
	Expiry time.Time

	// 以下字段仅由 UPnP 枚举/查询填充

	// InternalClient 内部主机地址
	InternalClient string

	// RemoteHost 远端主机限制，空表示任意
	RemoteHost string

	// Enabled 映射是否启用
	Enabled bool
}

// NewMapping 创建端口映射
func NewMapping(proto Protocol, internalPort, externalPort uint16, lifetime uint32, description string) *Mapping {
	return &Mapping{
		Protocol:     proto,
		InternalPort: internalPort,
		ExternalPort: externalPort,
		Lifetime:     lifetime,
		Description:  description,
		Enabled:      true,
	}
}

// SetLifetime 设置租期并推导到期时间
func (m *Mapping) SetLifetime(now time.Time, lifetime uint32) {
	m.Lifetime = lifetime
	if lifetime == 0 {
		m.Expiry = time.Time{}
		return
	}
	m.Expiry = now.Add(time.Duration(lifetime) * time.Second)
}

// IsExpired 检查映射是否已过期
func (m *Mapping) IsExpired(now time.Time) bool {
	if m.Expiry.IsZero() {
		return false
	}
	return !now.Before(m.Expiry)
}

// TTL 返回剩余有效期，永久映射返回 0
func (m *Mapping) TTL(now time.Time) time.Duration {
	if m.Expiry.IsZero() {
		return 0
	}
	if d := m.Expiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Equal 判断两个映射是否指向同一内部端点
//
// 比较 Protocol 与 InternalPort，外部端口可能被网关改写，不参与比较。
func (m *Mapping) Equal(other *Mapping) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Protocol == other.Protocol && m.InternalPort == other.InternalPort
}

// String 返回映射的可读表示
func (m *Mapping) String() string {
	return fmt.Sprintf("%s %d->%d lifetime=%ds desc=%q", m.Protocol, m.ExternalPort, m.InternalPort, m.Lifetime, m.Description)
}
