// Package netif 枚举可用于网关发现的本地 IPv4 地址
//
// 每个地址附带其所在网段与候选网关：
//   - 默认网关落在该网段内时使用默认网关
//   - 否则推导该网段的首个主机地址（常见的 x.y.z.1 路由器）
package netif

import (
	"net"
	"sort"

	"github.com/jackpal/gateway"

	"github.com/dep2p/go-natmap/internal/util/logger"
)

var log = logger.Logger("nat.netif")

//go:generate go run go.uber.org/mock/mockgen -package mocknetif -destination mocks/mock_enumerator.go github.com/dep2p/go-natmap/internal/core/nat/netif Enumerator

// Address 本地单播地址及其候选网关
type Address struct {
	// IP 本地 IPv4 地址
	IP net.IP

	// Network 所在网段，可能为空
	Network *net.IPNet

	// Interface 所属网卡，可能为空
	Interface *net.Interface

	// Gateways 候选网关
	Gateways []net.IP
}

// Contains 判断 ip 是否与该地址处于同一网段
func (a Address) Contains(ip net.IP) bool {
	return a.Network != nil && a.Network.Contains(ip)
}

// String 返回地址的可读表示
func (a Address) String() string {
	if a.Network != nil {
		return (&net.IPNet{IP: a.IP, Mask: a.Network.Mask}).String()
	}
	return a.IP.String()
}

// Enumerator 本地地址枚举器
type Enumerator interface {
	// Addresses 返回可用的本地 IPv4 单播地址
	Addresses() ([]Address, error)
}

// ============================================================================
//                              Static
// ============================================================================

// Static 固定地址列表，用于已知网关或测试
type Static []Address

// Addresses 实现 Enumerator
func (s Static) Addresses() ([]Address, error) {
	out := make([]Address, len(s))
	copy(out, s)
	return out, nil
}

// ============================================================================
//                              System
// ============================================================================

// System 基于操作系统网卡信息的枚举器
type System struct {
	// discoverGateway 默认网关探测，测试中可替换
	discoverGateway func() (net.IP, error)
	interfaces      func() ([]net.Interface, error)
}

// NewSystem 创建系统枚举器
func NewSystem() *System {
	return &System{
		discoverGateway: gateway.DiscoverGateway,
		interfaces:      net.Interfaces,
	}
}

// Addresses 实现 Enumerator
//
// 过滤规则：
// - 接口必须 UP，排除 Loopback 与点对点链路
// - 排除虚拟网卡（utun/bridge/docker 等）
// - 排除黑名单地址段（127/169.254/198.18 等）
// - 与默认网关同网段的地址优先
func (s *System) Addresses() ([]Address, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		return nil, err
	}

	defaultGW, gwErr := s.discoverGateway()
	if gwErr != nil {
		log.Debug("默认网关探测失败，使用网段推导", "err", gwErr)
		defaultGW = nil
	} else {
		defaultGW = defaultGW.To4()
	}

	var result []Address
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			log.Debug("跳过虚拟网卡", "iface", iface.Name)
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			log.Debug("获取接口地址失败", "iface", iface.Name, "err", err)
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || isBlockedIP(ip4) {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			network := &net.IPNet{IP: ip4.Mask(mask), Mask: mask}
			result = append(result, Address{
				IP:        ip4,
				Network:   network,
				Interface: &iface,
				Gateways:  []net.IP{candidateGateway(ip4, network, defaultGW)},
			})
		}
	}

	if defaultGW != nil {
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].Contains(defaultGW) && !result[j].Contains(defaultGW)
		})
	}
	return result, nil
}

// candidateGateway 选择地址对应的网关
func candidateGateway(ip net.IP, network *net.IPNet, defaultGW net.IP) net.IP {
	if defaultGW != nil && network != nil && network.Contains(defaultGW) {
		return defaultGW
	}
	return DeriveGateway(ip, network)
}

// DeriveGateway 推导网段内的首个主机地址
func DeriveGateway(ip net.IP, network *net.IPNet) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	var base net.IP
	if network != nil && len(network.Mask) > 0 {
		base = ip4.Mask(network.Mask)
	}
	if base == nil {
		base = make(net.IP, 4)
		copy(base, ip4)
		base[3] = 0
	}
	gw := make(net.IP, 4)
	copy(gw, base)
	gw[3]++
	return gw
}
