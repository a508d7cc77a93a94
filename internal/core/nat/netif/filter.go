package netif

import (
	"fmt"
	"net"
	"strings"
)

// virtualIfacePrefixes 虚拟网卡名称前缀黑名单
var virtualIfacePrefixes = []string{
	"utun",      // macOS/iOS VPN tunnel
	"bridge",    // Linux bridge
	"awdl",      // Apple Wireless Direct Link
	"llw",       // Low Latency WLAN
	"lo",        // Loopback
	"loopback",  // Windows loopback pseudo interface
	"gif",       // Generic tunnel interface
	"stf",       // 6to4 tunnel
	"tun",       // TUN device
	"tap",       // TAP device
	"wintun",    // WireGuard Wintun
	"vethernet", // Hyper-V vEthernet
	"docker",    // Docker bridge
	"vboxnet",   // VirtualBox
	"vmnet",     // VMware
	"veth",      // Virtual Ethernet
	"virbr",     // libvirt bridge
	"br-",       // Docker custom bridge
	"cni",       // Kubernetes CNI
	"flannel",   // Flannel overlay
	"calico",    // Calico overlay
}

// blockedCIDRs 不会存在 NAT 网关的地址段
var blockedCIDRs = []*net.IPNet{
	mustParseCIDR("127.0.0.0/8"),    // Loopback
	mustParseCIDR("169.254.0.0/16"), // Link-local
	mustParseCIDR("198.18.0.0/15"),  // Benchmark testing (常见 VPN 隧道地址)
	mustParseCIDR("224.0.0.0/4"),    // Multicast
	mustParseCIDR("240.0.0.0/4"),    // Reserved
}

// privateCIDRs RFC1918 私有地址段
var privateCIDRs = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
}

func mustParseCIDR(s string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		panic(fmt.Sprintf("invalid CIDR: %s", s))
	}
	return ipnet
}

// isVirtualInterface 判断是否为虚拟网卡
func isVirtualInterface(name string) bool {
	nameLower := strings.ToLower(name)
	for _, prefix := range virtualIfacePrefixes {
		if strings.HasPrefix(nameLower, prefix) {
			return true
		}
	}
	return false
}

// isBlockedIP 判断 IP 是否在黑名单地址段
func isBlockedIP(ip net.IP) bool {
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// IsPrivateAddress 判断是否为 RFC1918 私有地址
func IsPrivateAddress(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip4) {
			return true
		}
	}
	return false
}
