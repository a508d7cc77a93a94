package natmap

import (
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-natmap/internal/core/nat"
	"github.com/dep2p/go-natmap/internal/core/nat/netif"
)

// Option 配置选项函数
type Option = nat.Option

// WithUPnP 启用或禁用 UPnP IGD
func WithUPnP(enabled bool) Option {
	return nat.WithUPnP(enabled)
}

// WithNATPMP 启用或禁用 NAT-PMP
func WithNATPMP(enabled bool) Option {
	return nat.WithNATPMP(enabled)
}

// WithSearchIntervals 设置 UPnP 与 NAT-PMP 的周期性探测间隔
func WithSearchIntervals(upnp, natpmp time.Duration) Option {
	return nat.WithSearchIntervals(upnp, natpmp)
}

// WithHTTPTimeout 设置 UPnP 描述抓取与 SOAP 调用的超时
func WithHTTPTimeout(timeout time.Duration) Option {
	return nat.WithHTTPTimeout(timeout)
}

// WithClock 设置时间源
func WithClock(clk clock.Clock) Option {
	return nat.WithClock(clk)
}

// WithRegisterer 启用 prometheus 指标
func WithRegisterer(reg prometheus.Registerer) Option {
	return nat.WithRegisterer(reg)
}

// WithEventBuffer 设置事件通道容量
func WithEventBuffer(n int) Option {
	return nat.WithEventBuffer(n)
}

// WithLocalAddrs 只在给定的 IPv4 本地地址上发现网关
//
// 每个地址按 /24 网段推导候选网关。
func WithLocalAddrs(ips ...net.IP) Option {
	return func(c *nat.Config) error {
		addrs := make(netif.Static, 0, len(ips))
		for _, ip := range ips {
			v4 := ip.To4()
			if v4 == nil {
				return fmt.Errorf("not an IPv4 address: %s", ip)
			}
			mask := net.CIDRMask(24, 32)
			addrs = append(addrs, netif.Address{
				IP:      v4,
				Network: &net.IPNet{IP: v4.Mask(mask), Mask: mask},
			})
		}
		return nat.WithEnumerator(addrs)(c)
	}
}
