// Package sockets 管理发现用的 UDP 套接字组
//
// 每个本地单播地址绑定一个 UDP 套接字，使多网卡主机上的回复沿原路径返回。
// 每个套接字关联其网关目标：UPnP 为固定组播组，NAT-PMP 为具体网关。
// 组内所有发送由一把发送锁串行化。
package sockets

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"

	"github.com/dep2p/go-natmap/internal/core/nat/netif"
	"github.com/dep2p/go-natmap/internal/util/logger"
)

var log = logger.Logger("nat.sockets")

var (
	// ErrNoSockets 没有任何地址绑定成功
	ErrNoSockets = errors.New("nat: no usable local address")

	// ErrGroupClosed 套接字组已关闭
	ErrGroupClosed = errors.New("nat: socket group closed")
)

// DefaultMulticastTTL SSDP 组播 TTL
const DefaultMulticastTTL = 2

// TargetFunc 返回本地地址对应的网关目标
type TargetFunc func(addr netif.Address) []*net.UDPAddr

// Options 绑定选项
type Options struct {
	// MulticastTTL 组播 TTL，0 使用 DefaultMulticastTTL
	MulticastTTL int

	// FallbackAny 没有地址可绑定时退回通配地址
	FallbackAny bool
}

// ============================================================================
//                              Socket
// ============================================================================

// Socket 绑定到单个本地地址的 UDP 套接字
type Socket struct {
	conn    *net.UDPConn
	addr    netif.Address
	targets []*net.UDPAddr
}

// LocalIP 返回绑定的本地地址
func (s *Socket) LocalIP() net.IP {
	return s.addr.IP
}

// LocalAddr 返回套接字本地端点
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Targets 返回套接字关联的网关目标
func (s *Socket) Targets() []*net.UDPAddr {
	return s.targets
}

// covers 判断该套接字是否可以直达 ip
func (s *Socket) covers(ip net.IP) bool {
	if s.addr.IP.IsUnspecified() {
		return true
	}
	return s.addr.Contains(ip)
}

// ReadFrom 读取一个数据报，deadline 到期返回超时错误
func (s *Socket) ReadFrom(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	return s.conn.ReadFromUDP(buf)
}

// ============================================================================
//                              Group
// ============================================================================

// Group 一组按本地地址绑定的 UDP 套接字
type Group struct {
	// sendMu 串行化所有发送
	sendMu sync.Mutex

	sockets []*Socket

	closeOnce sync.Once
	closed    chan struct{}
}

// Bind 为每个本地地址绑定一个 UDP 套接字
//
// 单个地址绑定失败只记录日志并跳过；全部失败时返回 ErrNoSockets。
func Bind(addrs []netif.Address, targets TargetFunc, opts Options) (*Group, error) {
	if opts.MulticastTTL <= 0 {
		opts.MulticastTTL = DefaultMulticastTTL
	}

	g := &Group{closed: make(chan struct{})}
	for _, addr := range addrs {
		sock, err := bindOne(addr, targets(addr), opts)
		if err != nil {
			log.Warn("绑定本地地址失败，跳过", "addr", addr.IP, "err", err)
			continue
		}
		g.sockets = append(g.sockets, sock)
		log.Debug("绑定发现套接字", "local", sock.LocalAddr(), "targets", len(sock.targets))
	}

	if len(g.sockets) == 0 && opts.FallbackAny {
		wildcard := netif.Address{IP: net.IPv4zero.To4()}
		sock, err := bindOne(wildcard, targets(wildcard), opts)
		if err != nil {
			log.Warn("绑定通配地址失败", "err", err)
		} else {
			g.sockets = append(g.sockets, sock)
			log.Debug("退回通配地址", "local", sock.LocalAddr())
		}
	}

	if len(g.sockets) == 0 {
		return nil, ErrNoSockets
	}
	return g, nil
}

func bindOne(addr netif.Address, targets []*net.UDPAddr, opts Options) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr.IP, Port: 0})
	if err != nil {
		return nil, err
	}

	if hasMulticast(targets) {
		pc := ipv4.NewPacketConn(conn)
		if addr.Interface != nil {
			if err := pc.SetMulticastInterface(addr.Interface); err != nil {
				log.Debug("设置组播出接口失败", "iface", addr.Interface.Name, "err", err)
			}
		}
		if err := pc.SetMulticastTTL(opts.MulticastTTL); err != nil {
			log.Debug("设置组播 TTL 失败", "addr", addr.IP, "err", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			log.Debug("设置组播回环失败", "addr", addr.IP, "err", err)
		}
	}

	return &Socket{conn: conn, addr: addr, targets: targets}, nil
}

func hasMulticast(targets []*net.UDPAddr) bool {
	for _, t := range targets {
		if t.IP.IsMulticast() {
			return true
		}
	}
	return false
}

// Sockets 返回组内套接字
func (g *Group) Sockets() []*Socket {
	return g.sockets
}

// Len 返回套接字数量
func (g *Group) Len() int {
	return len(g.sockets)
}

// IsTarget 判断 ip 是否为某个套接字的网关目标
func (g *Group) IsTarget(ip net.IP) bool {
	for _, s := range g.sockets {
		for _, t := range s.targets {
			if t.IP.Equal(ip) {
				return true
			}
		}
	}
	return false
}

// Send 发送数据报
//
// target 为 nil 时向每个套接字的全部网关目标扇出；
// 指定 target 时只经由与其同网段的套接字发送，没有匹配时经由全部套接字发送。
// 返回成功发送的数据报数量与合并后的发送错误。
func (g *Group) Send(ctx context.Context, payload []byte, target *net.UDPAddr) (int, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	select {
	case <-g.closed:
		return 0, ErrGroupClosed
	default:
	}

	var (
		sent int
		errs error
	)
	write := func(s *Socket, dst *net.UDPAddr) {
		if _, err := s.conn.WriteToUDP(payload, dst); err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		sent++
	}

	if target == nil {
		for _, s := range g.sockets {
			for _, dst := range s.targets {
				if err := ctx.Err(); err != nil {
					return sent, multierr.Append(errs, err)
				}
				write(s, dst)
			}
		}
		return sent, errs
	}

	var matched []*Socket
	for _, s := range g.sockets {
		if s.covers(target.IP) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		matched = g.sockets
	}
	for _, s := range matched {
		if err := ctx.Err(); err != nil {
			return sent, multierr.Append(errs, err)
		}
		write(s, target)
	}
	return sent, errs
}

// Close 关闭全部套接字
func (g *Group) Close() error {
	var errs error
	g.closeOnce.Do(func() {
		g.sendMu.Lock()
		close(g.closed)
		g.sendMu.Unlock()
		for _, s := range g.sockets {
			errs = multierr.Append(errs, s.conn.Close())
		}
	})
	return errs
}
