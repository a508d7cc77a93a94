package natpmp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/core/nat/netif"
	"github.com/dep2p/go-natmap/internal/core/nat/searcher"
	"github.com/dep2p/go-natmap/internal/core/nat/sockets"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// HandlerConfig 发现处理器配置
type HandlerConfig struct {
	// Port 网关端口，默认 ServerPort
	Port int

	// Clock 时间源
	Clock clock.Clock

	// RetryDelay 首次重传等待，默认 RetryDelay
	RetryDelay time.Duration

	// RetryAttempts 最大发送次数，默认 RetryAttempts
	RetryAttempts int

	// Tracer 指标追踪器
	Tracer metrics.Tracer
}

// Handler NAT-PMP 发现处理器
//
// 每轮探测向所有候选网关发送外部地址请求，按指数退避重发；
// 收到第一个合法回复后进行中的探测全部提前结束。
// 周期性探测与一次性探测可以同时进行。
type Handler struct {
	group    *sockets.Group
	port     int
	clock    clock.Clock
	delay    time.Duration
	attempts int
	devOpts  DeviceOptions

	mu        sync.Mutex
	nextBurst uint64
	bursts    map[uint64]context.CancelFunc
	// explicit 一次性探测期间额外接受的网关地址（引用计数）
	explicit map[string]int
}

var _ searcher.Handler = (*Handler)(nil)

// NewHandler 创建发现处理器
//
// group 用于校验回复来源，只接受来自候选网关或一次性探测目标的报文。
func NewHandler(group *sockets.Group, cfg HandlerConfig) *Handler {
	if cfg.Port == 0 {
		cfg.Port = ServerPort
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = RetryDelay
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = RetryAttempts
	}
	return &Handler{
		group:    group,
		port:     cfg.Port,
		clock:    cfg.Clock,
		delay:    cfg.RetryDelay,
		attempts: cfg.RetryAttempts,
		devOpts: DeviceOptions{
			Clock:         cfg.Clock,
			RetryDelay:    cfg.RetryDelay,
			RetryAttempts: cfg.RetryAttempts,
			Tracer:        cfg.Tracer,
		},
		bursts:   make(map[uint64]context.CancelFunc),
		explicit: make(map[string]int),
	}
}

// Targets 返回每个本地地址的候选网关端点
func Targets(port int) sockets.TargetFunc {
	if port == 0 {
		port = ServerPort
	}
	return func(addr netif.Address) []*net.UDPAddr {
		gws := addr.Gateways
		if len(gws) == 0 && addr.Network != nil {
			gws = []net.IP{netif.DeriveGateway(addr.IP, addr.Network)}
		}
		out := make([]*net.UDPAddr, 0, len(gws))
		for _, gw := range gws {
			if gw == nil {
				continue
			}
			out = append(out, &net.UDPAddr{IP: gw, Port: port})
		}
		return out
	}
}

// Protocol 返回 ProtocolNATPMP
func (h *Handler) Protocol() natif.NATProtocol {
	return natif.ProtocolNATPMP
}

// Probe 发送外部地址请求，等待间隔从 RetryDelay 开始逐次翻倍
func (h *Handler) Probe(ctx context.Context, group *sockets.Group, target net.IP) (int, error) {
	burstCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := h.addBurst(cancel)
	defer h.removeBurst(id)

	var dst *net.UDPAddr
	if target != nil {
		dst = &net.UDPAddr{IP: target, Port: h.port}
		h.acceptTarget(target)
		defer h.releaseTarget(target)
	}

	var (
		total int
		errs  error
	)
	delay := h.delay
	for i := 0; i < h.attempts; i++ {
		timer := h.clock.Timer(delay)

		n, err := group.Send(burstCtx, EncodeExternalAddressRequest(), dst)
		total += n
		if err != nil && burstCtx.Err() == nil {
			errs = multierr.Append(errs, err)
		}

		select {
		case <-burstCtx.Done():
			timer.Stop()
			return total, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return total, errs
}

// HandleMessage 处理外部地址响应
func (h *Handler) HandleMessage(ctx context.Context, sink searcher.Sink, local net.IP, payload []byte, remote *net.UDPAddr) error {
	if remote.Port != h.port || !h.isTarget(remote.IP) {
		return fmt.Errorf("nat-pmp: reply from unexpected source %s", remote)
	}

	resp, err := DecodeExternalAddressResponse(payload)
	if err != nil {
		return err
	}
	if err := resp.Result.Err(); err != nil {
		return err
	}

	gw := &net.UDPAddr{IP: remote.IP, Port: h.port}
	dev := NewDevice(local, gw, resp.IP(), h.devOpts)
	if !sink.Observe(dev) {
		log.Debug("NAT-PMP 网关已登记", "gateway", gw, "public", dev.ID())
	}
	h.stopBurst()
	return nil
}

func (h *Handler) addBurst(cancel context.CancelFunc) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextBurst++
	h.bursts[h.nextBurst] = cancel
	return h.nextBurst
}

func (h *Handler) removeBurst(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bursts, id)
}

// stopBurst 结束所有进行中的探测
func (h *Handler) stopBurst() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.bursts {
		cancel()
	}
}

func (h *Handler) acceptTarget(ip net.IP) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.explicit[ip.String()]++
}

func (h *Handler) releaseTarget(ip net.IP) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := ip.String()
	if h.explicit[key]--; h.explicit[key] <= 0 {
		delete(h.explicit, key)
	}
}

// isTarget 回复来源是否为候选网关或一次性探测的目标
func (h *Handler) isTarget(ip net.IP) bool {
	if h.group.IsTarget(ip) {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.explicit[ip.String()] > 0
}
