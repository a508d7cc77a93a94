package upnp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/core/nat/netif"
	"github.com/dep2p/go-natmap/internal/core/nat/searcher"
	"github.com/dep2p/go-natmap/internal/core/nat/sockets"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// 默认参数
const (
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultLocationDebounce = 20 * time.Second

	locationCacheSize = 256
)

// HandlerConfig 发现处理器配置
type HandlerConfig struct {
	// Port 单播探测的网关端口，默认 SSDPPort
	Port int

	// HTTPClient 抓取描述与执行 SOAP 的客户端，默认按 HTTPTimeout 创建
	HTTPClient *http.Client

	// HTTPTimeout 单次 HTTP 交互超时
	HTTPTimeout time.Duration

	// DescriptionAttempts 设备描述最大读取次数
	DescriptionAttempts int

	// LocationDebounce 同一 LOCATION 的抓取间隔
	LocationDebounce time.Duration

	// Clock 时间源
	Clock clock.Clock

	// Tracer 指标追踪器
	Tracer metrics.Tracer
}

// Handler UPnP 发现处理器
type Handler struct {
	port     int
	http     *http.Client
	timeout  time.Duration
	attempts int
	debounce time.Duration
	clock    clock.Clock
	tracer   metrics.Tracer

	// recent LOCATION -> 最近一次抓取时间
	recent *lru.Cache[string, time.Time]

	mu        sync.Mutex
	locations map[string]string // LOCATION -> 设备 ID
}

var _ searcher.Handler = (*Handler)(nil)

// NewHandler 创建发现处理器
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Port == 0 {
		cfg.Port = SSDPPort
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if cfg.DescriptionAttempts <= 0 {
		cfg.DescriptionAttempts = DefaultDescriptionAttempts
	}
	if cfg.LocationDebounce <= 0 {
		cfg.LocationDebounce = DefaultLocationDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	recent, _ := lru.New[string, time.Time](locationCacheSize)
	return &Handler{
		port:      cfg.Port,
		http:      cfg.HTTPClient,
		timeout:   cfg.HTTPTimeout,
		attempts:  cfg.DescriptionAttempts,
		debounce:  cfg.LocationDebounce,
		clock:     cfg.Clock,
		tracer:    metrics.OrNoop(cfg.Tracer),
		recent:    recent,
		locations: make(map[string]string),
	}
}

// Targets 每个本地地址都以 SSDP 组播组为目标
func Targets() sockets.TargetFunc {
	return func(netif.Address) []*net.UDPAddr {
		return []*net.UDPAddr{MulticastTarget()}
	}
}

// Protocol 返回 ProtocolUPnP
func (h *Handler) Protocol() natif.NATProtocol {
	return natif.ProtocolUPnP
}

// Probe 发送一组 M-SEARCH
//
// target 为 nil 时向组播组发送，否则单播到 target 的 SSDP 端口。
func (h *Handler) Probe(ctx context.Context, group *sockets.Group, target net.IP) (int, error) {
	payload := EncodeSearch()
	var dst *net.UDPAddr
	if target != nil {
		dst = &net.UDPAddr{IP: target, Port: h.port}
		payload = EncodeUnicastSearch(dst)
	}

	var (
		total int
		errs  error
	)
	for i := 0; i < ProbeBurst; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := group.Send(ctx, payload, dst)
		total += n
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

// HandleMessage 处理 SSDP 回复
//
// 已登记设备的 LOCATION 只刷新 LastSeen；新 LOCATION 在防抖窗口外
// 才会提交到工作池抓取设备描述。
func (h *Handler) HandleMessage(ctx context.Context, sink searcher.Sink, local net.IP, payload []byte, remote *net.UDPAddr) error {
	loc, err := ParseSearchResponse(payload)
	if errors.Is(err, ErrNotGateway) {
		return nil
	}
	if err != nil {
		return err
	}
	key := loc.String()

	if id, ok := h.deviceFor(key); ok && sink.Refresh(id) {
		return nil
	}

	if !h.allowFetch(key, sink.Now()) {
		log.Debug("忽略防抖窗口内的重复 LOCATION", "location", key, "from", remote)
		return nil
	}

	local = append(net.IP(nil), local...)
	from := &net.UDPAddr{IP: append(net.IP(nil), remote.IP...), Port: remote.Port}
	if !sink.Go(func(ctx context.Context) { h.handshake(ctx, sink, local, from, loc) }) {
		h.recent.Remove(key)
		log.Debug("工作池繁忙，稍后重试抓取", "location", key)
	}
	return nil
}

// allowFetch 检查并登记 LOCATION 的抓取时间
func (h *Handler) allowFetch(key string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.recent.Get(key); ok && now.Sub(last) < h.debounce {
		return false
	}
	h.recent.Add(key, now)
	return true
}

func (h *Handler) deviceFor(location string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.locations[location]
	return id, ok
}

func (h *Handler) remember(location, id string) {
	h.mu.Lock()
	h.locations[location] = id
	h.mu.Unlock()
}

// handshake 抓取设备描述并登记设备
func (h *Handler) handshake(ctx context.Context, sink searcher.Sink, local net.IP, remote *net.UDPAddr, loc *url.URL) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	root, err := FetchDescription(ctx, h.http, loc, h.attempts)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("抓取 UPnP 设备描述失败", "location", loc, "err", err)
		}
		return
	}

	svc := FindService(root)
	if svc == nil {
		log.Debug("设备描述中没有 WAN 连接服务", "location", loc, "device", root.Device.FriendlyName)
		return
	}

	dev := NewDevice(DeviceInfo{
		Local:        local,
		Endpoint:     remote,
		Location:     loc.String(),
		ControlURL:   svc.ControlURL.URL.String(),
		ServiceType:  svc.ServiceType,
		FriendlyName: root.Device.FriendlyName,
	}, h.http, h.clock, h.tracer)

	h.remember(loc.String(), dev.ID())
	if sink.Observe(dev) {
		log.Info("UPnP 网关握手完成",
			"device", root.Device.FriendlyName,
			"serviceType", svc.ServiceType,
			"controlURL", dev.ControlURL(),
			"location", loc.String())
	}
}
