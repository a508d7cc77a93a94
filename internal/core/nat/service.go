package nat

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/multierr"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/core/nat/natpmp"
	"github.com/dep2p/go-natmap/internal/core/nat/netif"
	"github.com/dep2p/go-natmap/internal/core/nat/searcher"
	"github.com/dep2p/go-natmap/internal/core/nat/sockets"
	"github.com/dep2p/go-natmap/internal/core/nat/upnp"
	"github.com/dep2p/go-natmap/internal/util/logger"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

var log = logger.Logger("nat")

// ============================================================================
//                              Service 结构
// ============================================================================

// Service 网关发现服务
//
// 每个启用的协议拥有独立的 Searcher，两者不共享任何锁；
// 它们的事件被合并到同一个通道。
type Service struct {
	config *Config
	tracer metrics.Tracer

	// searchers 按协议索引，只包含启用且绑定成功的协议
	searchers map[natif.NATProtocol]*searcher.Searcher
	order     []natif.NATProtocol

	events chan natif.DeviceEvent
	done   chan struct{}
	fwdWG  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
}

var _ natif.DiscoveryService = (*Service)(nil)

// NewService 创建网关发现服务
//
// 枚举本地地址后为每个启用的协议绑定一组套接字。单个协议绑定失败只会禁用该协议，
// 全部失败时返回错误。
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !config.EnableUPnP && !config.EnableNATPMP {
		return nil, ErrNoProtocolEnabled
	}

	addrs, err := config.Enumerator.Addresses()
	if err != nil {
		return nil, fmt.Errorf("enumerate addresses: %w", err)
	}

	tracer := metrics.Noop()
	if config.Registerer != nil {
		tracer = metrics.NewTracer(metrics.WithRegisterer(config.Registerer))
	}

	s := &Service{
		config:    config,
		tracer:    tracer,
		searchers: make(map[natif.NATProtocol]*searcher.Searcher, 2),
		events:    make(chan natif.DeviceEvent, config.EventBuffer),
		done:      make(chan struct{}),
	}

	var bindErrs error
	if config.EnableUPnP {
		if sr, err := s.newUPnPSearcher(addrs); err != nil {
			log.Warn("UPnP 套接字绑定失败，禁用 UPnP", "err", err)
			bindErrs = multierr.Append(bindErrs, fmt.Errorf("upnp: %w", err))
		} else {
			s.add(sr)
		}
	}
	if config.EnableNATPMP {
		if sr, err := s.newPMPSearcher(addrs); err != nil {
			log.Warn("NAT-PMP 套接字绑定失败，禁用 NAT-PMP", "err", err)
			bindErrs = multierr.Append(bindErrs, fmt.Errorf("nat-pmp: %w", err))
		} else {
			s.add(sr)
		}
	}
	if len(s.searchers) == 0 {
		return nil, bindErrs
	}

	for _, proto := range s.order {
		s.fwdWG.Add(1)
		go s.forward(s.searchers[proto])
	}

	log.Info("网关发现服务已创建", "protocols", s.order, "addresses", len(addrs))
	return s, nil
}

func (s *Service) newUPnPSearcher(addrs []netif.Address) (*searcher.Searcher, error) {
	cfg := s.config

	targets := upnp.Targets()
	port := upnp.SSDPPort
	if cfg.SSDPTarget != nil {
		fixed := cfg.SSDPTarget
		targets = func(netif.Address) []*net.UDPAddr { return []*net.UDPAddr{fixed} }
		port = fixed.Port
	}

	group, err := sockets.Bind(addrs, targets, sockets.Options{FallbackAny: true})
	if err != nil {
		return nil, err
	}

	handler := upnp.NewHandler(upnp.HandlerConfig{
		Port:                port,
		HTTPClient:          &http.Client{Timeout: cfg.HTTPTimeout},
		HTTPTimeout:         cfg.HTTPTimeout,
		DescriptionAttempts: cfg.DescriptionAttempts,
		LocationDebounce:    cfg.LocationDebounce,
		Clock:               cfg.Clock,
		Tracer:              s.tracer,
	})
	return searcher.New(handler, group, searcher.Config{
		Interval:    cfg.UPnPSearchInterval,
		EventBuffer: cfg.EventBuffer,
		Workers:     cfg.FetchWorkers,
		Clock:       cfg.Clock,
		Tracer:      s.tracer,
	}), nil
}

func (s *Service) newPMPSearcher(addrs []netif.Address) (*searcher.Searcher, error) {
	cfg := s.config

	group, err := sockets.Bind(addrs, natpmp.Targets(cfg.PMPPort), sockets.Options{})
	if err != nil {
		return nil, err
	}

	handler := natpmp.NewHandler(group, natpmp.HandlerConfig{
		Port:          cfg.PMPPort,
		Clock:         cfg.Clock,
		RetryDelay:    cfg.PMPRetryDelay,
		RetryAttempts: cfg.PMPRetryAttempts,
		Tracer:        s.tracer,
	})
	return searcher.New(handler, group, searcher.Config{
		Interval:    cfg.PMPSearchInterval,
		EventBuffer: cfg.EventBuffer,
		Workers:     cfg.FetchWorkers,
		Clock:       cfg.Clock,
		Tracer:      s.tracer,
	}), nil
}

func (s *Service) add(sr *searcher.Searcher) {
	s.searchers[sr.Protocol()] = sr
	s.order = append(s.order, sr.Protocol())
}

// forward 把单个 Searcher 的事件转发到合并通道
func (s *Service) forward(sr *searcher.Searcher) {
	defer s.fwdWG.Done()
	for ev := range sr.Events() {
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// ============================================================================
//                              发现控制
// ============================================================================

// Protocols 返回可用的协议
func (s *Service) Protocols() []natif.NATProtocol {
	out := make([]natif.NATProtocol, len(s.order))
	copy(out, s.order)
	return out
}

// StartDiscovery 开始周期性发现
//
// 未指定协议时启动全部可用协议。
func (s *Service) StartDiscovery(protocols ...natif.NATProtocol) error {
	selected, err := s.selectSearchers(protocols)
	if err != nil {
		return err
	}

	var errs error
	for _, sr := range selected {
		if err := sr.StartDiscovery(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sr.Protocol(), err))
			continue
		}
		log.Debug("开始周期性发现", "protocol", sr.Protocol())
	}
	return errs
}

// Search 对指定网关执行一次性探测，target 为 nil 表示所有已知网关
//
// 一次性探测与周期性发现并行运行，只取代该协议上仍在进行的上一次一次性探测。
func (s *Service) Search(target net.IP, protocols ...natif.NATProtocol) error {
	selected, err := s.selectSearchers(protocols)
	if err != nil {
		return err
	}

	var errs error
	for _, sr := range selected {
		if err := sr.Search(target); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", sr.Protocol(), err))
		}
	}
	return errs
}

// StopDiscovery 停止所有协议的发现
//
// 返回后不会再产生新的事件，已登记的设备保留。
func (s *Service) StopDiscovery() {
	for _, proto := range s.order {
		s.searchers[proto].Stop()
	}
	log.Debug("发现已停止")
}

// Devices 返回所有协议已发现设备的快照
func (s *Service) Devices() []natif.Device {
	var out []natif.Device
	for _, proto := range s.order {
		out = append(out, s.searchers[proto].Devices()...)
	}
	return out
}

// Events 返回合并后的设备事件通道
func (s *Service) Events() <-chan natif.DeviceEvent {
	return s.events
}

func (s *Service) selectSearchers(protocols []natif.NATProtocol) ([]*searcher.Searcher, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrServiceClosed
	}

	if len(protocols) == 0 {
		protocols = s.order
	}
	out := make([]*searcher.Searcher, 0, len(protocols))
	for _, proto := range protocols {
		sr, ok := s.searchers[proto]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProtocolDisabled, proto)
		}
		out = append(out, sr)
	}
	return out, nil
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 停止发现并释放全部套接字
//
// 可重复调用；Events 通道在返回前关闭。
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)
		for _, proto := range s.order {
			if err := s.searchers[proto].Close(); err != nil {
				s.closeErr = multierr.Append(s.closeErr, fmt.Errorf("%s: %w", proto, err))
			}
		}
		s.fwdWG.Wait()
		close(s.events)

		log.Info("网关发现服务已关闭")
	})
	return s.closeErr
}
