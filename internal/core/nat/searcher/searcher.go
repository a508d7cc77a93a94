// Package searcher 实现网关发现引擎
//
// Searcher 负责：
// - 持续运行的接收循环，把每个数据报交给协议处理器
// - 周期性发现与一次性探测（两者独立运行，一次性探测不会中断周期性发现）
// - 设备注册表与 DeviceFound/DeviceLost 事件
//
// 协议相关的编解码由 Handler 实现（UPnP、NAT-PMP）。
package searcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/core/nat/sockets"
	"github.com/dep2p/go-natmap/internal/util/logger"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

var log = logger.Logger("nat.searcher")

// ErrClosed Searcher 已关闭
var ErrClosed = errors.New("nat: searcher closed")

// 默认参数
const (
	DefaultInterval    = 5 * time.Second
	DefaultEventBuffer = 64
	DefaultWorkers     = 4

	// readPollInterval 接收循环检查取消的周期
	readPollInterval = 200 * time.Millisecond

	maxDatagramSize = 8192
)

// ============================================================================
//                              协议处理器接口
// ============================================================================

// Sink 协议处理器回写发现结果的入口
type Sink interface {
	// Observe 登记设备；首次登记触发 DeviceFound 并返回 true，
	// 已登记的设备只刷新 LastSeen
	Observe(dev natif.Device) bool

	// Refresh 刷新已登记设备的 LastSeen
	Refresh(id string) bool

	// Go 在工作池中异步执行 fn，池已满或已停止时返回 false
	Go(fn func(ctx context.Context)) bool

	// Now 返回当前时间
	Now() time.Time
}

// Handler 协议处理器
type Handler interface {
	// Protocol 返回协议类型
	Protocol() natif.NATProtocol

	// Probe 执行一轮探测，target 为 nil 表示所有已知网关
	//
	// 返回发送的数据报数量。实现必须在每个等待点检查 ctx。
	Probe(ctx context.Context, group *sockets.Group, target net.IP) (int, error)

	// HandleMessage 处理单个数据报
	HandleMessage(ctx context.Context, sink Sink, local net.IP, payload []byte, remote *net.UDPAddr) error
}

// Config Searcher 配置
type Config struct {
	// Interval 周期性发现的探测间隔
	Interval time.Duration

	// EventBuffer 事件通道容量
	EventBuffer int

	// Workers 工作池并发上限
	Workers int

	// Clock 时间源
	Clock clock.Clock

	// Tracer 指标追踪器，可为空
	Tracer metrics.Tracer
}

// ============================================================================
//                              Searcher
// ============================================================================

// Searcher 网关发现引擎
type Searcher struct {
	handler  Handler
	group    *sockets.Group
	interval time.Duration
	workers  int
	clock    clock.Clock
	tracer   metrics.Tracer
	registry *Registry
	events   chan natif.DeviceEvent

	// searchMu 串行化搜索的启动与停止
	searchMu sync.Mutex

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	pool   *errgroup.Group
	// periodic 周期性发现，oneshot 一次性探测，两者可同时运行
	periodic *searchTask
	oneshot  *searchTask
	closed   bool
	loopsWG  sync.WaitGroup
}

type searchTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stopTasks 取消搜索并等待其结束，忽略 nil
func stopTasks(tasks ...*searchTask) {
	for _, t := range tasks {
		if t != nil {
			t.cancel()
		}
	}
	for _, t := range tasks {
		if t != nil {
			<-t.done
		}
	}
}

type datagram struct {
	local   net.IP
	payload []byte
	remote  *net.UDPAddr
}

var _ Sink = (*Searcher)(nil)

// New 创建 Searcher
func New(handler Handler, group *sockets.Group, cfg Config) *Searcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Searcher{
		handler:  handler,
		group:    group,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		clock:    cfg.Clock,
		tracer:   metrics.OrNoop(cfg.Tracer),
		registry: NewRegistry(),
		events:   make(chan natif.DeviceEvent, cfg.EventBuffer),
	}
}

// Protocol 返回协议类型
func (s *Searcher) Protocol() natif.NATProtocol {
	return s.handler.Protocol()
}

// Events 返回设备事件通道
//
// 通道在 Close 后关闭。
func (s *Searcher) Events() <-chan natif.DeviceEvent {
	return s.events
}

// Devices 返回当前已登记设备的快照
func (s *Searcher) Devices() []natif.Device {
	return s.registry.Devices()
}

// Listening 接收循环是否在运行
func (s *Searcher) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// StartDiscovery 开始周期性发现
//
// 接收循环未运行时先启动接收循环，随后立即探测，并按 Interval 重复。
// 每一轮开始时，上一轮未被确认的设备被移除并触发 DeviceLost。
func (s *Searcher) StartDiscovery() error {
	return s.startSearch(nil, true)
}

// Search 对指定网关执行一次性探测，target 为 nil 表示所有已知网关
//
// 一次性探测与周期性发现并行运行，只取代仍在进行的上一次一次性探测。
func (s *Searcher) Search(target net.IP) error {
	return s.startSearch(target, false)
}

func (s *Searcher) startSearch(target net.IP, periodic bool) error {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()

	ctx, err := s.ensureListening()
	if err != nil {
		return err
	}

	// 一次性探测只取代上一次一次性探测；周期性发现同时取代两者
	s.mu.Lock()
	superseded := []*searchTask{s.oneshot}
	s.oneshot = nil
	if periodic {
		superseded = append(superseded, s.periodic)
		s.periodic = nil
	}
	s.mu.Unlock()
	stopTasks(superseded...)

	searchCtx, cancel := context.WithCancel(ctx)
	task := &searchTask{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if periodic {
		s.periodic = task
	} else {
		s.oneshot = task
	}
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		defer cancel()
		if periodic {
			s.discoveryLoop(searchCtx)
		} else {
			s.probe(searchCtx, target)
		}
	}()
	return nil
}

// discoveryLoop 周期性发现
func (s *Searcher) discoveryLoop(ctx context.Context) {
	var prevSweep time.Time
	first := true

	for {
		// 先创建定时器，探测耗时计入本轮间隔
		timer := s.clock.Timer(s.interval)
		start := s.clock.Now()

		if !first {
			s.expire(ctx, prevSweep)
		}
		first = false
		prevSweep = start

		s.probe(ctx, nil)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Searcher) probe(ctx context.Context, target net.IP) {
	n, err := s.handler.Probe(ctx, s.group, target)
	s.tracer.ProbesSent(s.handler.Protocol(), n)
	if err != nil && ctx.Err() == nil {
		log.Debug("发现探测部分失败", "protocol", s.handler.Protocol(), "sent", n, "err", err)
	}
}

// expire 移除上一轮未被确认的设备
func (s *Searcher) expire(ctx context.Context, cutoff time.Time) {
	for _, dev := range s.registry.Expire(cutoff) {
		log.Info("网关设备丢失", "protocol", dev.Protocol(), "device", dev.ID(), "lastSeen", dev.LastSeen())
		s.tracer.DeviceLost(dev.Protocol())
		s.emit(ctx, natif.DeviceEvent{Type: natif.DeviceLost, Device: dev, At: s.clock.Now()})
	}
}

// ensureListening 启动接收循环（幂等），返回运行上下文
func (s *Searcher) ensureListening() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.cancel != nil {
		return s.runCtx, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := new(errgroup.Group)
	pool.SetLimit(s.workers)

	s.runCtx = ctx
	s.cancel = cancel
	s.pool = pool

	packets := make(chan datagram, 64)
	for _, sock := range s.group.Sockets() {
		s.loopsWG.Add(1)
		go s.readLoop(ctx, sock, packets)
	}
	s.loopsWG.Add(1)
	go s.dispatchLoop(ctx, packets)

	log.Debug("接收循环启动", "protocol", s.handler.Protocol(), "sockets", s.group.Len())
	return ctx, nil
}

// readLoop 从单个套接字读取数据报
func (s *Searcher) readLoop(ctx context.Context, sock *sockets.Socket, out chan<- datagram) {
	defer s.loopsWG.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}

		n, remote, err := sock.ReadFrom(buf, time.Now().Add(readPollInterval))
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug("读取数据报失败", "local", sock.LocalIP(), "err", err)
			if !pause(ctx, readPollInterval) {
				return
			}
			continue
		}

		d := datagram{
			local:   sock.LocalIP(),
			payload: append([]byte(nil), buf[:n]...),
			remote:  remote,
		}
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
	}
}

// pause 等待 d，ctx 先结束时返回 false
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// dispatchLoop 逐个处理数据报
func (s *Searcher) dispatchLoop(ctx context.Context, in <-chan datagram) {
	defer s.loopsWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-in:
			s.dispatch(ctx, d)
		}
	}
}

// dispatch 处理单个数据报，错误与 panic 不会中断接收循环
func (s *Searcher) dispatch(ctx context.Context, d datagram) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("处理数据报时发生 panic", "protocol", s.handler.Protocol(), "from", d.remote, "panic", fmt.Sprint(r))
		}
	}()

	if err := s.handler.HandleMessage(ctx, s, d.local, d.payload, d.remote); err != nil {
		log.Debug("丢弃数据报", "protocol", s.handler.Protocol(), "from", d.remote, "err", err)
	}
}

// Stop 停止接收循环与进行中的搜索，并等待它们全部结束
//
// Stop 返回后不会再产生任何事件。Searcher 可以再次启动。
func (s *Searcher) Stop() {
	s.searchMu.Lock()
	defer s.searchMu.Unlock()

	s.mu.Lock()
	cancel, pool, periodic, oneshot := s.cancel, s.pool, s.periodic, s.oneshot
	s.cancel, s.pool, s.periodic, s.oneshot, s.runCtx = nil, nil, nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	stopTasks(periodic, oneshot)
	s.loopsWG.Wait()
	_ = pool.Wait()

	log.Debug("接收循环停止", "protocol", s.handler.Protocol())
}

// Close 停止 Searcher 并释放套接字
func (s *Searcher) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	close(s.events)
	return s.group.Close()
}

// ============================================================================
//                              Sink 实现
// ============================================================================

// Observe 实现 Sink
func (s *Searcher) Observe(dev natif.Device) bool {
	ctx := s.context()
	if ctx == nil || ctx.Err() != nil {
		return false
	}

	registered, added := s.registry.Observe(dev, s.clock.Now())
	if !added {
		return false
	}

	log.Info("发现网关设备", "protocol", registered.Protocol(), "device", registered.ID(), "local", registered.LocalAddress())
	s.tracer.DeviceFound(registered.Protocol())
	s.emit(ctx, natif.DeviceEvent{Type: natif.DeviceFound, Device: registered, At: s.clock.Now()})
	return true
}

// Refresh 实现 Sink
func (s *Searcher) Refresh(id string) bool {
	return s.registry.Refresh(id, s.clock.Now())
}

// Lookup 查询已登记设备
func (s *Searcher) Lookup(id string) (natif.Device, bool) {
	return s.registry.Get(id)
}

// Go 实现 Sink
func (s *Searcher) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return false
	}
	ctx := s.runCtx
	return s.pool.TryGo(func() error {
		fn(ctx)
		return nil
	})
}

// Now 实现 Sink
func (s *Searcher) Now() time.Time {
	return s.clock.Now()
}

func (s *Searcher) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// emit 投递事件，运行上下文结束后放弃投递
func (s *Searcher) emit(ctx context.Context, ev natif.DeviceEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
