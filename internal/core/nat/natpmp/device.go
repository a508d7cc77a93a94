package natpmp

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/util/logger"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
	"github.com/dep2p/go-natmap/pkg/lib/async"
)

var log = logger.Logger("nat.natpmp")

// 操作名称（指标标签）
const (
	opExternalIP = "external-ip"
	opCreate     = "create"
	opDelete     = "delete"
	opList       = "list"
	opGet        = "get"
)

// DeviceOptions 设备参数
type DeviceOptions struct {
	Clock         clock.Clock
	RetryDelay    time.Duration
	RetryAttempts int
	Tracer        metrics.Tracer
}

// Device NAT-PMP 网关设备
//
// 设备身份为网关报告的公网地址。每个操作使用独立的 UDP 对话连接到网关，
// 并发操作之间互不干扰。
type Device struct {
	local   net.IP
	gateway *net.UDPAddr
	public  net.IP
	clock   clock.Clock
	retry   *retrier
	tracer  metrics.Tracer

	// dial 建立到网关的对话，测试可替换
	dial func(local net.IP, gw *net.UDPAddr) (conversation, error)

	mu       sync.Mutex
	lastSeen time.Time
}

var _ natif.Device = (*Device)(nil)

// NewDevice 创建 NAT-PMP 设备
func NewDevice(local net.IP, gateway *net.UDPAddr, public net.IP, opts DeviceOptions) *Device {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Device{
		local:   local,
		gateway: gateway,
		public:  public,
		clock:   clk,
		retry:   newRetrier(clk, opts.RetryDelay, opts.RetryAttempts),
		tracer:  metrics.OrNoop(opts.Tracer),
		dial:    dialGateway,
	}
}

// ID 返回公网地址
func (d *Device) ID() string {
	return d.public.String()
}

// Protocol 返回 ProtocolNATPMP
func (d *Device) Protocol() natif.NATProtocol {
	return natif.ProtocolNATPMP
}

// LocalAddress 返回发现该设备的本地地址
func (d *Device) LocalAddress() net.IP {
	return d.local
}

// Endpoint 返回网关控制端点
func (d *Device) Endpoint() *net.UDPAddr {
	return d.gateway
}

// LastSeen 返回最近一次确认时间
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// MarkSeen 刷新 LastSeen
func (d *Device) MarkSeen(t time.Time) {
	d.mu.Lock()
	d.lastSeen = t
	d.mu.Unlock()
}

func (d *Device) String() string {
	return "nat-pmp " + d.gateway.String() + " public=" + d.ID()
}

// ============================================================================
//                              阻塞操作
// ============================================================================

// GetExternalIP 返回发现时网关报告的公网地址
func (d *Device) GetExternalIP(ctx context.Context) (net.IP, error) {
	return d.GetExternalIPAsync(ctx).Wait(ctx)
}

// CreatePortMap 创建映射
func (d *Device) CreatePortMap(ctx context.Context, m *natif.Mapping) (*natif.Mapping, error) {
	return d.CreatePortMapAsync(ctx, m).Wait(ctx)
}

// DeletePortMap 删除映射
func (d *Device) DeletePortMap(ctx context.Context, m *natif.Mapping) (*natif.Mapping, error) {
	return d.DeletePortMapAsync(ctx, m).Wait(ctx)
}

// GetAllMappings 不支持
func (d *Device) GetAllMappings(ctx context.Context) ([]*natif.Mapping, error) {
	return d.GetAllMappingsAsync(ctx).Wait(ctx)
}

// GetSpecificMapping 不支持
func (d *Device) GetSpecificMapping(ctx context.Context, proto natif.Protocol, externalPort uint16) (*natif.Mapping, error) {
	return d.GetSpecificMappingAsync(ctx, proto, externalPort).Wait(ctx)
}

// ============================================================================
//                              异步操作
// ============================================================================

// GetExternalIPAsync 返回已完成的操作
func (d *Device) GetExternalIPAsync(ctx context.Context) *async.Operation[net.IP] {
	d.tracer.OperationFinished(natif.ProtocolNATPMP, opExternalIP, nil)
	return async.Completed(append(net.IP(nil), d.public...))
}

// CreatePortMapAsync 异步创建映射
func (d *Device) CreatePortMapAsync(ctx context.Context, m *natif.Mapping) *async.Operation[*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) (*natif.Mapping, error) {
		out, err := d.mapPort(ctx, m, true)
		d.tracer.OperationFinished(natif.ProtocolNATPMP, opCreate, err)
		return out, err
	})
}

// DeletePortMapAsync 异步删除映射
func (d *Device) DeletePortMapAsync(ctx context.Context, m *natif.Mapping) *async.Operation[*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) (*natif.Mapping, error) {
		out, err := d.mapPort(ctx, m, false)
		d.tracer.OperationFinished(natif.ProtocolNATPMP, opDelete, err)
		return out, err
	})
}

// GetAllMappingsAsync 立即以 ErrUnsupportedOperation 失败
func (d *Device) GetAllMappingsAsync(ctx context.Context) *async.Operation[[]*natif.Mapping] {
	d.tracer.OperationFinished(natif.ProtocolNATPMP, opList, natif.ErrUnsupportedOperation)
	return async.Failed[[]*natif.Mapping](natif.ErrUnsupportedOperation)
}

// GetSpecificMappingAsync 立即以 ErrUnsupportedOperation 失败
func (d *Device) GetSpecificMappingAsync(ctx context.Context, proto natif.Protocol, externalPort uint16) *async.Operation[*natif.Mapping] {
	d.tracer.OperationFinished(natif.ProtocolNATPMP, opGet, natif.ErrUnsupportedOperation)
	return async.Failed[*natif.Mapping](natif.ErrUnsupportedOperation)
}

// ============================================================================
//                              映射请求
// ============================================================================

// mapPort 发送映射请求并把网关的结果写回 m
func (d *Device) mapPort(ctx context.Context, m *natif.Mapping, create bool) (*natif.Mapping, error) {
	if err := natif.ValidateMapping(m); err != nil {
		return nil, err
	}

	conv, err := d.dial(d.local, d.gateway)
	if err != nil {
		return nil, natif.NewTransportError("nat-pmp dial "+d.gateway.String(), err)
	}
	defer conv.Close()

	op := OpcodeFor(m.Protocol)
	var resp *MappingResponse
	_, err = d.retry.exchange(ctx, conv, EncodeMappingRequest(m, create), func(b []byte) bool {
		r, err := DecodeMappingResponse(b)
		if err != nil {
			log.Debug("忽略无法解析的 NAT-PMP 响应", "gateway", d.gateway, "err", err)
			return false
		}
		if r.Opcode != op || r.InternalPort != m.InternalPort {
			return false
		}
		resp = r
		return true
	})
	if err != nil {
		log.Debug("NAT-PMP 映射请求失败", "gateway", d.gateway, "mapping", m, "create", create, "err", err)
		return nil, err
	}
	if err := resp.Result.Err(); err != nil {
		log.Warn("NAT-PMP 网关拒绝映射请求", "gateway", d.gateway, "mapping", m, "result", resp.Result)
		return nil, err
	}

	now := d.clock.Now()
	if !create || resp.PortMappingLifetimeInSeconds == 0 {
		// 租期为 0 表示映射已被移除
		m.Lifetime = 0
		m.Expiry = now
		log.Info("NAT-PMP 映射已删除", "gateway", d.gateway, "mapping", m)
		return m, nil
	}

	m.ExternalPort = resp.MappedExternalPort
	m.SetLifetime(now, resp.PortMappingLifetimeInSeconds)
	log.Info("NAT-PMP 映射成功", "gateway", d.gateway, "mapping", m, "expiry", m.Expiry)
	return m, nil
}

// ============================================================================
//                              UDP 对话
// ============================================================================

// conversation 到网关的单个 UDP 对话
type conversation interface {
	transport
	Close() error
}

type udpConversation struct {
	conn *net.UDPConn
	recv chan []byte
}

// dialGateway 从 local 连接到网关
func dialGateway(local net.IP, gw *net.UDPAddr) (conversation, error) {
	var laddr *net.UDPAddr
	if local != nil && !local.IsUnspecified() {
		laddr = &net.UDPAddr{IP: local}
	}
	conn, err := net.DialUDP("udp4", laddr, gw)
	if err != nil {
		return nil, err
	}

	c := &udpConversation{conn: conn, recv: make(chan []byte, 8)}
	go c.readLoop()
	return c, nil
}

func (c *udpConversation) readLoop() {
	defer close(c.recv)

	buf := make([]byte, 64)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			// 网关端口不可达（ICMP）只代表本次报文丢失，由重传处理
			if isRefused(err) {
				continue
			}
			return
		}
		select {
		case c.recv <- append([]byte(nil), buf[:n]...):
		default:
		}
	}
}

func (c *udpConversation) Send(frame []byte) error {
	_, err := c.conn.Write(frame)
	if isRefused(err) {
		log.Debug("NAT-PMP 网关端口不可达，等待重传", "gateway", c.conn.RemoteAddr())
		return nil
	}
	return err
}

func (c *udpConversation) Recv() <-chan []byte {
	return c.recv
}

func (c *udpConversation) Close() error {
	return c.conn.Close()
}

// isRefused 已连接 UDP 套接字上报的 ICMP 端口不可达
func isRefused(err error) bool {
	return err != nil && errors.Is(err, syscall.ECONNREFUSED)
}
