package upnp

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-natmap/internal/core/nat/metrics"
	"github.com/dep2p/go-natmap/internal/util/logger"
	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
	"github.com/dep2p/go-natmap/pkg/lib/async"
)

var log = logger.Logger("nat.upnp")

// maxMappingEntries 枚举的索引上限
const maxMappingEntries = 65535

// 操作名称（指标标签）
const (
	opExternalIP = "external-ip"
	opCreate     = "create"
	opDelete     = "delete"
	opList       = "list"
	opGet        = "get"
)

// DeviceInfo 握手得到的设备信息
type DeviceInfo struct {
	// Local 发现该设备的本地地址，作为 NewInternalClient
	Local net.IP

	// Endpoint SSDP 回复来源
	Endpoint *net.UDPAddr

	// Location 设备描述地址
	Location string

	// ControlURL 已解析的绝对控制地址
	ControlURL string

	// ServiceType WANIPConnection:1 或 WANPPPConnection:1
	ServiceType string

	// FriendlyName 设备名称，仅用于日志
	FriendlyName string
}

// Device UPnP IGD 网关设备
type Device struct {
	info   DeviceInfo
	client *soapClient
	clock  clock.Clock
	tracer metrics.Tracer

	mu       sync.Mutex
	lastSeen time.Time
}

var _ natif.Device = (*Device)(nil)

// NewDevice 创建 UPnP 设备
func NewDevice(info DeviceInfo, httpClient *http.Client, clk clock.Clock, tracer metrics.Tracer) *Device {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Device{
		info: info,
		client: &soapClient{
			http:        httpClient,
			controlURL:  info.ControlURL,
			serviceType: info.ServiceType,
		},
		clock:  clk,
		tracer: metrics.OrNoop(tracer),
	}
}

// ID 返回 (endpoint, controlURL) 组成的身份标识
func (d *Device) ID() string {
	host := ""
	if d.info.Endpoint != nil {
		host = d.info.Endpoint.IP.String()
	}
	return host + "|" + d.info.ControlURL
}

// Protocol 返回 ProtocolUPnP
func (d *Device) Protocol() natif.NATProtocol {
	return natif.ProtocolUPnP
}

// LocalAddress 返回发现该设备的本地地址
func (d *Device) LocalAddress() net.IP {
	return d.info.Local
}

// Endpoint 返回 SSDP 回复来源
func (d *Device) Endpoint() *net.UDPAddr {
	return d.info.Endpoint
}

// Location 返回设备描述地址
func (d *Device) Location() string {
	return d.info.Location
}

// ControlURL 返回控制地址
func (d *Device) ControlURL() string {
	return d.info.ControlURL
}

// ServiceType 返回控制服务类型
func (d *Device) ServiceType() string {
	return d.info.ServiceType
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
	return "upnp " + d.info.ControlURL + " (" + d.info.ServiceType + ")"
}

// ============================================================================
//                              阻塞操作
// ============================================================================

// GetExternalIP 查询外部地址
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

// GetAllMappings 枚举全部映射
func (d *Device) GetAllMappings(ctx context.Context) ([]*natif.Mapping, error) {
	return d.GetAllMappingsAsync(ctx).Wait(ctx)
}

// GetSpecificMapping 查询指定映射
func (d *Device) GetSpecificMapping(ctx context.Context, proto natif.Protocol, externalPort uint16) (*natif.Mapping, error) {
	return d.GetSpecificMappingAsync(ctx, proto, externalPort).Wait(ctx)
}

// ============================================================================
//                              异步操作
// ============================================================================

// GetExternalIPAsync 异步查询外部地址
func (d *Device) GetExternalIPAsync(ctx context.Context) *async.Operation[net.IP] {
	return async.Go(ctx, func(ctx context.Context) (net.IP, error) {
		ip, err := d.externalIP(ctx)
		d.tracer.OperationFinished(natif.ProtocolUPnP, opExternalIP, err)
		return ip, err
	})
}

// CreatePortMapAsync 异步创建映射
func (d *Device) CreatePortMapAsync(ctx context.Context, m *natif.Mapping) *async.Operation[*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) (*natif.Mapping, error) {
		out, err := d.createPortMap(ctx, m)
		d.tracer.OperationFinished(natif.ProtocolUPnP, opCreate, err)
		return out, err
	})
}

// DeletePortMapAsync 异步删除映射
func (d *Device) DeletePortMapAsync(ctx context.Context, m *natif.Mapping) *async.Operation[*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) (*natif.Mapping, error) {
		out, err := d.deletePortMap(ctx, m)
		d.tracer.OperationFinished(natif.ProtocolUPnP, opDelete, err)
		return out, err
	})
}

// GetAllMappingsAsync 异步枚举映射
func (d *Device) GetAllMappingsAsync(ctx context.Context) *async.Operation[[]*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) ([]*natif.Mapping, error) {
		out, err := d.allMappings(ctx)
		d.tracer.OperationFinished(natif.ProtocolUPnP, opList, err)
		return out, err
	})
}

// GetSpecificMappingAsync 异步查询指定映射
func (d *Device) GetSpecificMappingAsync(ctx context.Context, proto natif.Protocol, externalPort uint16) *async.Operation[*natif.Mapping] {
	return async.Go(ctx, func(ctx context.Context) (*natif.Mapping, error) {
		out, err := d.specificMapping(ctx, proto, externalPort)
		d.tracer.OperationFinished(natif.ProtocolUPnP, opGet, err)
		return out, err
	})
}

// ============================================================================
//                              SOAP 动作
// ============================================================================

func (d *Device) externalIP(ctx context.Context) (net.IP, error) {
	r, err := d.client.call(ctx, ActionGetExternalIPAddress, nil)
	if err != nil {
		return nil, err
	}
	return r.(GetExternalIPAddressResponse).IP, nil
}

// externalPortFor 外部端口为 0 时使用内部端口
func externalPortFor(m *natif.Mapping) uint16 {
	if m.ExternalPort != 0 {
		return m.ExternalPort
	}
	return m.InternalPort
}

func (d *Device) createPortMap(ctx context.Context, m *natif.Mapping) (*natif.Mapping, error) {
	if err := natif.ValidateMapping(m); err != nil {
		return nil, err
	}

	ext := externalPortFor(m)
	args := addPortMappingArgs(m, ext, d.info.Local.String())
	if _, err := d.client.call(ctx, ActionAddPortMapping, args); err != nil {
		log.Debug("UPnP 创建映射失败", "device", d.info.ControlURL, "mapping", m, "err", err)
		return nil, err
	}

	m.ExternalPort = ext
	m.SetLifetime(d.clock.Now(), m.Lifetime)
	log.Info("UPnP 映射成功", "device", d.info.ControlURL, "mapping", m)
	return m, nil
}

func (d *Device) deletePortMap(ctx context.Context, m *natif.Mapping) (*natif.Mapping, error) {
	if err := natif.ValidateMapping(m); err != nil {
		return nil, err
	}

	ext := externalPortFor(m)
	if _, err := d.client.call(ctx, ActionDeletePortMapping, mappingArgs(m, ext)); err != nil {
		log.Debug("UPnP 删除映射失败", "device", d.info.ControlURL, "mapping", m, "err", err)
		return nil, err
	}

	m.Lifetime = 0
	m.Expiry = d.clock.Now()
	log.Info("UPnP 映射已删除", "device", d.info.ControlURL, "mapping", m)
	return m, nil
}

// allMappings 按索引枚举，错误码 713 表示没有更多条目
func (d *Device) allMappings(ctx context.Context) ([]*natif.Mapping, error) {
	var out []*natif.Mapping
	for i := 0; i < maxMappingEntries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r, err := d.client.call(ctx, ActionGetGenericPortMappingEntry, indexArgs(uint16(i)))
		if natif.IsFault(err, natif.FaultArrayIndexInvalid) {
			break
		}
		if err != nil {
			return nil, err
		}

		m := r.(GetGenericPortMappingEntryResponse).Mapping
		m.SetLifetime(d.clock.Now(), m.Lifetime)
		out = append(out, m)
	}
	log.Debug("UPnP 映射枚举完成", "device", d.info.ControlURL, "count", len(out))
	return out, nil
}

func (d *Device) specificMapping(ctx context.Context, proto natif.Protocol, externalPort uint16) (*natif.Mapping, error) {
	key := &natif.Mapping{Protocol: proto}
	r, err := d.client.call(ctx, ActionGetSpecificPortMappingEntry, mappingArgs(key, externalPort))
	if err != nil {
		return nil, err
	}

	m := r.(GetSpecificPortMappingEntryResponse).Mapping
	m.Protocol = proto
	m.ExternalPort = externalPort
	m.SetLifetime(d.clock.Now(), m.Lifetime)
	return m, nil
}
