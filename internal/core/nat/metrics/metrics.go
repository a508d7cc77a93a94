// Package metrics 提供网关发现与端口映射的 Prometheus 指标
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// 指标命名空间
const metricNamespace = "natmap"

var (
	devicesFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "devices_found_total",
			Help:      "发现的网关设备总数",
		},
		[]string{"protocol"},
	)

	devicesLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "devices_lost_total",
			Help:      "丢失的网关设备总数",
		},
		[]string{"protocol"},
	)

	probesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "probes_sent_total",
			Help:      "发送的发现探测数据报总数",
		},
		[]string{"protocol"},
	)

	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "operations_total",
			Help:      "设备操作结果",
		},
		[]string{"protocol", "operation", "outcome"},
	)

	collectors = []prometheus.Collector{
		devicesFoundTotal,
		devicesLostTotal,
		probesSentTotal,
		operationsTotal,
	}
)

// 操作结果标签
const (
	OutcomeOK          = "ok"
	OutcomeFault       = "fault"
	OutcomeTransport   = "transport"
	OutcomeMalformed   = "malformed"
	OutcomeUnsupported = "unsupported"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// Tracer 指标追踪器
//
// nil Tracer 合法，所有方法为空操作。
type Tracer interface {
	DeviceFound(proto natif.NATProtocol)
	DeviceLost(proto natif.NATProtocol)
	ProbesSent(proto natif.NATProtocol, n int)
	OperationFinished(proto natif.NATProtocol, operation string, err error)
}

type tracer struct{}

var _ Tracer = (*tracer)(nil)

type tracerSetting struct {
	reg prometheus.Registerer
}

// Option 追踪器配置
type Option func(*tracerSetting)

// WithRegisterer 指定 Prometheus 注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *tracerSetting) {
		if reg != nil {
			s.reg = reg
		}
	}
}

// NewTracer 创建指标追踪器
func NewTracer(opts ...Option) Tracer {
	setting := &tracerSetting{reg: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(setting)
	}
	registerCollectors(setting.reg, collectors...)

	for _, proto := range []natif.NATProtocol{natif.ProtocolUPnP, natif.ProtocolNATPMP} {
		devicesFoundTotal.WithLabelValues(proto.String())
		devicesLostTotal.WithLabelValues(proto.String())
		probesSentTotal.WithLabelValues(proto.String())
	}
	return &tracer{}
}

// registerCollectors 注册收集器，忽略重复注册
func registerCollectors(reg prometheus.Registerer, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if ok := errors.As(err, &prometheus.AlreadyRegisteredError{}); !ok {
				panic(err)
			}
		}
	}
}

func (t *tracer) DeviceFound(proto natif.NATProtocol) {
	if t == nil {
		return
	}
	devicesFoundTotal.WithLabelValues(proto.String()).Inc()
}

func (t *tracer) DeviceLost(proto natif.NATProtocol) {
	if t == nil {
		return
	}
	devicesLostTotal.WithLabelValues(proto.String()).Inc()
}

func (t *tracer) ProbesSent(proto natif.NATProtocol, n int) {
	if t == nil || n <= 0 {
		return
	}
	probesSentTotal.WithLabelValues(proto.String()).Add(float64(n))
}

func (t *tracer) OperationFinished(proto natif.NATProtocol, operation string, err error) {
	if t == nil {
		return
	}
	operationsTotal.WithLabelValues(proto.String(), operation, Outcome(err)).Inc()
}

// Outcome 将操作错误归类为结果标签
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, natif.ErrProtocolFault):
		return OutcomeFault
	case errors.Is(err, natif.ErrTransport):
		return OutcomeTransport
	case errors.Is(err, natif.ErrMalformedResponse):
		return OutcomeMalformed
	case errors.Is(err, natif.ErrUnsupportedOperation):
		return OutcomeUnsupported
	default:
		return OutcomeError
	}
}

// ============================================================================
//                              nil 安全包装
// ============================================================================

// Noop 返回空操作追踪器
func Noop() Tracer {
	return noop{}
}

type noop struct{}

func (noop) DeviceFound(natif.NATProtocol)                      {}
func (noop) DeviceLost(natif.NATProtocol)                       {}
func (noop) ProbesSent(natif.NATProtocol, int)                  {}
func (noop) OperationFinished(natif.NATProtocol, string, error) {}

// OrNoop 将 nil 替换为空操作追踪器
func OrNoop(t Tracer) Tracer {
	if t == nil {
		return noop{}
	}
	return t
}
