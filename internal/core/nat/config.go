package nat

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-natmap/internal/core/nat/natpmp"
	"github.com/dep2p/go-natmap/internal/core/nat/netif"
	"github.com/dep2p/go-natmap/internal/core/nat/searcher"
	"github.com/dep2p/go-natmap/internal/core/nat/upnp"
)

// Config 网关发现服务配置
type Config struct {
	// EnableUPnP 是否启用 UPnP IGD
	EnableUPnP bool

	// EnableNATPMP 是否启用 NAT-PMP
	EnableNATPMP bool

	// UPnPSearchInterval UPnP 周期性探测间隔
	UPnPSearchInterval time.Duration

	// PMPSearchInterval NAT-PMP 周期性探测间隔
	PMPSearchInterval time.Duration

	// HTTPTimeout UPnP 设备描述抓取与 SOAP 调用的超时
	HTTPTimeout time.Duration

	// DescriptionAttempts 设备描述最大读取次数
	DescriptionAttempts int

	// LocationDebounce 同一 LOCATION 的抓取间隔
	LocationDebounce time.Duration

	// EventBuffer 每个协议的事件通道容量
	EventBuffer int

	// FetchWorkers 设备描述抓取的并发上限
	FetchWorkers int

	// PMPRetryDelay NAT-PMP 首次重传等待
	PMPRetryDelay time.Duration

	// PMPRetryAttempts NAT-PMP 最大发送次数
	PMPRetryAttempts int

	// PMPPort NAT-PMP 网关端口
	PMPPort int

	// SSDPTarget SSDP 探测目标，默认 239.255.255.250:1900
	SSDPTarget *net.UDPAddr

	// Enumerator 本地地址枚举器
	Enumerator netif.Enumerator

	// Clock 时间源
	Clock clock.Clock

	// Registerer 指标注册器，为空时不采集指标
	Registerer prometheus.Registerer
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		EnableUPnP:          true,
		EnableNATPMP:        true,
		UPnPSearchInterval:  searcher.DefaultInterval,
		PMPSearchInterval:   5 * time.Minute,
		HTTPTimeout:         upnp.DefaultHTTPTimeout,
		DescriptionAttempts: upnp.DefaultDescriptionAttempts,
		LocationDebounce:    upnp.DefaultLocationDebounce,
		EventBuffer:         searcher.DefaultEventBuffer,
		FetchWorkers:        searcher.DefaultWorkers,
		PMPRetryDelay:       natpmp.RetryDelay,
		PMPRetryAttempts:    natpmp.RetryAttempts,
		PMPPort:             natpmp.ServerPort,
		Enumerator:          netif.NewSystem(),
		Clock:               clock.New(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.UPnPSearchInterval <= 0 || c.PMPSearchInterval <= 0 {
		return errors.New("search interval must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP timeout must be positive")
	}
	if c.DescriptionAttempts <= 0 {
		return errors.New("description attempts must be positive")
	}
	if c.LocationDebounce <= 0 {
		return errors.New("location debounce must be positive")
	}
	if c.EventBuffer <= 0 {
		return errors.New("event buffer must be positive")
	}
	if c.FetchWorkers <= 0 {
		return errors.New("fetch workers must be positive")
	}
	if c.PMPRetryDelay <= 0 || c.PMPRetryAttempts <= 0 {
		return errors.New("NAT-PMP retry delay and attempts must be positive")
	}
	if c.PMPPort <= 0 || c.PMPPort > 65535 {
		return fmt.Errorf("invalid NAT-PMP port %d", c.PMPPort)
	}
	if c.Enumerator == nil {
		return errors.New("address enumerator is nil")
	}
	if c.Clock == nil {
		return errors.New("clock is nil")
	}
	return nil
}

// Option 配置选项函数
type Option func(*Config) error

// WithUPnP 设置是否启用 UPnP
func WithUPnP(enabled bool) Option {
	return func(c *Config) error {
		c.EnableUPnP = enabled
		return nil
	}
}

// WithNATPMP 设置是否启用 NAT-PMP
func WithNATPMP(enabled bool) Option {
	return func(c *Config) error {
		c.EnableNATPMP = enabled
		return nil
	}
}

// WithSearchIntervals 设置两种协议的探测间隔
func WithSearchIntervals(upnpInterval, pmpInterval time.Duration) Option {
	return func(c *Config) error {
		if upnpInterval <= 0 || pmpInterval <= 0 {
			return errors.New("search interval must be positive")
		}
		c.UPnPSearchInterval = upnpInterval
		c.PMPSearchInterval = pmpInterval
		return nil
	}
}

// WithHTTPTimeout 设置 UPnP HTTP 超时
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return errors.New("HTTP timeout must be positive")
		}
		c.HTTPTimeout = timeout
		return nil
	}
}

// WithEnumerator 设置本地地址枚举器
func WithEnumerator(e netif.Enumerator) Option {
	return func(c *Config) error {
		if e == nil {
			return errors.New("address enumerator is nil")
		}
		c.Enumerator = e
		return nil
	}
}

// WithClock 设置时间源
func WithClock(clk clock.Clock) Option {
	return func(c *Config) error {
		if clk == nil {
			return errors.New("clock is nil")
		}
		c.Clock = clk
		return nil
	}
}

// WithRegisterer 设置指标注册器
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) error {
		c.Registerer = reg
		return nil
	}
}

// WithEventBuffer 设置事件通道容量
func WithEventBuffer(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return errors.New("event buffer must be positive")
		}
		c.EventBuffer = n
		return nil
	}
}

// ApplyOptions 应用配置选项
func (c *Config) ApplyOptions(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return err
		}
	}
	return c.Validate()
}
