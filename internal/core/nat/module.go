package nat

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// ============================================================================
//                              模块输入依赖
// ============================================================================

// ModuleInput 定义模块输入依赖
type ModuleInput struct {
	fx.In

	// Config 配置（可选）
	Config *Config `optional:"true"`

	// Registerer 指标注册器（可选），Config 未设置注册器时使用
	Registerer prometheus.Registerer `optional:"true"`
}

// ============================================================================
//                              模块输出服务
// ============================================================================

// ModuleOutput 定义模块输出服务
type ModuleOutput struct {
	fx.Out

	// DiscoveryService 网关发现服务
	DiscoveryService natif.DiscoveryService `name:"nat"`
}

// ============================================================================
//                              服务提供
// ============================================================================

// ProvideServices 提供模块服务
func ProvideServices(input ModuleInput) (ModuleOutput, error) {
	config := DefaultConfig()
	if input.Config != nil {
		cp := *input.Config
		config = &cp
	}
	if config.Registerer == nil && input.Registerer != nil {
		config.Registerer = input.Registerer
	}

	service, err := NewService(config)
	if err != nil {
		return ModuleOutput{}, err
	}

	return ModuleOutput{DiscoveryService: service}, nil
}

// ============================================================================
//                              模块定义
// ============================================================================

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("nat",
		fx.Provide(ProvideServices),
		fx.Invoke(registerLifecycle),
	)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In
	LC      fx.Lifecycle
	Service natif.DiscoveryService `name:"nat"`
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := input.Service.StartDiscovery(); err != nil {
				return err
			}
			log.Info("NAT 模块启动")
			return nil
		},
		OnStop: func(_ context.Context) error {
			log.Info("NAT 模块停止")
			if err := input.Service.Close(); err != nil {
				log.Warn("NAT 服务关闭失败", "err", err)
			}
			return nil
		},
	})
}

// ============================================================================
//                              模块元信息
// ============================================================================

// 模块元信息常量
const (
	Version     = "1.0.0"
	Name        = "nat"
	Description = "NAT 网关发现模块，提供 UPnP IGD 与 NAT-PMP 端口映射能力"
)
