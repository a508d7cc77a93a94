package nat

import "errors"

// Sentinel errors
var (
	// ErrServiceClosed 服务已关闭
	ErrServiceClosed = errors.New("nat: service closed")

	// ErrNoProtocolEnabled 没有启用任何协议
	ErrNoProtocolEnabled = errors.New("nat: no protocol enabled")

	// ErrProtocolDisabled 请求的协议未启用
	ErrProtocolDisabled = errors.New("nat: protocol not enabled")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("nat: invalid config")
)
