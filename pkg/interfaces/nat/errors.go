package nat

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrTransport 网络传输失败（套接字、DNS、HTTP 连接）
	ErrTransport = errors.New("nat: transport failure")

	// ErrMalformedResponse 响应无法解析
	ErrMalformedResponse = errors.New("nat: malformed response")

	// ErrUnsupportedOperation 协议不支持该操作
	ErrUnsupportedOperation = errors.New("nat: operation not supported by protocol")

	// ErrProtocolFault 网关返回了明确的错误码
	ErrProtocolFault = errors.New("nat: gateway fault")

	// ErrTimeout 重试次数耗尽仍未收到响应
	ErrTimeout = errors.New("nat: request timed out")

	// ErrInvalidMapping 映射参数无效（空映射或内部端口为 0）
	ErrInvalidMapping = errors.New("nat: invalid mapping")
)

// UPnP 错误码（UPnP IGD WANIPConnection:1 规范）
const (
	FaultInvalidArgs                  = 402
	FaultActionFailed                 = 501
	FaultArrayIndexInvalid            = 713
	FaultNoSuchEntryInArray           = 714
	FaultConflictInMappingEntry       = 718
	FaultOnlyPermanentLeasesSupported = 725
)

// ============================================================================
//                              错误类型
// ============================================================================

// TransportError 传输层错误
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("nat transport error: %s: %v", e.Op, e.Cause)
	}
	return "nat transport error: " + e.Op
}

// Unwrap 解包错误
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is 匹配 ErrTransport
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ProtocolFault 网关返回的协议错误
//
// UPnP 对应 SOAP UPnPError，NAT-PMP 对应非零结果码。
type ProtocolFault struct {
	Protocol    NATProtocol
	Code        int
	Description string
}

func (e *ProtocolFault) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("nat %s fault %d: %s", e.Protocol, e.Code, e.Description)
	}
	return fmt.Sprintf("nat %s fault %d", e.Protocol, e.Code)
}

// Is 匹配 ErrProtocolFault
func (e *ProtocolFault) Is(target error) bool {
	return target == ErrProtocolFault
}

// MalformedResponseError 响应格式错误
type MalformedResponseError struct {
	Source string
	Reason string
	Cause  error
}

func (e *MalformedResponseError) Error() string {
	msg := "nat malformed response"
	if e.Source != "" {
		msg += " from " + e.Source
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 解包错误
func (e *MalformedResponseError) Unwrap() error {
	return e.Cause
}

// Is 匹配 ErrMalformedResponse
func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// ============================================================================
//                              辅助函数
// ============================================================================

// NewTransportError 创建传输错误
func NewTransportError(op string, cause error) error {
	return &TransportError{Op: op, Cause: cause}
}

// NewMalformedError 创建响应格式错误
func NewMalformedError(source, reason string, cause error) error {
	return &MalformedResponseError{Source: source, Reason: reason, Cause: cause}
}

// ValidateMapping 检查映射参数
func ValidateMapping(m *Mapping) error {
	if m == nil {
		return ErrInvalidMapping
	}
	if m.InternalPort == 0 {
		return fmt.Errorf("%w: internal port is zero", ErrInvalidMapping)
	}
	return nil
}

// IsFault 判断 err 是否为指定错误码的 ProtocolFault
func IsFault(err error, code int) bool {
	var fault *ProtocolFault
	if errors.As(err, &fault) {
		return fault.Code == code
	}
	return false
}
