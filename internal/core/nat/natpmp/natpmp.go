package natpmp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	gonatpmp "github.com/jackpal/go-nat-pmp"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// 协议常量
const (
	// Version 协议版本
	Version byte = 0

	// ServerPort 网关监听端口
	ServerPort = 5351

	// OpExternalAddress 外部地址查询
	OpExternalAddress byte = 0
	// OpMapUDP UDP 映射
	OpMapUDP byte = 1
	// OpMapTCP TCP 映射
	OpMapTCP byte = 2

	// responseFlag 响应报文的 opcode 最高位
	responseFlag byte = 0x80

	// DefaultLifetime 创建映射时未指定租期使用的默认值（秒）
	DefaultLifetime uint32 = 7200

	// RetryDelay 首次重传等待
	RetryDelay = 250 * time.Millisecond

	// RetryAttempts 最大发送次数
	RetryAttempts = 9
)

const (
	mappingRequestSize          = 12
	mappingResponseSize         = 16
	externalAddressResponseSize = 12
)

// ============================================================================
//                              结果码
// ============================================================================

// ResultCode 网关响应结果码
type ResultCode uint16

// 结果码（RFC 6886 第 3.5 节）
const (
	ResultSuccess            ResultCode = 0
	ResultUnsupportedVersion ResultCode = 1
	ResultNotAuthorized      ResultCode = 2
	ResultNetworkFailure     ResultCode = 3
	ResultOutOfResources     ResultCode = 4
	ResultUnsupportedOpcode  ResultCode = 5
)

// String 返回结果码名称
func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "Success"
	case ResultUnsupportedVersion:
		return "UnsupportedVersion"
	case ResultNotAuthorized:
		return "NotAuthorizedOrRefused"
	case ResultNetworkFailure:
		return "NetworkFailure"
	case ResultOutOfResources:
		return "OutOfResources"
	case ResultUnsupportedOpcode:
		return "UnsupportedOpcode"
	default:
		return fmt.Sprintf("Result(%d)", uint16(c))
	}
}

// Err 将非零结果码转换为 ProtocolFault
func (c ResultCode) Err() error {
	if c == ResultSuccess {
		return nil
	}
	return &natif.ProtocolFault{
		Protocol:    natif.ProtocolNATPMP,
		Code:        int(c),
		Description: c.String(),
	}
}

// ============================================================================
//                              编码
// ============================================================================

// OpcodeFor 返回传输协议对应的映射 opcode
func OpcodeFor(proto natif.Protocol) byte {
	if proto == natif.ProtocolTCP {
		return OpMapTCP
	}
	return OpMapUDP
}

// EncodeExternalAddressRequest 编码外部地址请求
func EncodeExternalAddressRequest() []byte {
	return []byte{Version, OpExternalAddress}
}

// EncodeMappingRequest 编码映射请求
//
// create 为 false 时编码删除请求：外部端口与租期均为 0。
// 创建请求的租期为 0 时使用 DefaultLifetime。
func EncodeMappingRequest(m *natif.Mapping, create bool) []byte {
	buf := make([]byte, mappingRequestSize)
	buf[0] = Version
	buf[1] = OpcodeFor(m.Protocol)
	binary.BigEndian.PutUint16(buf[4:6], m.InternalPort)

	if create {
		lifetime := m.Lifetime
		if lifetime == 0 {
			lifetime = DefaultLifetime
		}
		binary.BigEndian.PutUint16(buf[6:8], m.ExternalPort)
		binary.BigEndian.PutUint32(buf[8:12], lifetime)
	}
	return buf
}

// ============================================================================
//                              解码
// ============================================================================

// MappingResponse 映射响应
type MappingResponse struct {
	Opcode byte
	Result ResultCode
	gonatpmp.AddPortMappingResult
}

// ExternalAddressResponse 外部地址响应
type ExternalAddressResponse struct {
	Result ResultCode
	gonatpmp.GetExternalAddressResult
}

// IP 返回外部地址
func (r *ExternalAddressResponse) IP() net.IP {
	ip := r.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).To4()
}

func checkHeader(b []byte, size int) error {
	if len(b) < size {
		return natif.NewMalformedError("nat-pmp", fmt.Sprintf("frame too short: %d < %d bytes", len(b), size), nil)
	}
	if b[0] != Version {
		return natif.NewMalformedError("nat-pmp", fmt.Sprintf("unsupported version %d", b[0]), nil)
	}
	if b[1]&responseFlag == 0 {
		return natif.NewMalformedError("nat-pmp", fmt.Sprintf("opcode %d is not a response", b[1]), nil)
	}
	return nil
}

// DecodeMappingResponse 解码 16 字节映射响应
func DecodeMappingResponse(b []byte) (*MappingResponse, error) {
	if err := checkHeader(b, mappingResponseSize); err != nil {
		return nil, err
	}
	op := b[1] &^ responseFlag
	if op != OpMapUDP && op != OpMapTCP {
		return nil, natif.NewMalformedError("nat-pmp", fmt.Sprintf("unexpected mapping opcode %d", op), nil)
	}

	r := &MappingResponse{
		Opcode: op,
		Result: ResultCode(binary.BigEndian.Uint16(b[2:4])),
	}
	r.SecondsSinceStartOfEpoc = binary.BigEndian.Uint32(b[4:8])
	r.InternalPort = binary.BigEndian.Uint16(b[8:10])
	r.MappedExternalPort = binary.BigEndian.Uint16(b[10:12])
	r.PortMappingLifetimeInSeconds = binary.BigEndian.Uint32(b[12:16])
	return r, nil
}

// DecodeExternalAddressResponse 解码 12 字节外部地址响应
func DecodeExternalAddressResponse(b []byte) (*ExternalAddressResponse, error) {
	if err := checkHeader(b, externalAddressResponseSize); err != nil {
		return nil, err
	}
	if op := b[1] &^ responseFlag; op != OpExternalAddress {
		return nil, natif.NewMalformedError("nat-pmp", fmt.Sprintf("unexpected opcode %d for external address", op), nil)
	}

	r := &ExternalAddressResponse{
		Result: ResultCode(binary.BigEndian.Uint16(b[2:4])),
	}
	r.SecondsSinceStartOfEpoc = binary.BigEndian.Uint32(b[4:8])
	copy(r.ExternalIPAddress[:], b[8:12])
	return r, nil
}
