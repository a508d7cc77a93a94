package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/huin/goupnp/soap"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// SOAP 常量
const (
	soapEnvelopeNS    = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncodingStyle = "http://schemas.xmlsoap.org/soap/encoding/"
	soapContentType   = `text/xml; charset="utf-8"`
)

// 控制动作
const (
	ActionGetExternalIPAddress        = "GetExternalIPAddress"
	ActionAddPortMapping              = "AddPortMapping"
	ActionDeletePortMapping           = "DeletePortMapping"
	ActionGetGenericPortMappingEntry  = "GetGenericPortMappingEntry"
	ActionGetSpecificPortMappingEntry = "GetSpecificPortMappingEntry"
)

// Arg SOAP 参数，按声明顺序写入请求
type Arg struct {
	Name  string
	Value string
}

// ============================================================================
//                              请求编码
// ============================================================================

// EncodeRequest 编码 SOAP 请求体
func EncodeRequest(serviceType, action string, args []Arg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncodingStyle + `">`)
	b.WriteString(`<s:Body><u:` + action + ` xmlns:u="`)
	_ = xml.EscapeText(&b, []byte(serviceType))
	b.WriteString(`">`)
	for _, a := range args {
		b.WriteString("<" + a.Name + ">")
		_ = xml.EscapeText(&b, []byte(a.Value))
		b.WriteString("</" + a.Name + ">")
	}
	b.WriteString(`</u:` + action + `></s:Body></s:Envelope>`)
	return b.Bytes()
}

// SOAPAction 返回 SOAPACTION 头部值
func SOAPAction(serviceType, action string) string {
	return `"` + serviceType + "#" + action + `"`
}

func mappingArgs(m *natif.Mapping, externalPort uint16) []Arg {
	ext, _ := soap.MarshalUi2(externalPort)
	return []Arg{
		{"NewRemoteHost", m.RemoteHost},
		{"NewExternalPort", ext},
		{"NewProtocol", m.Protocol.String()},
	}
}

func addPortMappingArgs(m *natif.Mapping, externalPort uint16, internalClient string) []Arg {
	internal, _ := soap.MarshalUi2(m.InternalPort)
	enabled, _ := soap.MarshalBoolean(true)
	lease, _ := soap.MarshalUi4(m.Lifetime)
	return append(mappingArgs(m, externalPort),
		Arg{"NewInternalPort", internal},
		Arg{"NewInternalClient", internalClient},
		Arg{"NewEnabled", enabled},
		Arg{"NewPortMappingDescription", m.Description},
		Arg{"NewLeaseDuration", lease},
	)
}

func indexArgs(index uint16) []Arg {
	v, _ := soap.MarshalUi2(index)
	return []Arg{{"NewPortMappingIndex", v}}
}

// ============================================================================
//                              响应类型
// ============================================================================

// Response 动作响应
type Response interface {
	Action() string
}

// GetExternalIPAddressResponse 外部地址
type GetExternalIPAddressResponse struct {
	IP net.IP
}

// AddPortMappingResponse 创建映射
type AddPortMappingResponse struct{}

// DeletePortMappingResponse 删除映射
type DeletePortMappingResponse struct{}

// GetGenericPortMappingEntryResponse 按索引查询的映射
type GetGenericPortMappingEntryResponse struct {
	Mapping *natif.Mapping
}

// GetSpecificPortMappingEntryResponse 按端口查询的映射
//
// Protocol 与 ExternalPort 不在响应中，由调用方按请求参数补齐。
type GetSpecificPortMappingEntryResponse struct {
	Mapping *natif.Mapping
}

func (GetExternalIPAddressResponse) Action() string        { return ActionGetExternalIPAddress }
func (AddPortMappingResponse) Action() string              { return ActionAddPortMapping }
func (DeletePortMappingResponse) Action() string           { return ActionDeletePortMapping }
func (GetGenericPortMappingEntryResponse) Action() string  { return ActionGetGenericPortMappingEntry }
func (GetSpecificPortMappingEntryResponse) Action() string { return ActionGetSpecificPortMappingEntry }

// ============================================================================
//                              响应解码
// ============================================================================

type upnpError struct {
	Code        int    `xml:"errorCode"`
	Description string `xml:"errorDescription"`
}

type responseArgs struct {
	Args []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

func (r *responseArgs) get(name string) (string, bool) {
	for _, a := range r.Args {
		if a.XMLName.Local == name {
			return strings.TrimSpace(a.Value), true
		}
	}
	return "", false
}

// DecodeResponse 解码 SOAP 响应体
//
// 先查找任意深度的 UPnPError，存在时返回 *nat.ProtocolFault；
// 否则查找 <action>Response 并解码为对应的响应类型。
func DecodeResponse(body []byte, action string) (Response, error) {
	var fault upnpError
	found, err := decodeElement(body, "UPnPError", &fault)
	if err != nil {
		return nil, natif.NewMalformedError("soap "+action, "invalid envelope", err)
	}
	if found {
		return nil, &natif.ProtocolFault{
			Protocol:    natif.ProtocolUPnP,
			Code:        fault.Code,
			Description: strings.TrimSpace(fault.Description),
		}
	}

	var args responseArgs
	found, err = decodeElement(body, action+"Response", &args)
	if err != nil {
		return nil, natif.NewMalformedError("soap "+action, "invalid envelope", err)
	}
	if !found {
		return nil, natif.NewMalformedError("soap "+action, "missing "+action+"Response element", nil)
	}

	switch action {
	case ActionGetExternalIPAddress:
		raw, _ := args.get("NewExternalIPAddress")
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, natif.NewMalformedError("soap "+action, fmt.Sprintf("invalid external address %q", raw), nil)
		}
		return GetExternalIPAddressResponse{IP: ip}, nil
	case ActionAddPortMapping:
		return AddPortMappingResponse{}, nil
	case ActionDeletePortMapping:
		return DeletePortMappingResponse{}, nil
	case ActionGetGenericPortMappingEntry:
		m, err := decodeMapping(&args, true)
		if err != nil {
			return nil, natif.NewMalformedError("soap "+action, "invalid mapping entry", err)
		}
		return GetGenericPortMappingEntryResponse{Mapping: m}, nil
	case ActionGetSpecificPortMappingEntry:
		m, err := decodeMapping(&args, false)
		if err != nil {
			return nil, natif.NewMalformedError("soap "+action, "invalid mapping entry", err)
		}
		return GetSpecificPortMappingEntryResponse{Mapping: m}, nil
	default:
		return nil, fmt.Errorf("upnp: unknown action %q", action)
	}
}

// decodeElement 在 body 中查找首个本地名为 name 的元素并解码到 v
func decodeElement(body []byte, name string, v any) (bool, error) {
	d := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == name {
			return true, d.DecodeElement(v, &se)
		}
	}
}

// decodeMapping 解码映射条目
//
// withKey 为 true 时 NewExternalPort 与 NewProtocol 为必需字段。
func decodeMapping(args *responseArgs, withKey bool) (*natif.Mapping, error) {
	m := &natif.Mapping{Enabled: true}

	if withKey {
		raw, ok := args.get("NewExternalPort")
		if !ok {
			return nil, errors.New("missing NewExternalPort")
		}
		ext, err := soap.UnmarshalUi2(raw)
		if err != nil {
			return nil, err
		}
		m.ExternalPort = ext

		raw, ok = args.get("NewProtocol")
		if !ok {
			return nil, errors.New("missing NewProtocol")
		}
		if m.Protocol, err = natif.ParseProtocol(raw); err != nil {
			return nil, err
		}
		m.RemoteHost, _ = args.get("NewRemoteHost")
	}

	raw, ok := args.get("NewInternalPort")
	if !ok {
		return nil, errors.New("missing NewInternalPort")
	}
	internal, err := soap.UnmarshalUi2(raw)
	if err != nil {
		return nil, err
	}
	m.InternalPort = internal

	m.InternalClient, _ = args.get("NewInternalClient")
	m.Description, _ = args.get("NewPortMappingDescription")

	if raw, ok := args.get("NewEnabled"); ok && raw != "" {
		if m.Enabled, err = soap.UnmarshalBoolean(raw); err != nil {
			return nil, err
		}
	}
	if raw, ok := args.get("NewLeaseDuration"); ok && raw != "" {
		if m.Lifetime, err = soap.UnmarshalUi4(raw); err != nil {
			return nil, err
		}
	}
	return m, nil
}
