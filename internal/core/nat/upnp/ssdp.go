package upnp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/huin/goupnp/ssdp"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// SSDP 参数
const (
	// MulticastAddr SSDP 组播地址
	MulticastAddr = "239.255.255.250"

	// SSDPPort SSDP 端口
	SSDPPort = 1900

	// InternetGatewayDevice IGD:1 设备类型
	InternetGatewayDevice = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"

	// ProbeBurst 每轮探测发送的报文数
	ProbeBurst = 3
)

// 服务类型前缀（小写，匹配任意版本）
var gatewayServicePrefixes = [][]byte{
	[]byte("urn:schemas-upnp-org:service:wanipconnection:"),
	[]byte("urn:schemas-upnp-org:service:wanpppconnection:"),
}

// ErrNotGateway 回复不是 WAN 连接服务
var ErrNotGateway = errors.New("upnp: ssdp reply is not a WAN connection service")

// MulticastTarget 返回 SSDP 组播目标
func MulticastTarget() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: SSDPPort}
}

// EncodeSearch 编码组播 M-SEARCH
func EncodeSearch() []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"Host: " + MulticastAddr + ":1900\r\n" +
		"Man:\"ssdp:discover\"\r\n" +
		"ST:" + ssdp.SSDPAll + "\r\n" +
		"MX:3\r\n\r\n")
}

// EncodeUnicastSearch 编码发往指定网关的 M-SEARCH
func EncodeUnicastSearch(gw *net.UDPAddr) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"Host: " + gw.String() + "\r\n" +
		"Man:\"ssdp:discover\"\r\n" +
		"ST:" + InternetGatewayDevice + "\r\n" +
		"MX:3\r\n\r\n")
}

// ParseSearchResponse 解析 SSDP 回复，返回 LOCATION
//
// 不含 WAN 连接服务类型的回复返回 ErrNotGateway。
func ParseSearchResponse(payload []byte) (*url.URL, error) {
	lower := bytes.ToLower(payload)
	matched := false
	for _, p := range gatewayServicePrefixes {
		if bytes.Contains(lower, p) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrNotGateway
	}

	raw, ok := header(payload, "location")
	if !ok {
		return nil, natif.NewMalformedError("ssdp", "missing LOCATION header", nil)
	}
	loc, err := url.Parse(raw)
	if err != nil {
		return nil, natif.NewMalformedError("ssdp", "invalid LOCATION "+raw, err)
	}
	if (loc.Scheme != "http" && loc.Scheme != "https") || loc.Host == "" {
		return nil, natif.NewMalformedError("ssdp", fmt.Sprintf("LOCATION %q is not an absolute http URL", raw), nil)
	}
	return loc, nil
}

// header 按名称（不区分大小写）查找首个头部值
func header(payload []byte, name string) (string, bool) {
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimRight(line, "\r")
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
