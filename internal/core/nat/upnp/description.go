package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// DefaultDescriptionAttempts 设备描述最大读取次数
const DefaultDescriptionAttempts = 50

const descriptionChunkSize = 8192

// FetchDescription 抓取并解析设备描述
//
// 响应体按块累积，每读到一块尝试一次 XML 解析，解析成功即返回。
// Content-Length 在部分网关上不可靠，因此不依赖它判断结束。
// 返回的描述中所有 controlURL 已相对 location 解析，描述自带的 URLBase 被忽略。
func FetchDescription(ctx context.Context, client *http.Client, location *url.URL, attempts int) (*goupnp.RootDevice, error) {
	if attempts <= 0 {
		attempts = DefaultDescriptionAttempts
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if err != nil {
		return nil, natif.NewTransportError("upnp describe", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, natif.NewTransportError("upnp describe "+location.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, natif.NewTransportError("upnp describe "+location.String(), fmt.Errorf("http status %s", resp.Status))
	}

	var (
		buf     bytes.Buffer
		chunk   = make([]byte, descriptionChunkSize)
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		n, rerr := resp.Body.Read(chunk)
		buf.Write(chunk[:n])

		if n > 0 {
			root := &goupnp.RootDevice{}
			if lastErr = xml.Unmarshal(buf.Bytes(), root); lastErr == nil {
				root.SetURLBase(location)
				return root, nil
			}
		}

		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, natif.NewTransportError("upnp describe "+location.String(), rerr)
		}
	}
	return nil, natif.NewMalformedError(location.String(), "device description is not valid XML", lastErr)
}

// FindService 查找 WANIPConnection:1 或 WANPPPConnection:1 服务
//
// 遍历所有嵌套设备，返回第一个 controlURL 可用的匹配服务。
func FindService(root *goupnp.RootDevice) *goupnp.Service {
	var found *goupnp.Service
	root.Device.VisitServices(func(s *goupnp.Service) {
		if found != nil || !s.ControlURL.Ok {
			return
		}
		st := strings.TrimSpace(s.ServiceType)
		if strings.EqualFold(st, internetgateway1.URN_WANIPConnection_1) ||
			strings.EqualFold(st, internetgateway1.URN_WANPPPConnection_1) {
			found = s
		}
	})
	return found
}
