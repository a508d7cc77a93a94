package upnp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// maxSOAPResponseSize SOAP 响应体上限
const maxSOAPResponseSize = 1 << 20

// soapClient 针对单个 controlURL 的 SOAP 客户端
type soapClient struct {
	http        *http.Client
	controlURL  string
	serviceType string
}

// call 执行一次 SOAP 动作
//
// 非 2xx 响应同样先解码；只有不含 UPnPError 时才作为传输错误返回。
func (c *soapClient) call(ctx context.Context, action string, args []Arg) (Response, error) {
	body := EncodeRequest(c.serviceType, action, args)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL, bytes.NewReader(body))
	if err != nil {
		return nil, natif.NewTransportError("soap "+action, err)
	}
	req.Header.Set("Content-Type", soapContentType)
	req.Header.Set("SOAPACTION", SOAPAction(c.serviceType, action))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, natif.NewTransportError("soap "+action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSOAPResponseSize))
	if err != nil {
		return nil, natif.NewTransportError("soap "+action+" read", err)
	}

	r, derr := DecodeResponse(data, action)
	if derr != nil {
		if errors.Is(derr, natif.ErrProtocolFault) {
			return nil, derr
		}
		if resp.StatusCode/100 != 2 {
			return nil, natif.NewTransportError("soap "+action, fmt.Errorf("http status %s", resp.Status))
		}
		return nil, derr
	}
	return r, nil
}
