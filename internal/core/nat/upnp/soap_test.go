package upnp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

func TestEncodeRequest(t *testing.T) {
	m := natif.NewMapping(natif.ProtocolTCP, 6000, 0, 3600, "a<b & c")
	body := string(EncodeRequest(wanIP1, ActionAddPortMapping, addPortMappingArgs(m, 6000, "192.168.1.20")))

	t.Run("信封与命名空间", func(t *testing.T) {
		assert.Contains(t, body, `xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"`)
		assert.Contains(t, body, `s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"`)
		assert.Contains(t, body, `<u:AddPortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">`)
	})

	t.Run("参数按顺序写入并转义", func(t *testing.T) {
		order := []string{"NewRemoteHost", "NewExternalPort", "NewProtocol", "NewInternalPort",
			"NewInternalClient", "NewEnabled", "NewPortMappingDescription", "NewLeaseDuration"}
		last := -1
		for _, name := range order {
			i := strings.Index(body, "<"+name+">")
			require.GreaterOrEqual(t, i, 0, name)
			assert.Greater(t, i, last, name)
			last = i
		}
		assert.Contains(t, body, "<NewPortMappingDescription>a&lt;b &amp; c</NewPortMappingDescription>")
		assert.Contains(t, body, "<NewEnabled>1</NewEnabled>")
		assert.Contains(t, body, "<NewProtocol>TCP</NewProtocol>")
	})

	t.Run("SOAPACTION 头部", func(t *testing.T) {
		assert.Equal(t, `"urn:schemas-upnp-org:service:WANIPConnection:1#DeletePortMapping"`, SOAPAction(wanIP1, ActionDeletePortMapping))
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("UPnPError 保留原始错误码", func(t *testing.T) {
		for _, code := range []int{402, 501, 713, 714, 718, 725} {
			_, err := DecodeResponse([]byte(soapFault(code, "desc")), ActionAddPortMapping)
			require.Error(t, err)

			var fault *natif.ProtocolFault
			require.True(t, errors.As(err, &fault), "code %d", code)
			assert.Equal(t, code, fault.Code)
			assert.Equal(t, natif.ProtocolUPnP, fault.Protocol)
			assert.Equal(t, "desc", fault.Description)
		}
	})

	t.Run("UPnPError 优先于动作响应", func(t *testing.T) {
		body := strings.Replace(soapResponse(ActionDeletePortMapping), "</u:DeletePortMappingResponse>",
			"</u:DeletePortMappingResponse><UPnPError><errorCode>606</errorCode></UPnPError>", 1)
		_, err := DecodeResponse([]byte(body), ActionDeletePortMapping)
		assert.True(t, natif.IsFault(err, 606))
	})

	t.Run("外部地址", func(t *testing.T) {
		r, err := DecodeResponse([]byte(soapResponse(ActionGetExternalIPAddress, "NewExternalIPAddress", "198.51.100.9")), ActionGetExternalIPAddress)
		require.NoError(t, err)
		assert.Equal(t, "198.51.100.9", r.(GetExternalIPAddressResponse).IP.String())

		_, err = DecodeResponse([]byte(soapResponse(ActionGetExternalIPAddress, "NewExternalIPAddress", "")), ActionGetExternalIPAddress)
		assert.ErrorIs(t, err, natif.ErrMalformedResponse)
	})

	t.Run("空响应动作", func(t *testing.T) {
		r, err := DecodeResponse([]byte(soapResponse(ActionAddPortMapping)), ActionAddPortMapping)
		require.NoError(t, err)
		assert.IsType(t, AddPortMappingResponse{}, r)

		r, err = DecodeResponse([]byte(soapResponse(ActionDeletePortMapping)), ActionDeletePortMapping)
		require.NoError(t, err)
		assert.IsType(t, DeletePortMappingResponse{}, r)
	})

	t.Run("映射条目", func(t *testing.T) {
		body := soapResponse(ActionGetGenericPortMappingEntry,
			"NewRemoteHost", "",
			"NewExternalPort", "7000",
			"NewProtocol", "tcp",
			"NewInternalPort", "6000",
			"NewInternalClient", "192.168.1.20",
			"NewEnabled", "0",
			"NewPortMappingDescription", "web",
			"NewLeaseDuration", "120")
		r, err := DecodeResponse([]byte(body), ActionGetGenericPortMappingEntry)
		require.NoError(t, err)

		m := r.(GetGenericPortMappingEntryResponse).Mapping
		assert.Equal(t, natif.ProtocolTCP, m.Protocol)
		assert.Equal(t, uint16(7000), m.ExternalPort)
		assert.Equal(t, uint16(6000), m.InternalPort)
		assert.Equal(t, "192.168.1.20", m.InternalClient)
		assert.False(t, m.Enabled)
		assert.Equal(t, "web", m.Description)
		assert.Equal(t, uint32(120), m.Lifetime)
	})

	t.Run("格式错误", func(t *testing.T) {
		cases := map[string]string{
			"缺少响应元素": soapResponse(ActionAddPortMapping),
			"不是 XML": "<<<",
			"端口越界":   soapResponse(ActionGetGenericPortMappingEntry, "NewExternalPort", "70000", "NewProtocol", "TCP", "NewInternalPort", "1"),
			"缺少内部端口": soapResponse(ActionGetSpecificPortMappingEntry, "NewInternalClient", "x"),
		}
		actions := map[string]string{
			"缺少响应元素": ActionDeletePortMapping,
			"不是 XML": ActionDeletePortMapping,
			"端口越界":   ActionGetGenericPortMappingEntry,
			"缺少内部端口": ActionGetSpecificPortMappingEntry,
		}
		for name, body := range cases {
			_, err := DecodeResponse([]byte(body), actions[name])
			assert.ErrorIs(t, err, natif.ErrMalformedResponse, fmt.Sprint(name))
		}
	})
}
