package upnp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/huin/goupnp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

func fetch(t *testing.T, location string, attempts int) (*goupnp.RootDevice, error) {
	t.Helper()
	loc, err := url.Parse(location)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return FetchDescription(ctx, http.DefaultClient, loc, attempts)
}

func TestFetchDescription(t *testing.T) {
	t.Run("分块响应解析成功并忽略 URLBase", func(t *testing.T) {
		igd := newFakeIGD(t)
		root, err := fetch(t, igd.location(), 0)
		require.NoError(t, err)

		svc := FindService(root)
		require.NotNil(t, svc)
		assert.Equal(t, wanIP1, svc.ServiceType)
		assert.Equal(t, igd.server.URL+"/ctl/IPConn", svc.ControlURL.URL.String())
		assert.Equal(t, "Test Gateway", root.Device.FriendlyName)
	})

	t.Run("绝对 controlURL 保持不变", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, testDescription, wanIP1, "http://192.168.1.1:5000/ctl")
		}))
		defer srv.Close()

		root, err := fetch(t, srv.URL+"/desc.xml", 0)
		require.NoError(t, err)
		svc := FindService(root)
		require.NotNil(t, svc)
		assert.Equal(t, "http://192.168.1.1:5000/ctl", svc.ControlURL.URL.String())
	})

	t.Run("服务类型大小写不敏感，PPP 同样匹配", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, testDescription, "URN:SCHEMAS-UPNP-ORG:SERVICE:WANPPPCONNECTION:1", "/ppp")
		}))
		defer srv.Close()

		root, err := fetch(t, srv.URL+"/desc.xml", 0)
		require.NoError(t, err)
		assert.NotNil(t, FindService(root))
	})

	t.Run("没有匹配的服务", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, testDescription, "urn:schemas-upnp-org:service:WANIPConnection:2", "/v2")
		}))
		defer srv.Close()

		root, err := fetch(t, srv.URL+"/desc.xml", 0)
		require.NoError(t, err)
		assert.Nil(t, FindService(root))
	})

	t.Run("无效 XML", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "<root><device>")
		}))
		defer srv.Close()

		_, err := fetch(t, srv.URL+"/desc.xml", 0)
		assert.ErrorIs(t, err, natif.ErrMalformedResponse)
	})

	t.Run("读取次数耗尽", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			for i := 0; i < 5; i++ {
				_, _ = io.WriteString(w, strings.Repeat(" ", 10)+"<a>")
				flusher.Flush()
				time.Sleep(10 * time.Millisecond)
			}
		}))
		defer srv.Close()

		_, err := fetch(t, srv.URL+"/desc.xml", 2)
		assert.ErrorIs(t, err, natif.ErrMalformedResponse)
	})

	t.Run("HTTP 错误状态", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := fetch(t, srv.URL+"/desc.xml", 0)
		assert.ErrorIs(t, err, natif.ErrTransport)
	})
}
