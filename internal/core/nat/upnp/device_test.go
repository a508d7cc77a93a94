package upnp

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

func newTestDevice(igd *fakeIGD) *Device {
	return NewDevice(DeviceInfo{
		Local:       net.ParseIP("192.168.1.20"),
		Endpoint:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1900},
		Location:    igd.location(),
		ControlURL:  igd.server.URL + "/ctl/IPConn",
		ServiceType: wanIP1,
	}, igd.server.Client(), nil, nil)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDevice_Identity(t *testing.T) {
	igd := newFakeIGD(t)
	dev := newTestDevice(igd)

	assert.Equal(t, "127.0.0.1|"+igd.server.URL+"/ctl/IPConn", dev.ID())
	assert.Equal(t, natif.ProtocolUPnP, dev.Protocol())
	assert.Equal(t, "192.168.1.20", dev.LocalAddress().String())
	assert.Equal(t, wanIP1, dev.ServiceType())
	assert.Equal(t, igd.location(), dev.Location())
}

func TestDevice_GetExternalIP(t *testing.T) {
	igd := newFakeIGD(t)
	dev := newTestDevice(igd)

	ip, err := dev.GetExternalIP(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", ip.String())

	calls := igd.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, `"`+wanIP1+`#GetExternalIPAddress"`, calls[0].SOAPAction)
}

func TestDevice_CreatePortMap(t *testing.T) {
	t.Run("外部端口为 0 时使用内部端口", func(t *testing.T) {
		igd := newFakeIGD(t)
		dev := newTestDevice(igd)

		m := natif.NewMapping(natif.ProtocolUDP, 6000, 0, 3600, "natmap")
		before := time.Now()
		_, err := dev.CreatePortMap(testContext(t), m)
		require.NoError(t, err)

		assert.Equal(t, uint16(6000), m.ExternalPort)
		assert.WithinDuration(t, before.Add(time.Hour), m.Expiry, 5*time.Second)

		call := igd.recorded()[0]
		assert.Equal(t, ActionAddPortMapping, call.Action)
		assert.Equal(t, []string{"NewRemoteHost", "NewExternalPort", "NewProtocol", "NewInternalPort",
			"NewInternalClient", "NewEnabled", "NewPortMappingDescription", "NewLeaseDuration"}, call.Order)
		assert.Equal(t, "6000", call.Args["NewExternalPort"])
		assert.Equal(t, "UDP", call.Args["NewProtocol"])
		assert.Equal(t, "192.168.1.20", call.Args["NewInternalClient"])
		assert.Equal(t, "1", call.Args["NewEnabled"])
		assert.Equal(t, "3600", call.Args["NewLeaseDuration"])
	})

	t.Run("冲突返回网关错误码", func(t *testing.T) {
		igd := newFakeIGD(t)
		dev := newTestDevice(igd)

		m := natif.NewMapping(natif.ProtocolTCP, 8080, 80, 0, "")
		_, err := dev.CreatePortMap(testContext(t), m)
		assert.True(t, natif.IsFault(err, natif.FaultConflictInMappingEntry))
		assert.ErrorIs(t, err, natif.ErrProtocolFault)
	})

	t.Run("非 2xx 且无 UPnPError 为传输错误", func(t *testing.T) {
		igd := newFakeIGD(t)
		igd.setOverride(func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "busy")
		})
		dev := newTestDevice(igd)

		_, err := dev.CreatePortMap(testContext(t), natif.NewMapping(natif.ProtocolTCP, 8080, 0, 0, ""))
		assert.ErrorIs(t, err, natif.ErrTransport)
	})

	t.Run("连接失败为传输错误", func(t *testing.T) {
		igd := newFakeIGD(t)
		dev := newTestDevice(igd)
		igd.server.Close()

		_, err := dev.CreatePortMap(testContext(t), natif.NewMapping(natif.ProtocolTCP, 8080, 0, 0, ""))
		assert.ErrorIs(t, err, natif.ErrTransport)
	})
}

func TestDevice_DeletePortMap(t *testing.T) {
	igd := newFakeIGD(t)
	dev := newTestDevice(igd)

	m := natif.NewMapping(natif.ProtocolTCP, 6000, 7000, 3600, "")
	_, err := dev.DeletePortMap(testContext(t), m)
	require.NoError(t, err)

	call := igd.recorded()[0]
	assert.Equal(t, ActionDeletePortMapping, call.Action)
	assert.Equal(t, []string{"NewRemoteHost", "NewExternalPort", "NewProtocol"}, call.Order)
	assert.Equal(t, "7000", call.Args["NewExternalPort"])
	assert.Equal(t, uint32(0), m.Lifetime)
	assert.True(t, m.IsExpired(time.Now().Add(time.Second)))
}

func TestDevice_GetAllMappings(t *testing.T) {
	t.Run("713 结束枚举并按索引顺序返回", func(t *testing.T) {
		igd := newFakeIGD(t)
		dev := newTestDevice(igd)

		mappings, err := dev.GetAllMappings(testContext(t))
		require.NoError(t, err)
		require.Len(t, mappings, 2)
		for i, m := range mappings {
			assert.Equal(t, uint16(7000+i), m.ExternalPort)
			assert.Equal(t, uint16(6000+i), m.InternalPort)
			assert.Equal(t, natif.ProtocolUDP, m.Protocol)
			assert.Equal(t, uint32(3600), m.Lifetime)
		}

		calls := igd.recorded()
		require.Len(t, calls, 3)
		for i, c := range calls {
			assert.Equal(t, ActionGetGenericPortMappingEntry, c.Action)
			assert.Equal(t, []string{"NewPortMappingIndex"}, c.Order)
			assert.Equal(t, []string{"0", "1", "2"}[i], c.Args["NewPortMappingIndex"])
		}
	})

	t.Run("没有映射", func(t *testing.T) {
		igd := newFakeIGD(t)
		igd.setEntries(0)
		mappings, err := newTestDevice(igd).GetAllMappings(testContext(t))
		require.NoError(t, err)
		assert.Empty(t, mappings)
	})

	t.Run("其他错误码向上传递", func(t *testing.T) {
		igd := newFakeIGD(t)
		igd.setOverride(func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, soapFault(501, "ActionFailed"))
		})
		_, err := newTestDevice(igd).GetAllMappings(testContext(t))
		assert.True(t, natif.IsFault(err, natif.FaultActionFailed))
	})
}

func TestDevice_GetSpecificMapping(t *testing.T) {
	igd := newFakeIGD(t)
	dev := newTestDevice(igd)

	t.Run("查询存在的映射", func(t *testing.T) {
		m, err := dev.GetSpecificMapping(testContext(t), natif.ProtocolTCP, 7000)
		require.NoError(t, err)
		assert.Equal(t, natif.ProtocolTCP, m.Protocol)
		assert.Equal(t, uint16(7000), m.ExternalPort)
		assert.Equal(t, uint16(6000), m.InternalPort)
		assert.False(t, m.Enabled)
		assert.True(t, m.Expiry.IsZero())
	})

	t.Run("不存在的映射返回 714", func(t *testing.T) {
		_, err := dev.GetSpecificMapping(testContext(t), natif.ProtocolTCP, 1234)
		assert.True(t, natif.IsFault(err, natif.FaultNoSuchEntryInArray))
	})

	t.Run("异步操作可取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := dev.GetSpecificMappingAsync(ctx, natif.ProtocolTCP, 7000).Get()
		assert.ErrorIs(t, err, context.Canceled)
	})
}
