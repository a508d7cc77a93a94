package netif

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivateAddress(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.31.255.254", true},
		{"172.32.0.1", false},
		{"172.48.0.1", false},
		{"192.168.1.1", true},
		{"192.169.1.1", false},
		{"8.8.8.8", false},
		{"fd00::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPrivateAddress(net.ParseIP(tt.ip)))
		})
	}
}

func TestDeriveGateway(t *testing.T) {
	t.Run("/24 网段推导 x.y.z.1", func(t *testing.T) {
		_, network, _ := net.ParseCIDR("192.168.7.0/24")
		gw := DeriveGateway(net.ParseIP("192.168.7.42"), network)
		assert.Equal(t, "192.168.7.1", gw.String())
	})

	t.Run("/16 网段推导首个主机", func(t *testing.T) {
		_, network, _ := net.ParseCIDR("10.20.0.0/16")
		gw := DeriveGateway(net.ParseIP("10.20.33.4"), network)
		assert.Equal(t, "10.20.0.1", gw.String())
	})

	t.Run("缺少网段时按最后一个字节推导", func(t *testing.T) {
		gw := DeriveGateway(net.ParseIP("172.16.5.9"), nil)
		assert.Equal(t, "172.16.5.1", gw.String())
	})

	t.Run("IPv6 不推导", func(t *testing.T) {
		assert.Nil(t, DeriveGateway(net.ParseIP("fe80::1"), nil))
	})
}

func TestCandidateGateway(t *testing.T) {
	_, network, _ := net.ParseCIDR("192.168.1.0/24")
	local := net.ParseIP("192.168.1.10").To4()

	t.Run("默认网关在网段内时优先", func(t *testing.T) {
		gw := candidateGateway(local, network, net.ParseIP("192.168.1.254").To4())
		assert.Equal(t, "192.168.1.254", gw.String())
	})

	t.Run("默认网关在其他网段时推导", func(t *testing.T) {
		gw := candidateGateway(local, network, net.ParseIP("10.0.0.1").To4())
		assert.Equal(t, "192.168.1.1", gw.String())
	})
}

func TestIsVirtualInterface(t *testing.T) {
	assert.True(t, isVirtualInterface("docker0"))
	assert.True(t, isVirtualInterface("veth12ab"))
	assert.True(t, isVirtualInterface("utun3"))
	assert.False(t, isVirtualInterface("eth0"))
	assert.False(t, isVirtualInterface("en0"))
	assert.False(t, isVirtualInterface("wlan0"))
}

func TestStatic(t *testing.T) {
	_, network, _ := net.ParseCIDR("192.168.1.0/24")
	s := Static{{IP: net.ParseIP("192.168.1.10"), Network: network, Gateways: []net.IP{net.ParseIP("192.168.1.1")}}}

	addrs, err := s.Addresses()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.True(t, addrs[0].Contains(net.ParseIP("192.168.1.1")))
	assert.False(t, addrs[0].Contains(net.ParseIP("10.0.0.1")))
	assert.Equal(t, "192.168.1.10/24", addrs[0].String())
}

func TestSystem(t *testing.T) {
	t.Run("枚举失败返回错误", func(t *testing.T) {
		s := NewSystem()
		s.interfaces = func() ([]net.Interface, error) { return nil, errors.New("no netlink") }

		_, err := s.Addresses()
		assert.Error(t, err)
	})

	t.Run("结果只包含可用 IPv4 地址", func(t *testing.T) {
		s := NewSystem()
		s.discoverGateway = func() (net.IP, error) { return nil, errors.New("no route") }

		addrs, err := s.Addresses()
		require.NoError(t, err)
		for _, a := range addrs {
			require.NotNil(t, a.IP.To4())
			assert.False(t, a.IP.IsLoopback())
			require.Len(t, a.Gateways, 1)
			assert.NotNil(t, a.Gateways[0].To4())
		}
	})
}
