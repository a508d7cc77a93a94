package nat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("租期推导到期时间", func(t *testing.T) {
		m := NewMapping(ProtocolTCP, 6001, 6001, 0, "test")
		m.SetLifetime(now, 7200)

		assert.Equal(t, uint32(7200), m.Lifetime)
		assert.Equal(t, now.Add(2*time.Hour), m.Expiry)
		assert.False(t, m.IsExpired(now))
		assert.True(t, m.IsExpired(now.Add(2*time.Hour)))
		assert.Equal(t, time.Hour, m.TTL(now.Add(time.Hour)))
	})

	t.Run("零租期为永久映射", func(t *testing.T) {
		m := NewMapping(ProtocolUDP, 5000, 5000, 3600, "")
		m.SetLifetime(now, 0)

		assert.True(t, m.Expiry.IsZero())
		assert.False(t, m.IsExpired(now.Add(24*time.Hour)))
		assert.Zero(t, m.TTL(now))
	})

	t.Run("相等性比较协议与内部端口", func(t *testing.T) {
		a := NewMapping(ProtocolTCP, 8080, 8080, 0, "a")
		b := NewMapping(ProtocolTCP, 8080, 18080, 60, "b")
		c := NewMapping(ProtocolUDP, 8080, 8080, 0, "a")

		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
		assert.False(t, a.Equal(nil))
	})
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
		ok   bool
	}{
		{"TCP", ProtocolTCP, true},
		{"udp", ProtocolUDP, true},
		{" Udp ", ProtocolUDP, true},
		{"sctp", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrors(t *testing.T) {
	t.Run("ProtocolFault 携带错误码", func(t *testing.T) {
		err := fmt.Errorf("enumerate: %w", &ProtocolFault{Protocol: ProtocolUPnP, Code: FaultArrayIndexInvalid, Description: "SpecifiedArrayIndexInvalid"})

		assert.True(t, IsFault(err, FaultArrayIndexInvalid))
		assert.False(t, IsFault(err, FaultNoSuchEntryInArray))
		assert.ErrorIs(t, err, ErrProtocolFault)
		assert.Contains(t, err.Error(), "713")
	})

	t.Run("传输错误匹配哨兵并可解包", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := NewTransportError("soap AddPortMapping", cause)

		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, cause)
		assert.False(t, IsFault(err, FaultArrayIndexInvalid))
	})

	t.Run("格式错误匹配哨兵", func(t *testing.T) {
		err := NewMalformedError("10.0.0.1:5351", "short frame", nil)

		assert.ErrorIs(t, err, ErrMalformedResponse)
		assert.Contains(t, err.Error(), "short frame")
	})
}
