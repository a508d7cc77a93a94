package searcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("首次登记返回 added，再次登记只刷新", func(t *testing.T) {
		r := NewRegistry()
		first := &fakeDevice{id: "gw"}

		dev, added := r.Observe(first, t0)
		assert.True(t, added)
		assert.Same(t, first, dev)

		again := &fakeDevice{id: "gw"}
		dev, added = r.Observe(again, t0.Add(time.Second))
		assert.False(t, added)
		assert.Same(t, first, dev, "keeps the registered instance")
		assert.Equal(t, t0.Add(time.Second), first.LastSeen())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Expire 只移除早于截止时间的设备", func(t *testing.T) {
		r := NewRegistry()
		r.Observe(&fakeDevice{id: "old"}, t0)
		r.Observe(&fakeDevice{id: "fresh"}, t0.Add(time.Minute))

		expired := r.Expire(t0.Add(time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "old", expired[0].ID())
		assert.Empty(t, r.Expire(t0.Add(time.Second)), "second expire is a no-op")

		_, ok := r.Get("fresh")
		assert.True(t, ok)
	})

	t.Run("Refresh 与 Remove", func(t *testing.T) {
		r := NewRegistry()
		r.Observe(&fakeDevice{id: "b"}, t0)
		r.Observe(&fakeDevice{id: "a"}, t0)

		assert.True(t, r.Refresh("a", t0.Add(time.Hour)))
		assert.False(t, r.Refresh("missing", t0))

		devs := r.Devices()
		require.Len(t, devs, 2)
		assert.Equal(t, "a", devs[0].ID())
		assert.Equal(t, t0.Add(time.Hour), devs[0].LastSeen())

		_, ok := r.Remove("a")
		assert.True(t, ok)
		_, ok = r.Remove("a")
		assert.False(t, ok)
	})
}
