package searcher

import (
	"sort"
	"sync"
	"time"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// Registry 设备注册表
//
// 互斥锁只保护成员的检查、插入与移除，从不跨越网络 I/O。
type Registry struct {
	mu      sync.Mutex
	devices map[string]natif.Device
}

// NewRegistry 创建设备注册表
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]natif.Device)}
}

// Observe 登记设备
//
// 设备不存在时插入并返回 added=true；已存在时只刷新其 LastSeen，返回已登记的实例。
func (r *Registry) Observe(dev natif.Device, seen time.Time) (natif.Device, bool) {
	id := dev.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[id]; ok {
		existing.MarkSeen(seen)
		return existing, false
	}
	dev.MarkSeen(seen)
	r.devices[id] = dev
	return dev, true
}

// Refresh 刷新已登记设备的 LastSeen
func (r *Registry) Refresh(id string, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[id]
	if ok {
		dev.MarkSeen(seen)
	}
	return ok
}

// Get 查询设备
func (r *Registry) Get(id string) (natif.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Remove 移除设备
func (r *Registry) Remove(id string) (natif.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return dev, ok
}

// Expire 移除 LastSeen 早于 cutoff 的设备并返回它们
func (r *Registry) Expire(cutoff time.Time) []natif.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []natif.Device
	for id, dev := range r.devices {
		if dev.LastSeen().Before(cutoff) {
			delete(r.devices, id)
			expired = append(expired, dev)
		}
	}
	sortDevices(expired)
	return expired
}

// Devices 返回按 ID 排序的设备快照
func (r *Registry) Devices() []natif.Device {
	r.mu.Lock()
	out := make([]natif.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	r.mu.Unlock()

	sortDevices(out)
	return out
}

// Len 返回设备数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func sortDevices(devs []natif.Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].ID() < devs[j].ID() })
}
