// Package mocknetif 是一个由 GoMock 生成的包
package mocknetif

import (
	reflect "reflect"

	netif "github.com/dep2p/go-natmap/internal/core/nat/netif"
	gomock "go.uber.org/mock/gomock"
)

// MockEnumerator 是 Enumerator 接口的模拟实现
type MockEnumerator struct {
	// ctrl 是 gomock 控制器
	ctrl *gomock.Controller
	// recorder 用于记录方法调用
	recorder *MockEnumeratorMockRecorder
	// isgomock 标识这是一个 mock 对象
	isgomock struct{}
}

// MockEnumeratorMockRecorder 是 MockEnumerator 的记录器
type MockEnumeratorMockRecorder struct {
	mock *MockEnumerator
}

// NewMockEnumerator 创建一个新的 mock 实例
func NewMockEnumerator(ctrl *gomock.Controller) *MockEnumerator {
	mock := &MockEnumerator{ctrl: ctrl}
	mock.recorder = &MockEnumeratorMockRecorder{mock}
	return mock
}

// EXPECT 返回一个用于设置期望的对象
func (m *MockEnumerator) EXPECT() *MockEnumeratorMockRecorder {
	return m.recorder
}

// Addresses 模拟 Addresses 方法
func (m *MockEnumerator) Addresses() ([]netif.Address, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Addresses")
	ret0, _ := ret[0].([]netif.Address)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Addresses 表示对 Addresses 的预期调用
func (mr *MockEnumeratorMockRecorder) Addresses() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Addresses", reflect.TypeOf((*MockEnumerator)(nil).Addresses))
}
