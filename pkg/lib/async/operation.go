// Package async 提供可取消的异步操作抽象
//
// Operation 把一次后台执行包装为 future：
//   - Done() 完成通知
//   - Cancel() 协作式取消
//   - Wait(ctx) 可等待适配
//   - Result() 非阻塞读取
//
// 同步调用统一通过 "启动异步操作再等待" 实现，不存在两套并行实现。
package async

import (
	"context"
	"sync"
)

// Operation 可取消的异步操作
type Operation[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	value T
	err   error
}

// Go 在独立 goroutine 中执行 fn 并返回对应的 Operation
//
// fn 收到的上下文派生自 parent，Cancel() 或 parent 取消都会使其结束。
func Go[T any](parent context.Context, fn func(ctx context.Context) (T, error)) *Operation[T] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	op := &Operation[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer cancel()
		v, err := fn(ctx)
		op.finish(v, err)
	}()

	return op
}

// Completed 返回一个已成功完成的 Operation
func Completed[T any](v T) *Operation[T] {
	op := &Operation[T]{done: make(chan struct{}), cancel: func() {}}
	op.finish(v, nil)
	return op
}

// Failed 返回一个已失败的 Operation
func Failed[T any](err error) *Operation[T] {
	op := &Operation[T]{done: make(chan struct{}), cancel: func() {}}
	var zero T
	op.finish(zero, err)
	return op
}

func (op *Operation[T]) finish(v T, err error) {
	op.once.Do(func() {
		op.value = v
		op.err = err
		close(op.done)
	})
}

// Done 返回操作完成时关闭的通道
func (op *Operation[T]) Done() <-chan struct{} {
	return op.done
}

// Cancel 请求取消操作（幂等）
//
// 取消是协作式的：操作在下一个等待点观察到取消后以 context.Canceled 结束。
func (op *Operation[T]) Cancel() {
	op.cancel()
}

// Result 非阻塞读取结果
//
// 操作尚未完成时 ok 为 false。
func (op *Operation[T]) Result() (v T, err error, ok bool) {
	select {
	case <-op.done:
		return op.value, op.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Wait 等待操作完成
//
// ctx 先于操作结束时返回 ctx.Err()，并取消该操作。
func (op *Operation[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-op.done:
		return op.value, op.err
	case <-ctx.Done():
		op.cancel()
		var zero T
		return zero, ctx.Err()
	}
}

// Get 阻塞等待操作完成，不设等待期限
func (op *Operation[T]) Get() (T, error) {
	<-op.done
	return op.value, op.err
}
