package natpmp

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// errTransportClosed 对话连接已关闭
var errTransportClosed = errors.New("nat-pmp: conversation closed")

// transport 单个请求/响应对话的报文通道
type transport interface {
	Send(frame []byte) error
	Recv() <-chan []byte
}

// pendingRequest 等待响应的请求
type pendingRequest struct {
	frame    []byte
	deadline time.Time
	attempt  int
	backoff  time.Duration
}

// retrier 指数退避重传
//
// 第 k 次发送后等待 delay*2^(k-1)，发送满 attempts 次仍无响应时以 ErrTimeout 失败。
type retrier struct {
	clock    clock.Clock
	delay    time.Duration
	attempts int
}

func newRetrier(clk clock.Clock, delay time.Duration, attempts int) *retrier {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = RetryDelay
	}
	if attempts <= 0 {
		attempts = RetryAttempts
	}
	return &retrier{clock: clk, delay: delay, attempts: attempts}
}

// exchange 发送 frame 直到 accept 接受某个响应
//
// accept 对不匹配或无法解析的报文返回 false，这些报文被忽略。
func (r *retrier) exchange(ctx context.Context, t transport, frame []byte, accept func([]byte) bool) ([]byte, error) {
	req := &pendingRequest{frame: frame, backoff: r.delay}

	for {
		// 定时器先于发送创建
		timer := r.clock.Timer(req.backoff)
		req.deadline = r.clock.Now().Add(req.backoff)
		req.attempt++

		if err := t.Send(req.frame); err != nil {
			timer.Stop()
			return nil, natif.NewTransportError("nat-pmp send", err)
		}
		log.Debug("发送 NAT-PMP 请求", "attempt", req.attempt, "deadline", req.deadline)

	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case b, ok := <-t.Recv():
				if !ok {
					timer.Stop()
					return nil, natif.NewTransportError("nat-pmp receive", errTransportClosed)
				}
				if accept(b) {
					timer.Stop()
					return b, nil
				}
			case <-timer.C:
				break wait
			}
		}

		if req.attempt >= r.attempts {
			return nil, natif.NewTransportError("nat-pmp", natif.ErrTimeout)
		}
		req.backoff *= 2
	}
}
