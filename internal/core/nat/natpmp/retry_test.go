package natpmp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natif "github.com/dep2p/go-natmap/pkg/interfaces/nat"
)

// fakeTransport 记录每次发送的时间
type fakeTransport struct {
	clock *clock.Mock

	mu    sync.Mutex
	sends []time.Time

	sent chan struct{}
	recv chan []byte
}

func newFakeTransport(clk *clock.Mock) *fakeTransport {
	return &fakeTransport{
		clock: clk,
		sent:  make(chan struct{}, 32),
		recv:  make(chan []byte, 4),
	}
}

func (f *fakeTransport) Send([]byte) error {
	f.mu.Lock()
	f.sends = append(f.sends, f.clock.Now())
	f.mu.Unlock()
	f.sent <- struct{}{}
	return nil
}

func (f *fakeTransport) Recv() <-chan []byte {
	return f.recv
}

func (f *fakeTransport) sendTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sends...)
}

func waitSent(t *testing.T, f *fakeTransport) {
	t.Helper()
	select {
	case <-f.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("request was not sent")
	}
}

func TestRetrier(t *testing.T) {
	t.Run("指数退避九次后超时", func(t *testing.T) {
		mock := clock.NewMock()
		r := newRetrier(mock, 0, 0)
		ft := newFakeTransport(mock)

		errCh := make(chan error, 1)
		go func() {
			_, err := r.exchange(context.Background(), ft, []byte{0, 0}, func([]byte) bool { return false })
			errCh <- err
		}()

		for k := 0; k < RetryAttempts; k++ {
			waitSent(t, ft)
			mock.Add(RetryDelay << k)
		}

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, natif.ErrTimeout)
			assert.ErrorIs(t, err, natif.ErrTransport)
		case <-time.After(2 * time.Second):
			t.Fatal("exchange did not time out")
		}

		sends := ft.sendTimes()
		require.Len(t, sends, RetryAttempts)
		for k := 0; k+1 < len(sends); k++ {
			assert.Equal(t, RetryDelay<<k, sends[k+1].Sub(sends[k]), "wait before attempt %d", k+2)
		}
	})

	t.Run("收到接受的响应后结束", func(t *testing.T) {
		mock := clock.NewMock()
		r := newRetrier(mock, 0, 0)
		ft := newFakeTransport(mock)

		type result struct {
			b   []byte
			err error
		}
		done := make(chan result, 1)
		go func() {
			b, err := r.exchange(context.Background(), ft, []byte{0, 0}, func(b []byte) bool { return b[0] == 'y' })
			done <- result{b, err}
		}()

		waitSent(t, ft)
		ft.recv <- []byte("n")
		ft.recv <- []byte("yes")

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, []byte("yes"), res.b)
		assert.Len(t, ft.sendTimes(), 1)
	})

	t.Run("上下文取消立即返回", func(t *testing.T) {
		mock := clock.NewMock()
		r := newRetrier(mock, 0, 0)
		ft := newFakeTransport(mock)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := r.exchange(ctx, ft, []byte{0, 0}, func([]byte) bool { return false })
			errCh <- err
		}()

		waitSent(t, ft)
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})
}
