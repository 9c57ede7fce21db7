package bridge

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuusuario/ftpdrive/internal/remote"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestExecutor_FIFO(t *testing.T) {
	e := NewExecutor(remote.NewMemory(), nil)
	defer e.Close()

	var rec recorder
	slow := e.Submit("U1", func(remote.Client) error {
		time.Sleep(50 * time.Millisecond)
		rec.add("U1")
		return nil
	})
	fast := e.Submit("U2", func(remote.Client) error {
		rec.add("U2")
		return nil
	})

	require.NoError(t, fast.Wait())
	require.NoError(t, slow.Wait())
	require.Equal(t, []string{"U1", "U2"}, rec.get())
}

func TestExecutor_ConcurrentSubmittersRunOneAtATime(t *testing.T) {
	e := NewExecutor(remote.NewMemory(), nil)
	defer e.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Submit("unit", func(remote.Client) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			}).Wait()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	require.Zero(t, e.QueueLen())
}

func TestExecutor_FailureOnlyAffectsItsUnit(t *testing.T) {
	e := NewExecutor(remote.NewMemory(), nil)
	defer e.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, e.Submit("bad", func(remote.Client) error { return boom }).Wait(), boom)
	require.NoError(t, e.Submit("good", func(remote.Client) error { return nil }).Wait())
}

func TestExecutor_PanicIsReturned(t *testing.T) {
	e := NewExecutor(remote.NewMemory(), nil)
	defer e.Close()

	err := e.Submit("panics", func(remote.Client) error { panic("kaboom") }).Wait()
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "kaboom", panicErr.Value)
	require.NotEmpty(t, panicErr.Stack)

	require.NoError(t, e.Submit("after", func(remote.Client) error { return nil }).Wait())
}

func TestExecutor_Do(t *testing.T) {
	m := remote.NewMemory()
	m.AddFile("/f", []byte("hello"), testNow)
	e := NewExecutor(m, nil)
	defer e.Close()

	size, err := Do(e, "FileSize", func(c remote.Client) (uint64, error) {
		return c.FileSize("/f")
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), size)

	_, err = Do(e, "FileSize", func(c remote.Client) (uint64, error) {
		return c.FileSize("/missing")
	})
	require.ErrorIs(t, err, remote.ErrNotExist)
}

func TestExecutor_CloseDrainsQueue(t *testing.T) {
	e := NewExecutor(remote.NewMemory(), nil)

	var ran int32
	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		futures = append(futures, e.Submit("unit", func(remote.Client) error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&ran, 1)
			return nil
		}))
	}
	e.Close()

	require.Equal(t, int32(5), atomic.LoadInt32(&ran))
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatal("future not completed after Close")
		}
		require.NoError(t, f.Wait())
	}

	err := e.Submit("late", func(remote.Client) error { return nil }).Wait()
	require.ErrorIs(t, err, ErrExecutorClosed)

	e.Close()
}

type reconnectingClient struct {
	*remote.Memory
	reconnects int32
}

func (c *reconnectingClient) Reconnect() error {
	atomic.AddInt32(&c.reconnects, 1)
	return nil
}

func TestExecutor_ReconnectsAfterTransportError(t *testing.T) {
	client := &reconnectingClient{Memory: remote.NewMemory()}
	e := NewExecutor(client, nil)
	defer e.Close()

	require.Error(t, e.Submit("List", func(remote.Client) error { return io.ErrUnexpectedEOF }).Wait())
	require.NoError(t, e.Submit("noop", func(remote.Client) error { return nil }).Wait())
	require.Equal(t, int32(1), atomic.LoadInt32(&client.reconnects))

	require.Error(t, e.Submit("Size", func(c remote.Client) error {
		_, err := c.FileSize("/missing")
		return err
	}).Wait())
	require.Error(t, e.Submit("panics", func(remote.Client) error { panic("x") }).Wait())
	require.NoError(t, e.Submit("noop", func(remote.Client) error { return nil }).Wait())
	require.Equal(t, int32(1), atomic.LoadInt32(&client.reconnects))
}
