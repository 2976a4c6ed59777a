package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolCapsConcurrency(t *testing.T) {
	t.Parallel()

	p := New(3, nil)
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)
	release := make(chan struct{})
	futures := make([]*Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		futures = append(futures, Submit(context.Background(), p, func(context.Context) (int, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return i * 2, nil
		}))
	}

	require.Eventually(t, func() bool {
		running, pending := p.Stats()
		return running == 3 && pending == 7
	}, time.Second, 5*time.Millisecond)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	require.LessOrEqual(t, peak.Load(), int32(3))

	for i, fut := range futures {
		v, err := fut.Await(ctx)
		require.NoError(t, err)
		require.Equal(t, i*2, v)
	}
}

func TestPoolDispatchesInSubmissionOrder(t *testing.T) {
	t.Parallel()

	p := New(1, nil)
	var (
		mu    sync.Mutex
		order []int
	)
	gate := make(chan struct{})
	Submit(context.Background(), p, func(context.Context) (struct{}, error) {
		<-gate
		return struct{}{}, nil
	})
	for i := 0; i < 5; i++ {
		i := i
		Submit(context.Background(), p, func(context.Context) (struct{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return struct{}{}, nil
		})
	}
	close(gate)
	require.NoError(t, p.Wait(context.Background()))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	p := New(1, nil)
	bad := Submit(context.Background(), p, func(context.Context) (string, error) {
		panic("selector exploded")
	})
	good := Submit(context.Background(), p, func(context.Context) (string, error) {
		return "ok", nil
	})

	_, err := bad.Await(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "selector exploded", pe.Value)

	v, err := good.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestPoolPropagatesTaskErrors(t *testing.T) {
	t.Parallel()

	p := New(2, nil)
	boom := errors.New("navigation timeout")
	fut := Submit(context.Background(), p, func(context.Context) (int, error) {
		return 0, boom
	})
	_, err := fut.Await(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestPoolSkipsCanceledTasks(t *testing.T) {
	t.Parallel()

	p := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	fut := Submit(ctx, p, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	<-fut.Done()
	_, err := fut.Await(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestPoolOnIdleAndClose(t *testing.T) {
	t.Parallel()

	p := New(2, nil)
	select {
	case <-p.OnIdle():
	default:
		t.Fatal("expected a fresh pool to be idle")
	}

	gate := make(chan struct{})
	Submit(context.Background(), p, func(context.Context) (int, error) {
		<-gate
		return 0, nil
	})
	idle := p.OnIdle()
	select {
	case <-idle:
		t.Fatal("pool should be busy")
	default:
	}
	close(gate)
	require.Eventually(t, func() bool {
		select {
		case <-idle:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	fut := Submit(context.Background(), p, func(context.Context) (int, error) { return 1, nil })
	_, err := fut.Await(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolWaitHonorsContext(t *testing.T) {
	t.Parallel()

	p := New(1, nil)
	gate := make(chan struct{})
	defer close(gate)
	Submit(context.Background(), p, func(context.Context) (int, error) {
		<-gate
		return 0, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
