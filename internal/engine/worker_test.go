package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/jobflow/internal/metrics"
)

func TestWorkerPool_PeakNeverExceedsSize(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, max int64
	for i := 0; i < 12; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				m := atomic.LoadInt64(&max)
				if c <= m || atomic.CompareAndSwapInt64(&max, m, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&max), int64(3))
	m := pool.Metrics()
	assert.LessOrEqual(t, m.Peak, int64(3))
	assert.Equal(t, int64(12), m.Completed)
	assert.Zero(t, m.Active)
	assert.Equal(t, 3, pool.Size())
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second submit did not unblock")
	}
	pool.Wait()
}

func TestWorkerPool_CancelledWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	close(block)
	pool.Wait()
}

func TestWorkerPool_CancelledContextNeverRuns(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int64
	err := pool.Submit(ctx, func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	pool.Wait()
	assert.Zero(t, atomic.LoadInt64(&ran))
}

func TestWorkerPool_PanicAndErrorAccounting(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return errors.New("x") }))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := 0; i < 4; i++ {
		_ = pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(4), atomic.LoadInt64(&completed))
	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_RunningGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pool := NewWorkerPool(2, WithRunningGauge(m, metrics.PoolStrategies))
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsRunning.WithLabelValues(metrics.PoolStrategies)))

	close(block)
	pool.Wait()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.UnitsRunning.WithLabelValues(metrics.PoolStrategies)))
}

func TestNewWorkerPool_MinimumSize(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
}
