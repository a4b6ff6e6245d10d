package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
)

func TestPoolSubmitAndShutdown(t *testing.T) {
	pool, err := NewPool(2, 4)
	require.NoError(t, err)

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int32(4), count.Load())
}

func TestPoolDrainsQueueOnClose(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 8)
	require.NoError(t, err)

	var count atomic.Int32
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		count.Add(1)
		return nil
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		}))
	}
	pool.Close()
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int32(6), count.Load())
}

func TestPoolRejectsCancelledContext(t *testing.T) {
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = pool.Submit(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolAtCapacity(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	pool, err := NewPool(1, 0)
	require.NoError(t, err)
	defer pool.Abort()

	require.NoError(t, pool.SubmitWait(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	errCh := make(chan error, 1)
	panicCh := make(chan any, 1)
	pool, err := NewPool(1, 2,
		WithErrorHandler(func(err error) { errCh <- err }),
		WithPanicHandler(func(v any) { panicCh <- v }))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("bad task") }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.ErrorIs(t, <-errCh, boom)
	require.Equal(t, "bad task", <-panicCh)
}

func TestNewPoolValidatesWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
