package messaging

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	futures := make([]*Future[int], 5)
	for i := range futures {
		futures[i] = Submit(pool, func(context.Context) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return i, nil
		})
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	for i, f := range futures {
		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestPoolCloseCancelsTasks(t *testing.T) {
	pool := NewPool(1)
	started := make(chan struct{})

	f := Submit(pool, func(ctx context.Context) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	<-started
	pool.Close()

	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	late := Submit(pool, func(context.Context) (int, error) { return 1, nil })
	_, err = late.Wait(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()

	release := make(chan struct{})
	f := Submit(pool, func(context.Context) (string, error) {
		<-release
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-f.Done()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
