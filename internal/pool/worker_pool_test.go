package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_SubmitWait(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 8})
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestWorkerPool_SubmitWait_Error(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	wantErr := errors.New("boom")
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestWorkerPool_ParallelJobs(t *testing.T) {
	p := New(Config{MaxWorkers: 8, QueueSize: 16})
	defer p.Close()

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(8), count.Load())
}

func TestWorkerPool_FullQueue(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	block := make(chan struct{})
	// occupy the single worker
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))
	// fill the queue; keep submitting until the pool rejects
	var rejected bool
	for i := 0; i < 8; i++ {
		if err := p.Submit(context.Background(), func(ctx context.Context) error {
			<-block
			return nil
		}); errors.Is(err, ErrPoolFull) {
			rejected = true
			break
		}
	}
	close(block)
	assert.True(t, rejected)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var caught atomic.Bool
	p := New(Config{MaxWorkers: 1, QueueSize: 1, PanicHandler: func(any) { caught.Store(true) }})
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("unexpected")
	})
	assert.Error(t, err)
	assert.True(t, caught.Load())
}

func TestWorkerPool_SubmitAfterClose(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_JobContextCancellation(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	require.NoError(t, p.Submit(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return ctx.Err()
		case <-time.After(5 * time.Second):
			done <- nil
			return nil
		}
	}))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
}
