package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2, nil)
	defer p.Shutdown(context.Background())

	var running, peak int32
	var wg sync.WaitGroup
	block := make(chan struct{})

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit("task", func(context.Context) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				<-block
				atomic.AddInt32(&running, -1)
			})
		}()
	}

	// Give submissions time to land; only two slots exist.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	close(block)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolShutdownCancelsTasks(t *testing.T) {
	p := NewPool(1, nil)

	started := make(chan struct{})
	canceled := make(chan struct{})
	ok := p.Submit("task", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	})
	require.True(t, ok)
	<-started

	require.NoError(t, p.Shutdown(context.Background()))

	select {
	case <-canceled:
	default:
		t.Fatal("task did not observe cancellation")
	}

	// Submissions after shutdown are rejected.
	assert.False(t, p.Submit("late", func(context.Context) {}))
}
