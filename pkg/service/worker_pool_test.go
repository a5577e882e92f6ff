package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
)

// testLogger implements Logger interface for testing
type testLogger struct {
	mu     sync.Mutex
	errors []string
}

func newLogger(t *testing.T) *testLogger {
	return &testLogger{}
}

func (l *testLogger) Infof(format string, args ...interface{}) {
}

func (l *testLogger) Warnf(format string, args ...interface{}) {
}

func (l *testLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, format)
}

func (l *testLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	wp := service.NewWorkerPool(3, newLogger(t))
	wp.Start()

	var done int32
	for i := 0; i < 20; i++ {
		require.NoError(t, wp.Submit(context.Background(), "job", func(ctx context.Context) {
			atomic.AddInt32(&done, 1)
		}))
	}
	wp.Stop()
	assert.Equal(t, int32(20), atomic.LoadInt32(&done))
}

func TestWorkerPool_DefaultsToNumCPU(t *testing.T) {
	wp := service.NewWorkerPool(0, newLogger(t))
	assert.Greater(t, wp.Workers(), 0)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	wp := service.NewWorkerPool(2, newLogger(t))
	wp.Start()

	var running, peak int32
	for i := 0; i < 10; i++ {
		require.NoError(t, wp.Submit(context.Background(), "job", func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}))
	}
	wp.Stop()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	logger := newLogger(t)
	wp := service.NewWorkerPool(1, logger)
	wp.Start()

	var ran int32
	require.NoError(t, wp.Submit(context.Background(), "bad", func(ctx context.Context) {
		panic("boom")
	}))
	require.NoError(t, wp.Submit(context.Background(), "good", func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	}))
	wp.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, 1, logger.errorCount())
}

func TestWorkerPool_SubmitErrors(t *testing.T) {
	wp := service.NewWorkerPool(1, newLogger(t))
	assert.Error(t, wp.Submit(context.Background(), "early", func(ctx context.Context) {}))

	wp.Start()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wp.Submit(ctx, "cancelled", func(ctx context.Context) {}), context.Canceled)

	wp.Stop()
	wp.Stop()
	assert.Error(t, wp.Submit(context.Background(), "late", func(ctx context.Context) {}))
}
