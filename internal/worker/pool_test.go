package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func squarer(delays map[int]time.Duration) Factory[int, int] {
	return func() Worker[int, int] {
		return WorkerFunc[int, int](func(_ context.Context, x int) (int, error) {
			time.Sleep(delays[x])
			return x * x, nil
		})
	}
}

func TestPoolSquares(t *testing.T) {
	delays := map[int]time.Duration{
		1: 40 * time.Millisecond,
		2: 5 * time.Millisecond,
		3: 25 * time.Millisecond,
		4: 0,
		5: 10 * time.Millisecond,
	}
	pool := &Pool[int, int]{Parallelism: 2, Factory: squarer(delays)}

	results := pool.Do(context.Background(), []int{1, 2, 3, 4, 5})

	values := make([]int, len(results))
	for i, r := range results {
		require.NoError(t, r.Err)
		values[i] = r.Value
	}
	assert.Equal(t, []int{1, 4, 9, 16, 25}, values)
}

func TestPoolOrderWithReversedLatency(t *testing.T) {
	const n = 40
	requests := make([]int, n)
	delays := map[int]time.Duration{}
	for i := range requests {
		requests[i] = i
		delays[i] = time.Duration(n-i) * time.Millisecond
	}
	pool := &Pool[int, int]{Parallelism: 8, Factory: squarer(delays)}

	results := pool.Do(context.Background(), requests)

	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, i*i, r.Value)
	}
}

func TestPoolFailureIsolation(t *testing.T) {
	logger, hook := test.NewNullLogger()
	boom := errors.New("boom")
	pool := &Pool[int, int]{
		Parallelism: 3,
		Logger:      logger,
		Factory: func() Worker[int, int] {
			return WorkerFunc[int, int](func(_ context.Context, x int) (int, error) {
				if x == 3 {
					return 99, boom
				}
				return x * 10, nil
			})
		},
	}

	results := pool.Do(context.Background(), []int{1, 2, 3, 4, 5})

	for i, r := range results {
		if i == 2 {
			assert.ErrorIs(t, r.Err, boom)
			assert.Zero(t, r.Value)
			assert.False(t, r.OK())
			continue
		}
		assert.True(t, r.OK())
		assert.Equal(t, (i+1)*10, r.Value)
	}

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, log.ErrorLevel, entries[0].Level)
	assert.Equal(t, 2, entries[0].Data["request"])
}

func TestPoolRecoversPanics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pool := &Pool[string, int]{
		Parallelism: 2,
		Logger:      logger,
		Factory: func() Worker[string, int] {
			return WorkerFunc[string, int](func(_ context.Context, s string) (int, error) {
				if s == "" {
					panic("empty request")
				}
				return len(s), nil
			})
		},
	}

	results := pool.Do(context.Background(), []string{"a", "", "abc"})

	assert.Equal(t, 1, results[0].Value)
	assert.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "empty request")
	assert.Equal(t, 3, results[2].Value)
	assert.Len(t, hook.AllEntries(), 1)
}

func TestPoolOneWorkerPerGoroutine(t *testing.T) {
	var created int32
	pool := &Pool[int, int]{
		Parallelism: 4,
		Factory: func() Worker[int, int] {
			atomic.AddInt32(&created, 1)
			return WorkerFunc[int, int](func(_ context.Context, x int) (int, error) {
				return x, nil
			})
		},
	}

	pool.Do(context.Background(), make([]int, 100))
	assert.Equal(t, int32(4), atomic.LoadInt32(&created))

	atomic.StoreInt32(&created, 0)
	pool.Do(context.Background(), make([]int, 2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&created), "parallelism is capped by the number of requests")
}

func TestPoolProgressOnCallingGoroutine(t *testing.T) {
	var (
		mu       sync.Mutex
		progress []int
	)
	pool := &Pool[int, int]{
		Parallelism: 3,
		Factory:     squarer(nil),
		Progress: func(completed, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 6, total)
			progress = append(progress, completed)
		},
	}

	pool.Do(context.Background(), []int{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
}

func TestPoolEmpty(t *testing.T) {
	pool := &Pool[int, int]{Factory: squarer(nil)}
	assert.Empty(t, pool.Do(context.Background(), nil))
}

func TestPoolCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger, hook := test.NewNullLogger()
	pool := &Pool[int, int]{
		Parallelism: 1,
		Logger:      logger,
		Factory: func() Worker[int, int] {
			return WorkerFunc[int, int](func(ctx context.Context, x int) (int, error) {
				if err := ctx.Err(); err != nil {
					return 0, err
				}
				return x, nil
			})
		},
	}

	results := pool.Do(ctx, []int{1, 2, 3})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Empty(t, hook.AllEntries())
}
