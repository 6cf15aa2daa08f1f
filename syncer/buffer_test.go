package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breez/anon-sync/store"
	"github.com/breez/anon-sync/store/memory"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(dest store.Destination, cfg BufferConfig) (*WriteBuffer, *Metrics) {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	metrics := NewMetrics(nil)
	return NewWriteBuffer(dest, cfg, zerolog.Nop(), metrics), metrics
}

func TestEnqueueOverwritesByIdentity(t *testing.T) {
	dest := memory.NewDestination()
	b, metrics := newTestBuffer(dest, BufferConfig{})

	first := store.TestCustomer(1)
	second := first
	second.FirstName = "newer"
	require.NoError(t, b.Enqueue(context.Background(), first))
	require.NoError(t, b.Enqueue(context.Background(), second))
	require.Equal(t, 1, b.Pending())

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 0, b.Pending())
	got, ok := dest.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, "newer", got.FirstName)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RecordsWritten))
}

func TestFlushEmptyIsNoop(t *testing.T) {
	dest := memory.NewDestination()
	b, _ := newTestBuffer(dest, BufferConfig{})
	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 0, dest.Writes())
}

func TestThresholdTriggersFlushWithoutTimer(t *testing.T) {
	dest := memory.NewDestination()
	clk := testclock.NewClock(time.Now())
	b, _ := newTestBuffer(dest, BufferConfig{Threshold: DefaultFlushThreshold, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	for i := 1; i < DefaultFlushThreshold; i++ {
		require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(uint64(i))))
	}
	require.Equal(t, 0, dest.Writes())

	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(DefaultFlushThreshold)))
	require.Equal(t, 1, dest.Writes())
	require.Equal(t, DefaultFlushThreshold, dest.Len())
	require.Equal(t, 0, b.Pending())
}

func TestPeriodicFlush(t *testing.T) {
	dest := memory.NewDestination()
	clk := testclock.NewClock(time.Now())
	b, _ := newTestBuffer(dest, BufferConfig{Interval: time.Second, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(i)))
	}
	require.Equal(t, 0, dest.Len())

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return dest.Len() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueDuringFlushIsNotLost(t *testing.T) {
	dest := memory.NewDestination()
	b, _ := newTestBuffer(dest, BufferConfig{})

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	dest.OnUpsert = func(records []store.Customer) {
		once.Do(func() {
			close(inFlight)
			<-release
		})
	}

	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(1)))
	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(2)))

	flushed := make(chan error, 1)
	go func() { flushed <- b.Flush(context.Background()) }()
	<-inFlight

	// The snapshot is already taken: these land in the next one.
	updated := store.TestCustomer(2)
	updated.FirstName = "during-flush"
	require.NoError(t, b.Enqueue(context.Background(), updated))
	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(3)))
	require.Equal(t, 2, b.Pending())

	close(release)
	require.NoError(t, <-flushed)
	require.NoError(t, b.Flush(context.Background()))

	require.Equal(t, []store.ID{store.TestID(1), store.TestID(2), store.TestID(3)}, dest.IDs())
	got, _ := dest.Get(store.TestID(2))
	require.Equal(t, "during-flush", got.FirstName)
	require.Equal(t, 2, dest.Writes())
}

func TestConcurrentEnqueueAndFlush(t *testing.T) {
	dest := memory.NewDestination()
	b, _ := newTestBuffer(dest, BufferConfig{})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			c := store.TestCustomer(1)
			c.LastName = "writer"
			require.NoError(t, b.Enqueue(ctx, c))
			require.NoError(t, b.Enqueue(ctx, store.TestCustomer(uint64(n+2))))
		}(i)
		go func() {
			defer wg.Done()
			require.NoError(t, b.Flush(ctx))
		}()
	}
	wg.Wait()
	require.NoError(t, b.Flush(ctx))
	require.Equal(t, 51, dest.Len())
	require.Equal(t, 0, b.Pending())
}

func TestFailedRecordsAreRetried(t *testing.T) {
	dest := memory.NewDestination()
	failures := 0
	dest.Fail = func(c store.Customer) error {
		if c.ID == store.TestID(2) && failures < 2 {
			failures++
			return memory.ErrInjected
		}
		return nil
	}
	b, metrics := newTestBuffer(dest, BufferConfig{RetryAttempts: 5})

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(i)))
	}
	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 3, dest.Len())
	require.Equal(t, 3, dest.Writes())
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.WriteFailures))
}

func TestWholeBatchFailureIsRetried(t *testing.T) {
	dest := memory.NewDestination()
	calls := 0
	dest.FailBatch = func() error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	b, _ := newTestBuffer(dest, BufferConfig{RetryAttempts: 3})

	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(1)))
	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, dest.Len())
	require.Equal(t, 2, calls)
}

func TestRetriesExhaustedRequeues(t *testing.T) {
	dest := memory.NewDestination()
	dest.Fail = func(c store.Customer) error {
		if c.ID == store.TestID(2) {
			return memory.ErrInjected
		}
		return nil
	}
	b, metrics := newTestBuffer(dest, BufferConfig{RetryAttempts: 3})

	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(1)))
	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(2)))
	err := b.Flush(context.Background())
	require.ErrorIs(t, err, ErrWriteRetriesExhausted)
	require.Equal(t, 1, b.Pending())
	require.Equal(t, []store.ID{store.TestID(1)}, dest.IDs())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Flushes.WithLabelValues("failed")))
}

func TestRequeueKeepsFresherValue(t *testing.T) {
	dest := memory.NewDestination()
	dest.Fail = func(c store.Customer) error { return memory.ErrInjected }
	b, _ := newTestBuffer(dest, BufferConfig{RetryAttempts: 2})

	var once sync.Once
	dest.OnUpsert = func(records []store.Customer) {
		once.Do(func() {
			fresh := store.TestCustomer(1)
			fresh.FirstName = "fresh"
			require.NoError(t, b.Enqueue(context.Background(), fresh))
		})
	}

	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(1)))
	require.ErrorIs(t, b.Flush(context.Background()), ErrWriteRetriesExhausted)

	dest.Fail = nil
	dest.OnUpsert = nil
	require.NoError(t, b.Flush(context.Background()))
	got, ok := dest.Get(store.TestID(1))
	require.True(t, ok)
	require.Equal(t, "fresh", got.FirstName)
}

func TestClosedBufferRejectsEnqueue(t *testing.T) {
	dest := memory.NewDestination()
	b, _ := newTestBuffer(dest, BufferConfig{})
	require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(1)))
	b.Close()

	require.ErrorIs(t, b.Enqueue(context.Background(), store.TestCustomer(2)), ErrBufferClosed)
	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, dest.Len())
}

func TestPendingGaugeTracksBuffer(t *testing.T) {
	dest := memory.NewDestination()
	b, metrics := newTestBuffer(dest, BufferConfig{Threshold: 7})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				require.NoError(t, b.Enqueue(context.Background(), store.TestCustomer(uint64(w*50+i+1))))
				if i%9 == 0 {
					require.NoError(t, b.Flush(context.Background()))
				}
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, float64(b.Pending()), testutil.ToFloat64(metrics.Pending))

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.Pending))
	require.Equal(t, 200, dest.Len())
}
