package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/breez/anon-sync/store"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

var (
	ErrBufferClosed          = errors.New("write buffer closed")
	ErrWriteRetriesExhausted = errors.New("destination write retries exhausted")
)

const (
	DefaultFlushThreshold = 1000
	DefaultFlushInterval  = time.Second
	maxWriteRetryDelay    = 10 * time.Second
)

type BufferConfig struct {
	Threshold     int
	Interval      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	Clock         clock.Clock
}

func (c *BufferConfig) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultFlushThreshold
	}
	if c.Interval <= 0 {
		c.Interval = DefaultFlushInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// WriteBuffer collects the latest anonymized value per identity and writes
// them to the destination in batches. It is the only destination writer.
type WriteBuffer struct {
	dest    store.Destination
	cfg     BufferConfig
	log     zerolog.Logger
	metrics *Metrics

	// flushMu keeps snapshots reaching the destination in swap order.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending map[store.ID]store.Customer
	closed  bool
}

func NewWriteBuffer(dest store.Destination, cfg BufferConfig, logger zerolog.Logger, metrics *Metrics) *WriteBuffer {
	cfg.setDefaults()
	return &WriteBuffer{
		dest:    dest,
		cfg:     cfg,
		log:     logger.With().Str("component", "write_buffer").Logger(),
		metrics: metrics,
		pending: make(map[store.ID]store.Customer, cfg.Threshold),
	}
}

// Enqueue stores c, replacing any pending value with the same identity. The
// caller that fills the buffer up to the threshold performs the flush.
func (b *WriteBuffer) Enqueue(ctx context.Context, c store.Customer) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBufferClosed
	}
	b.pending[c.ID] = c
	n := len(b.pending)
	b.metrics.Pending.Set(float64(n))
	b.mu.Unlock()

	b.metrics.Enqueued.Inc()
	if n >= b.cfg.Threshold {
		return b.Flush(ctx)
	}
	return nil
}

func (b *WriteBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close rejects further enqueues. Pending records stay until the next flush.
func (b *WriteBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Flush writes everything pending. Records that still fail after the retry
// budget are put back, unless a fresher value arrived meanwhile, and
// ErrWriteRetriesExhausted is returned.
func (b *WriteBuffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	snapshot := b.pending
	if len(snapshot) == 0 {
		b.mu.Unlock()
		b.log.Debug().Msg("there are no customers in buffer for saving")
		return nil
	}
	b.pending = make(map[store.ID]store.Customer, b.cfg.Threshold)
	b.metrics.Pending.Set(0)
	b.mu.Unlock()

	records := make([]store.Customer, 0, len(snapshot))
	for _, c := range snapshot {
		records = append(records, c)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	started := b.cfg.Clock.Now()
	failed, err := b.write(ctx, records)
	if err != nil {
		b.requeue(failed)
		b.metrics.Flushes.WithLabelValues("failed").Inc()
		return err
	}
	b.metrics.Flushes.WithLabelValues("ok").Inc()
	b.metrics.RecordsWritten.Add(float64(len(records)))
	b.log.Info().
		Int("records", len(records)).
		Dur("took", b.cfg.Clock.Now().Sub(started)).
		Msg("buffer flushed")
	return nil
}

// write upserts records, retrying only the identities that failed. It
// returns the records that never made it.
func (b *WriteBuffer) write(ctx context.Context, records []store.Customer) ([]store.Customer, error) {
	remaining := records
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			failures, err := b.dest.Upsert(ctx, remaining)
			if err != nil {
				b.metrics.WriteFailures.Add(float64(len(remaining)))
				return err
			}
			if len(failures) == 0 {
				remaining = nil
				return nil
			}
			var next []store.Customer
			var firstErr error
			for _, c := range remaining {
				if ferr, ok := failures[c.ID]; ok {
					next = append(next, c)
					if firstErr == nil {
						firstErr = ferr
					}
				}
			}
			remaining = next
			if len(remaining) == 0 {
				return nil
			}
			b.metrics.WriteFailures.Add(float64(len(remaining)))
			return fmt.Errorf("%d of the batch failed, first: %w", len(remaining), firstErr)
		},
		NotifyFunc: func(err error, attempt int) {
			b.log.Warn().Err(err).Int("attempt", attempt).Int("records", len(remaining)).Msg("destination write failed")
		},
		Attempts:    b.cfg.RetryAttempts,
		Delay:       b.cfg.RetryDelay,
		MaxDelay:    maxWriteRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil, nil
	}
	if retry.IsRetryStopped(err) {
		return remaining, fmt.Errorf("flush interrupted with %d records unwritten: %w", len(remaining), ctx.Err())
	}
	b.log.Error().Err(retry.LastError(err)).Int("records", len(remaining)).Msg("giving up on destination write")
	return remaining, fmt.Errorf("%w: %d records: %v", ErrWriteRetriesExhausted, len(remaining), retry.LastError(err))
}

func (b *WriteBuffer) requeue(records []store.Customer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range records {
		if _, fresher := b.pending[c.ID]; fresher {
			continue
		}
		b.pending[c.ID] = c
	}
	b.metrics.Pending.Set(float64(len(b.pending)))
}

// Run flushes on every interval tick until ctx is done.
func (b *WriteBuffer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.cfg.Clock.After(b.cfg.Interval):
			if err := b.Flush(ctx); err != nil {
				if errors.Is(err, ErrWriteRetriesExhausted) {
					return err
				}
				b.log.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}
