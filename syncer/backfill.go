package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breez/anon-sync/anonymize"
	"github.com/breez/anon-sync/store"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

var ErrNotConverged = errors.New("backfill did not reach a fixed point")

const (
	DefaultMaxDrainPasses   = 100
	DefaultMaxDrainDuration = time.Hour
)

// Watermark is the greatest identity handed to the buffer by backfill.
type Watermark struct {
	mu sync.Mutex
	id *store.ID
}

func (w *Watermark) Get() *store.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

func (w *Watermark) Set(id *store.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.id = id
}

func (w *Watermark) String() string {
	return idString(w.Get())
}

func idString(id *store.ID) string {
	if id == nil {
		return "none"
	}
	if !id.Valid() {
		return fmt.Sprintf("invalid(%x)", string(*id))
	}
	return id.Hex()
}

type BackfillConfig struct {
	MaxDrainPasses   int
	MaxDrainDuration time.Duration
	Clock            clock.Clock
}

// BackfillCursor replays source records above a watermark into the buffer.
type BackfillCursor struct {
	source  store.Source
	buffer  *WriteBuffer
	cfg     BackfillConfig
	log     zerolog.Logger
	metrics *Metrics
}

func NewBackfillCursor(source store.Source, buffer *WriteBuffer, cfg BackfillConfig, logger zerolog.Logger, metrics *Metrics) *BackfillCursor {
	if cfg.MaxDrainPasses <= 0 {
		cfg.MaxDrainPasses = DefaultMaxDrainPasses
	}
	if cfg.MaxDrainDuration <= 0 {
		cfg.MaxDrainDuration = DefaultMaxDrainDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &BackfillCursor{
		source:  source,
		buffer:  buffer,
		cfg:     cfg,
		log:     logger.With().Str("component", "backfill").Logger(),
		metrics: metrics,
	}
}

// ResyncFrom enqueues every record above watermark in ascending identity
// order and returns the greatest identity seen, or watermark itself when
// nothing matched.
func (c *BackfillCursor) ResyncFrom(ctx context.Context, watermark *store.ID, reason string) (*store.ID, error) {
	if watermark != nil {
		if err := store.ValidateID(*watermark); err != nil {
			return watermark, fmt.Errorf("resync from %s: %w", idString(watermark), err)
		}
	}
	c.metrics.BackfillPasses.WithLabelValues(reason).Inc()

	it, err := c.source.Range(ctx, watermark)
	if err != nil {
		return watermark, fmt.Errorf("failed to query records: %w", err)
	}
	latest := watermark
	count := 0
	for {
		var record store.Customer
		if !it.Next(&record) {
			break
		}
		if err := ctx.Err(); err != nil {
			it.Close()
			return latest, err
		}
		if err := c.buffer.Enqueue(ctx, anonymize.Customer(record)); err != nil {
			it.Close()
			return latest, err
		}
		id := record.ID
		latest = &id
		count++
	}
	if err := it.Close(); err != nil {
		return latest, fmt.Errorf("failed to iterate records: %w", err)
	}

	c.log.Info().
		Str("reason", reason).
		Str("started_id", idString(watermark)).
		Str("finished_id", idString(latest)).
		Int("records", count).
		Msg("all previous customers were processed")
	return latest, nil
}

// DrainToFixedPoint replays the whole source, repeating until a pass finds
// nothing new. A source that keeps growing faster than it can be drained
// never converges, so passes and wall time are bounded and ErrNotConverged
// reports the overrun.
func (c *BackfillCursor) DrainToFixedPoint(ctx context.Context) (*store.ID, error) {
	started := c.cfg.Clock.Now()
	var watermark *store.ID
	for pass := 1; ; pass++ {
		next, err := c.ResyncFrom(ctx, watermark, "drain")
		if err != nil {
			return next, err
		}
		if sameID(next, watermark) {
			return watermark, nil
		}
		watermark = next
		if pass >= c.cfg.MaxDrainPasses {
			return watermark, fmt.Errorf("%w after %d passes", ErrNotConverged, pass)
		}
		if elapsed := c.cfg.Clock.Now().Sub(started); elapsed >= c.cfg.MaxDrainDuration {
			return watermark, fmt.Errorf("%w after %v", ErrNotConverged, elapsed)
		}
	}
}

func sameID(a, b *store.ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
