package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breez/anon-sync/store"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Mode int

const (
	// Incremental recovers the watermark, backfills, then tails the change
	// feed until stopped.
	Incremental Mode = iota
	// FullReindex replays the whole source once and returns.
	FullReindex
)

func (m Mode) String() string {
	if m == FullReindex {
		return "full-reindex"
	}
	return "incremental"
}

const finalFlushTimeout = 30 * time.Second

type Config struct {
	Mode                Mode
	FlushThreshold      int
	FlushInterval       time.Duration
	WriteRetryAttempts  int
	WriteRetryDelay     time.Duration
	ResubscribeAttempts int
	ResubscribeDelay    time.Duration
	MaxDrainPasses      int
	MaxDrainDuration    time.Duration
	Clock               clock.Clock
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Mode      string `json:"mode"`
	Watermark string `json:"watermark"`
	Pending   int    `json:"pending"`
}

// Orchestrator sequences backfill, live tailing and flushing for one run.
type Orchestrator struct {
	cfg       Config
	dest      store.Destination
	log       zerolog.Logger
	watermark *Watermark
	buffer    *WriteBuffer
	cursor    *BackfillCursor
	watcher   *ChangeFeedWatcher
}

func NewOrchestrator(cfg Config, source store.Source, dest store.Destination, logger zerolog.Logger, metrics *Metrics) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	watermark := &Watermark{}
	buffer := NewWriteBuffer(dest, BufferConfig{
		Threshold:     cfg.FlushThreshold,
		Interval:      cfg.FlushInterval,
		RetryAttempts: cfg.WriteRetryAttempts,
		RetryDelay:    cfg.WriteRetryDelay,
		Clock:         cfg.Clock,
	}, logger, metrics)
	cursor := NewBackfillCursor(source, buffer, BackfillConfig{
		MaxDrainPasses:   cfg.MaxDrainPasses,
		MaxDrainDuration: cfg.MaxDrainDuration,
		Clock:            cfg.Clock,
	}, logger, metrics)
	watcher := NewChangeFeedWatcher(source, buffer, cursor, watermark, WatcherConfig{
		ResubscribeAttempts: cfg.ResubscribeAttempts,
		ResubscribeDelay:    cfg.ResubscribeDelay,
		Clock:               cfg.Clock,
	}, logger, metrics)
	return &Orchestrator{
		cfg:       cfg,
		dest:      dest,
		log:       logger.With().Str("mode", cfg.Mode.String()).Logger(),
		watermark: watermark,
		buffer:    buffer,
		cursor:    cursor,
		watcher:   watcher,
	}
}

func (o *Orchestrator) Status() Status {
	return Status{
		Mode:      o.cfg.Mode.String(),
		Watermark: o.watermark.String(),
		Pending:   o.buffer.Pending(),
	}
}

// Run executes the configured mode. In incremental mode it returns nil only
// after ctx is cancelled and the final flush succeeded.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Msg("sync starting")
	if o.cfg.Mode == FullReindex {
		return o.runFullReindex(ctx)
	}
	return o.runIncremental(ctx)
}

func (o *Orchestrator) runIncremental(ctx context.Context) error {
	from, err := o.recoverWatermark(ctx)
	if err != nil {
		return o.fail("recover watermark", err)
	}
	o.watermark.Set(from)

	next, err := o.cursor.ResyncFrom(ctx, from, "bootstrap")
	o.watermark.Set(next)
	if err != nil {
		if ctx.Err() != nil {
			o.log.Info().Str("watermark", o.watermark.String()).Msg("stopped during bootstrap backfill")
			return o.shutdown(nil)
		}
		return o.shutdown(o.fail("bootstrap backfill", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := o.watcher.Run(gctx); err != nil {
			return o.fail("change feed", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := o.buffer.Run(gctx); err != nil {
			return o.fail("periodic flush", err)
		}
		return nil
	})
	return o.shutdown(g.Wait())
}

func (o *Orchestrator) runFullReindex(ctx context.Context) error {
	next, err := o.cursor.DrainToFixedPoint(ctx)
	o.watermark.Set(next)
	switch {
	case errors.Is(err, ErrNotConverged):
		o.log.Warn().Err(err).Str("watermark", o.watermark.String()).Msg("full reindex stopped before the source stopped growing")
	case err != nil && ctx.Err() != nil:
		o.log.Info().Str("watermark", o.watermark.String()).Msg("full reindex stopped before completion")
	case err != nil:
		return o.shutdown(o.fail("full reindex", err))
	}
	return o.shutdown(nil)
}

// recoverWatermark returns the greatest identity already mirrored. A
// malformed stored identity cannot seed a range filter, so it falls back to
// replaying everything.
func (o *Orchestrator) recoverWatermark(ctx context.Context) (*store.ID, error) {
	latest, err := o.dest.LatestID(ctx)
	if errors.Is(err, store.ErrMalformedID) {
		o.log.Warn().Err(err).Msg("destination holds a malformed id, replaying from the beginning")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if latest != nil && store.ValidateID(*latest) != nil {
		o.log.Warn().Str("id", idString(latest)).Msg("destination holds a malformed id, replaying from the beginning")
		return nil, nil
	}
	o.log.Info().Str("watermark", idString(latest)).Msg("watermark recovered")
	return latest, nil
}

// shutdown stops new enqueues and flushes what is left.
func (o *Orchestrator) shutdown(runErr error) error {
	o.buffer.Close()
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	flushErr := o.buffer.Flush(ctx)
	if runErr != nil {
		if flushErr != nil {
			o.log.Error().Err(flushErr).Msg("final flush failed")
		}
		return runErr
	}
	if flushErr != nil {
		return o.fail("final flush", flushErr)
	}
	o.log.Info().Str("watermark", o.watermark.String()).Msg("sync stopped")
	return nil
}

func (o *Orchestrator) fail(op string, err error) error {
	return fmt.Errorf("%s failed (last watermark %s): %w", op, o.watermark.String(), err)
}
