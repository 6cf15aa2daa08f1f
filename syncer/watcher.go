package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breez/anon-sync/anonymize"
	"github.com/breez/anon-sync/store"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

var ErrSubscriptionLost = errors.New("change feed subscription lost")

const (
	DefaultResubscribeAttempts = 10
	DefaultResubscribeDelay    = time.Second
	maxResubscribeDelay        = time.Minute
)

type WatcherConfig struct {
	// ResubscribeAttempts bounds consecutive subscriptions that fail before
	// delivering a single event.
	ResubscribeAttempts int
	ResubscribeDelay    time.Duration
	Clock               clock.Clock
}

// streamFailure marks errors that resubscribing can cure.
type streamFailure struct {
	err error
}

func (e *streamFailure) Error() string { return e.err.Error() }
func (e *streamFailure) Unwrap() error { return e.err }

// ChangeFeedWatcher tails live insert/update/replace notifications into the
// buffer. The first event of every subscription triggers one resync from the
// current watermark to pick up records written while no subscription was
// receiving.
type ChangeFeedWatcher struct {
	source    store.Source
	buffer    *WriteBuffer
	cursor    *BackfillCursor
	watermark *Watermark
	cfg       WatcherConfig
	log       zerolog.Logger
	metrics   *Metrics

	resumeToken []byte
	// held is a first event whose gap-closing resync failed. It is handled
	// after the next successful one.
	held *store.ChangeEvent
}

func NewChangeFeedWatcher(source store.Source, buffer *WriteBuffer, cursor *BackfillCursor, watermark *Watermark, cfg WatcherConfig, logger zerolog.Logger, metrics *Metrics) *ChangeFeedWatcher {
	if cfg.ResubscribeAttempts <= 0 {
		cfg.ResubscribeAttempts = DefaultResubscribeAttempts
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &ChangeFeedWatcher{
		source:    source,
		buffer:    buffer,
		cursor:    cursor,
		watermark: watermark,
		cfg:       cfg,
		log:       logger.With().Str("component", "change_feed").Logger(),
		metrics:   metrics,
	}
}

// Run consumes the change feed until ctx is done. A subscription that ends
// after delivering events is re-established at once; subscriptions that fail
// before any event are retried with backoff and give up with
// ErrSubscriptionLost.
func (w *ChangeFeedWatcher) Run(ctx context.Context) error {
	for {
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				return w.session(ctx)
			},
			IsFatalError: func(err error) bool {
				var sf *streamFailure
				return !errors.As(err, &sf)
			},
			NotifyFunc: func(err error, attempt int) {
				w.log.Warn().Err(err).Int("attempt", attempt).Str("watermark", w.watermark.String()).Msg("change feed failed")
			},
			Attempts:    w.cfg.ResubscribeAttempts,
			Delay:       w.cfg.ResubscribeDelay,
			MaxDelay:    maxResubscribeDelay,
			BackoffFunc: retry.DoubleDelay,
			Clock:       w.cfg.Clock,
			Stop:        ctx.Done(),
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			w.metrics.Resubscribes.Inc()
			continue
		}
		if retry.IsAttemptsExceeded(err) {
			return fmt.Errorf("%w after %d attempts: %v", ErrSubscriptionLost, w.cfg.ResubscribeAttempts, retry.LastError(err))
		}
		return err
	}
}

// session runs one subscription. It returns nil when an established stream
// ends after delivering events.
func (w *ChangeFeedWatcher) session(ctx context.Context) error {
	cs, err := w.source.Watch(ctx, store.WatchOptions{ResumeAfter: w.resumeToken})
	if err != nil {
		return &streamFailure{fmt.Errorf("failed to subscribe: %w", err)}
	}
	defer cs.Close()
	w.log.Info().Bool("resumed", w.resumeToken != nil).Msg("change feed subscribed")

	started := false
	for {
		ev, err := cs.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if started {
				w.log.Warn().Err(err).Str("watermark", w.watermark.String()).Msg("change feed terminated, resubscribing")
				return nil
			}
			return &streamFailure{err}
		}
		if !started {
			started = true
			if err := w.closeGap(ctx); err != nil {
				if w.held == nil {
					w.held = &ev
				}
				return err
			}
			if held := w.held; held != nil {
				w.held = nil
				if err := w.handle(ctx, *held); err != nil {
					return err
				}
			}
		}
		if ev.ResumeToken != nil {
			w.resumeToken = ev.ResumeToken
		}
		if err := w.handle(ctx, ev); err != nil {
			return err
		}
	}
}

// closeGap replays records above the watermark. Source read failures are
// retried through resubscription; buffer failures stay fatal.
func (w *ChangeFeedWatcher) closeGap(ctx context.Context) error {
	next, err := w.cursor.ResyncFrom(ctx, w.watermark.Get(), "gap")
	if next != nil {
		w.watermark.Set(next)
	}
	if err == nil {
		return nil
	}
	err = fmt.Errorf("gap-closing resync: %w", err)
	if ctx.Err() != nil || errors.Is(err, ErrBufferClosed) || errors.Is(err, ErrWriteRetriesExhausted) || errors.Is(err, store.ErrMalformedID) {
		return err
	}
	return &streamFailure{err}
}

func (w *ChangeFeedWatcher) handle(ctx context.Context, ev store.ChangeEvent) error {
	switch ev.Op {
	case store.OpInsert, store.OpUpdate, store.OpReplace:
	default:
		return nil
	}
	w.metrics.ChangeEvents.WithLabelValues(string(ev.Op)).Inc()
	if ev.Document == nil {
		w.log.Debug().Str("op", string(ev.Op)).Msg("change without full document skipped")
		return nil
	}
	return w.buffer.Enqueue(ctx, anonymize.Customer(*ev.Document))
}
