package delivery

import (
	"context"
	"time"

	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/model"
)

// defaultBackoff is the retry schedule applied between redelivery attempts.
// The last step repeats for any attempt past the schedule length.
var defaultBackoff = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

const (
	defaultMaxAttempts  = 5
	defaultPollInterval = time.Second
	defaultClaimBatch   = 64
)

// RedeliverFunc pushes one claimed entry toward its destination.
type RedeliverFunc func(ctx context.Context, e *model.OfflineQueueEntry) error

// Worker drains the offline queue. Entries are claimed atomically
// (pending -> sending) so concurrent workers never process the same entry
// twice, then redelivered; failures reschedule with exponential backoff
// until the attempt budget runs out.
type Worker struct {
	store       QueueStore
	redeliver   RedeliverFunc
	backoff     []time.Duration
	maxAttempts int
	interval    time.Duration
	batch       int
	clock       func() time.Time
	onExhausted func(e *model.OfflineQueueEntry)
}

type WorkerConfig struct {
	Backoff      []time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	ClaimBatch   int
	Clock        func() time.Time

	// OnExhausted runs after an entry is marked failed. Optional.
	OnExhausted func(e *model.OfflineQueueEntry)
}

func NewWorker(store QueueStore, redeliver RedeliverFunc, cfg WorkerConfig) *Worker {
	w := &Worker{
		store:       store,
		redeliver:   redeliver,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.PollInterval,
		batch:       cfg.ClaimBatch,
		clock:       cfg.Clock,
		onExhausted: cfg.OnExhausted,
	}
	if len(w.backoff) == 0 {
		w.backoff = defaultBackoff
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.interval <= 0 {
		w.interval = defaultPollInterval
	}
	if w.batch <= 0 {
		w.batch = defaultClaimBatch
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	return w
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessOnce(ctx); err != nil {
				logger.Errorf("queue worker: %v", err)
			}
		}
	}
}

// ProcessOnce claims one batch of due entries and works through it.
// Returns the number of entries processed.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	now := w.clock().UTC()
	entries, err := w.store.ClaimDue(ctx, now, w.batch)
	if err != nil {
		return 0, err
	}
	for i := range entries {
		w.process(ctx, &entries[i])
	}
	return len(entries), nil
}

func (w *Worker) process(ctx context.Context, e *model.OfflineQueueEntry) {
	err := w.redeliver(ctx, e)
	if err == nil {
		if err := w.store.MarkSent(ctx, e.ID); err != nil {
			logger.Errorf("queue mark sent id=%s: %v", e.ID, err)
		}
		return
	}

	attempts := e.AttemptCount + 1
	if attempts >= w.maxAttempts {
		logger.Errorf("queue exhausted id=%s user=%s kind=%s attempts=%d: %v", e.ID, e.UserID, e.Kind, attempts, err)
		if mErr := w.store.MarkFailed(ctx, e.ID, attempts, err.Error()); mErr != nil {
			logger.Errorf("queue mark failed id=%s: %v", e.ID, mErr)
		}
		if w.onExhausted != nil {
			e.AttemptCount = attempts
			e.Status = model.QueueFailed
			e.LastError = err.Error()
			w.onExhausted(e)
		}
		return
	}

	next := w.clock().UTC().Add(w.backoffFor(attempts))
	if rErr := w.store.Retry(ctx, e.ID, attempts, next, err.Error()); rErr != nil {
		logger.Errorf("queue retry id=%s: %v", e.ID, rErr)
	}
}

// backoffFor returns the delay before the given attempt's retry.
// attempt is 1-based: the first failure waits backoff[0].
func (w *Worker) backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(w.backoff) {
		idx = len(w.backoff) - 1
	}
	return w.backoff[idx]
}
