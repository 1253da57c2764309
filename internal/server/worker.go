package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/tvguide/internal/cache"
	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/metrics"
	"github.com/voyagen/tvguide/internal/service"
	"github.com/voyagen/tvguide/internal/store"
)

// LastSummaryKey holds the JSON summary of the most recent pass.
const LastSummaryKey = cache.KeyPrefix + "sync:last"

const (
	defaultLockTTL        = 30 * time.Minute
	defaultDequeueTimeout = 5 * time.Second
)

// Runner executes one synchronization pass. *service.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, ro service.RunOptions) (*service.Summary, error)
}

// Invalidator drops read caches made stale by a pass.
type Invalidator interface {
	InvalidateSync(ctx context.Context)
}

var (
	_ Runner      = (*service.Engine)(nil)
	_ Invalidator = (*store.CachedCatalog)(nil)
)

// Worker runs a pass every interval and one per dequeued job. Passes never
// overlap: across processes a Redis lock guards them, and without Redis an
// in-process mutex does.
type Worker struct {
	runner      Runner
	redis       *cache.Redis
	invalidator Invalidator
	interval    time.Duration
	lockTTL     time.Duration
	dequeueWait time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex // guards passes when redis is nil
	lastMu sync.Mutex
	last   *service.Summary
}

// NewWorker returns a Worker. rdb may be nil. An interval <= 0 disables the
// periodic pass.
func NewWorker(runner Runner, rdb *cache.Redis, interval time.Duration) *Worker {
	return &Worker{
		runner:      runner,
		redis:       rdb,
		interval:    interval,
		lockTTL:     defaultLockTTL,
		dequeueWait: defaultDequeueTimeout,
		logger:      tvlog.WithComponent("worker"),
	}
}

// SetInvalidator registers a cache to clear after each pass.
func (w *Worker) SetInvalidator(inv Invalidator) {
	w.invalidator = inv
}

// Run blocks until ctx is cancelled. A pass in progress is cancelled with ctx
// and awaited before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if w.interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if ctx.Err() != nil {
						return nil
					}
					w.runLogged(ctx, cache.SyncJob{ID: uuid.NewString(), RequestedBy: "schedule", RequestedAt: time.Now().UTC()})
				}
			}
		})
	}

	if w.redis != nil {
		g.Go(func() error {
			for ctx.Err() == nil {
				job, err := cache.Dequeue(ctx, w.redis, cache.DefaultQueue, w.dequeueWait)
				if err != nil {
					w.logger.Warn().Err(err).Msg("dequeue failed")
					if !sleep(ctx, time.Second) {
						return nil
					}
					continue
				}
				if job == nil {
					continue
				}
				metrics.RecordJob("started")
				w.runLogged(ctx, *job)
			}
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) runLogged(ctx context.Context, job cache.SyncJob) {
	if _, err := w.RunOnce(ctx, job); err != nil && !errors.Is(err, cache.ErrLocked) && ctx.Err() == nil {
		w.logger.Error().Err(err).Str(tvlog.FieldJobID, job.ID).Msg("sync pass failed")
	}
}

// RunOnce runs a single pass for job unless another pass holds the lock, in
// which case cache.ErrLocked is returned. The summary is kept for LastSummary.
func (w *Worker) RunOnce(ctx context.Context, job cache.SyncJob) (*service.Summary, error) {
	release, err := w.acquire(ctx)
	if err != nil {
		if errors.Is(err, cache.ErrLocked) {
			metrics.RecordJob("locked")
			w.logger.Info().Str(tvlog.FieldJobID, job.ID).Msg("another pass is running, skipping")
		}
		return nil, err
	}
	defer release()

	ctx = tvlog.ContextWithJobID(ctx, job.ID)
	logger := tvlog.WithContext(ctx, w.logger)
	logger.Info().
		Str(tvlog.FieldEvent, "job.start").
		Bool("force", job.Force).
		Str("requested_by", job.RequestedBy).
		Msg("starting sync job")

	sum, err := w.runner.Run(ctx, service.RunOptions{Force: job.Force})
	if err != nil {
		metrics.RecordRunError()
		return nil, err
	}
	metrics.RecordRun(sum)

	if w.invalidator != nil {
		w.invalidator.InvalidateSync(context.WithoutCancel(ctx))
	}
	w.remember(context.WithoutCancel(ctx), sum)
	return sum, nil
}

// acquire takes the pass lock and keeps it alive until release is called.
func (w *Worker) acquire(ctx context.Context) (func(), error) {
	if w.redis == nil {
		if !w.mu.TryLock() {
			return nil, cache.ErrLocked
		}
		return w.mu.Unlock, nil
	}

	lock, err := cache.TryLock(ctx, w.redis, cache.SyncLockKey, w.lockTTL)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.lockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(context.Background(), w.lockTTL); err != nil {
					w.logger.Warn().Err(err).Msg("could not extend sync lock")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		lock.Unlock()
	}, nil
}

func (w *Worker) remember(ctx context.Context, sum *service.Summary) {
	w.lastMu.Lock()
	w.last = sum
	w.lastMu.Unlock()
	if w.redis == nil {
		return
	}
	if err := cache.Set(ctx, w.redis, LastSummaryKey, sum, 0); err != nil {
		w.logger.Warn().Err(err).Msg("could not store last summary")
	}
}

// LastSummary returns the summary of the latest pass of any process sharing
// the Redis instance, or of this process without Redis. A nil summary means
// no pass has finished.
func (w *Worker) LastSummary(ctx context.Context) (*service.Summary, error) {
	if w.redis != nil {
		sum, err := cache.Get[service.Summary](ctx, w.redis, LastSummaryKey)
		if err != nil {
			return nil, err
		}
		return &sum, nil
	}
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	return w.last, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
