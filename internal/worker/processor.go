package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/queue"
	"bulk-transfer-engine/internal/store"
	"bulk-transfer-engine/internal/telemetry"
)

// Queue is the part of the Redis queue the processor consumes.
type Queue interface {
	DequeueWithLease(ctx context.Context) (queue.Item, bool, error)
	ExtendLease(ctx context.Context, item queue.Item) error
	Ack(ctx context.Context, item queue.Item) error
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]queue.Item, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

const leaseExpiredReason = "worker lease expired before the job finished"

// Heartbeat renews the lease of the job being handled.
type Heartbeat func(ctx context.Context) error

// Handler executes one job of a given kind. It owns the job's state
// transitions; a returned error means the job could not be brought to a
// terminal state and is left for the lease watchdog.
type Handler func(ctx context.Context, jobID string, heartbeat Heartbeat) error

// Purger deletes artifacts of expired exports.
type Purger interface {
	PurgeExpiredExports(ctx context.Context) (int, error)
}

// Processor drives a fixed pool of workers over the job queue.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    store.JobStore
	handlers map[models.JobKind]Handler
	purger   Purger
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, st store.JobStore) *Processor {
	return NewProcessorWithID(cfg, q, st, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, st store.JobStore, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ReclaimBatchSize <= 0 {
		cfg.ReclaimBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[models.JobKind]Handler),
		workerID: workerID,
		logger:   slog.Default().With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// SetPurger enables periodic purging of expired export artifacts.
func (p *Processor) SetPurger(purger Purger) {
	p.purger = purger
}

// Run starts WorkerConcurrency workers plus the maintenance loop and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error {
			p.work(gctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		p.maintain(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (p *Processor) work(ctx context.Context, slot int) {
	logger := p.logger.With("slot", slot)
	for ctx.Err() == nil {
		item, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("dequeue failed", "error", err)
			}
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if !ok {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(ctx, item)
	}
}

// process runs a leased job under the per-job deadline.
func (p *Processor) process(ctx context.Context, item queue.Item) {
	logger := p.logger.With("job_id", item.ID, "kind", item.Kind)
	handler, ok := p.handlers[item.Kind]
	if !ok {
		logger.Error("no handler registered for job kind")
		_ = p.queue.Ack(ctx, item)
		return
	}

	base, cancelTimeout := ctx, context.CancelFunc(func() {})
	if p.cfg.JobTimeout > 0 {
		base, cancelTimeout = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	defer cancelTimeout()
	jobCtx, cancelJob := context.WithCancelCause(base)
	defer cancelJob(nil)

	// A lost lease means the watchdog already failed the job; stop writing rows.
	heartbeat := func(hctx context.Context) error {
		err := p.queue.ExtendLease(hctx, item)
		if errors.Is(err, queue.ErrLeaseLost) {
			cancelJob(err)
		}
		return err
	}
	stopRenewal := p.renewLease(jobCtx, heartbeat, logger)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := time.Now()
	logger.Info("job started")

	err := handler(jobCtx, item.ID, heartbeat)
	stopRenewal()
	if err != nil {
		// Leave the lease in place; the watchdog fails the job once it expires.
		logger.Error("job handler failed", "error", err)
		return
	}
	telemetry.JobDuration.WithLabelValues(string(item.Kind)).Observe(time.Since(start).Seconds())
	if err := p.queue.Ack(context.WithoutCancel(ctx), item); err != nil {
		logger.Warn("ack failed", "error", err)
	}
	logger.Info("job finished", "duration_ms", time.Since(start).Milliseconds())
}

// renewLease extends the lease in the background for as long as the handler
// runs, so slow reads and uploads between checkpoints keep the job alive.
// The returned func stops renewal and waits for the goroutine to exit.
func (p *Processor) renewLease(ctx context.Context, heartbeat Heartbeat, logger *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.renewInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := heartbeat(ctx)
				switch {
				case err == nil:
				case errors.Is(err, queue.ErrLeaseLost):
					logger.Warn("job lease lost, stopping job")
					return
				case ctx.Err() == nil:
					logger.Warn("extend lease failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) renewInterval() time.Duration {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return visibility / 3
}

func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	var purgeC <-chan time.Time
	if p.purger != nil && p.cfg.ExportPurgeInterval > 0 {
		purgeTicker := time.NewTicker(p.cfg.ExportPurgeInterval)
		defer purgeTicker.Stop()
		purgeC = purgeTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reclaim(ctx, time.Now())
			if depth, err := p.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		case <-purgeC:
			n, err := p.purger.PurgeExpiredExports(ctx)
			if err != nil {
				p.logger.Warn("purge expired exports failed", "error", err)
			} else if n > 0 {
				p.logger.Info("purged expired export artifacts", "count", n)
			}
		}
	}
}

// reclaim fails jobs whose worker stopped renewing the lease. They are not
// re-run since an import may already have applied part of its rows.
func (p *Processor) reclaim(ctx context.Context, now time.Time) int {
	items, err := p.queue.ReclaimExpired(ctx, now, int64(p.cfg.ReclaimBatchSize))
	if err != nil {
		p.logger.Warn("reclaim expired leases failed", "error", err)
	}
	const reason = leaseExpiredReason
	for _, item := range items {
		var ferr error
		switch item.Kind {
		case models.KindImport:
			ferr = p.store.FailImport(ctx, item.ID, reason)
		case models.KindExport:
			ferr = p.store.FailExport(ctx, item.ID, reason)
		}
		switch {
		case ferr == nil:
			telemetry.LeasesReclaimed.Inc()
			telemetry.JobsFinished.WithLabelValues(string(item.Kind), models.StatusFailed).Inc()
			_ = p.store.AppendEvent(ctx, item.Kind, item.ID, "lease_expired", reason)
			p.logger.Warn("failed job with expired lease", "job_id", item.ID, "kind", item.Kind)
		case errors.Is(ferr, models.ErrInvalidTransition), errors.Is(ferr, models.ErrNotFound):
			// Already terminal or gone.
		default:
			p.logger.Error("fail job with expired lease", "job_id", item.ID, "kind", item.Kind, "error", ferr)
		}
	}
	return len(items)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
