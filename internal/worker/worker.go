package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelforge/internal/config"
	"reelforge/internal/metrics"
	"reelforge/internal/model"
	"reelforge/internal/pipeline"
)

// JobStore is the slice of the record store the pool needs. Execution
// writes are guarded by the lease token passed to each call.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	AcquireForProcessing(ctx context.Context, id uuid.UUID, leaseToken string) (model.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, leaseToken string, progress float64, stage, message string) (bool, error)
	RecordCheckpoint(ctx context.Context, id uuid.UUID, leaseToken string, boundary float64) error
	MarkSuccess(ctx context.Context, id uuid.UUID, leaseToken string, result *model.Result) error
	MarkFailure(ctx context.Context, id uuid.UUID, leaseToken string, jobErr *model.JobError) error
	CancelPending(ctx context.Context, id uuid.UUID) error
	CancelProcessing(ctx context.Context, id uuid.UUID, leaseToken string) error
	PrepareRetry(ctx context.Context, id uuid.UUID, leaseToken string) (model.Job, error)
	DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobQueue is the slice of the queue the pool needs.
type JobQueue interface {
	Dequeue(ctx context.Context, workerID string) (string, error)
	Renew(ctx context.Context, jobID, workerID string) error
	Ack(ctx context.Context, jobID, workerID string) error
	RequeueRetry(ctx context.Context, jobID, workerID string, delay time.Duration) error
	ReclaimExpired(ctx context.Context, limit int) ([]string, error)
	PromoteDelayed(ctx context.Context, limit int) (int, error)
}

// Pool is a bounded set of executors. Each worker owns at most one job
// at a time via its queue lease; the record store is the only shared
// mutable state and serializes writes per job id.
type Pool struct {
	cfg      *config.Config
	store    JobStore
	queue    JobQueue
	pipe     pipeline.Pipeline
	policy   RetryPolicy
	logger   *slog.Logger
	leaseTTL time.Duration
}

// New constructs a Pool. pipe is the opaque generation pipeline the
// workers drive.
func New(cfg *config.Config, st JobStore, q JobQueue, pipe pipeline.Pipeline, logger *slog.Logger) *Pool {
	leaseTTL := time.Duration(cfg.Queue.LeaseTTLSeconds) * time.Second
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		store:    st,
		queue:    q,
		pipe:     pipe,
		policy:   PolicyFromConfig(cfg.Worker),
		logger:   logger,
		leaseTTL: leaseTTL,
	}
}

// Start launches the worker loops and the maintenance loop in the
// current goroutine. Callers typically run this in its own goroutine
// and keep the process alive.
func (p *Pool) Start(ctx context.Context) {
	concurrency := p.cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%s-%d", uuid.NewString()[:8], i)
		go func(id string) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(workerID)
	}

	p.maintenanceLoop(ctx)
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	pollInterval := time.Duration(p.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			p.logger.Error("dequeue failed", "worker", workerID, "err", err)
			sleepCtx(ctx, pollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(ctx, pollInterval)
			continue
		}

		p.execute(ctx, workerID, jobID)
	}
}

// execute runs one leased job to an outcome.
func (p *Pool) execute(ctx context.Context, workerID, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		p.logger.Error("dropping entry with malformed job id", "worker", workerID, "jobId", rawID)
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}
	log := p.logger.With("worker", workerID, "jobId", id.String())

	// Cancel observed before the record was ever leased: the job goes
	// straight to cancelled without passing through processing.
	snap, err := p.store.GetJob(ctx, id)
	if err != nil {
		log.Error("record missing for queue entry", "err", err)
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}
	if snap.Status == model.StatusPending && snap.CancelRequested {
		if err := p.store.CancelPending(ctx, id); err == nil {
			metrics.RecordJobTransition(string(model.StatusCancelled))
			log.Info("cancelled before processing")
		}
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}
	if snap.Status.Terminal() {
		// Stale entry for an already finished job.
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}

	leaseToken := workerID
	job, err := p.store.AcquireForProcessing(ctx, id, leaseToken)
	if err != nil {
		if !errors.Is(err, model.ErrConflict) {
			log.Error("acquire failed", "err", err)
		}
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}
	metrics.RecordJobTransition(string(model.StatusProcessing))

	if job.CancelRequested {
		if err := p.store.CancelProcessing(ctx, id, leaseToken); err == nil {
			metrics.RecordJobTransition(string(model.StatusCancelled))
			log.Info("cancelled at lease acquisition")
		}
		_ = p.queue.Ack(ctx, rawID, workerID)
		return
	}

	// Renew the lease at a third of its TTL so only a real stall or
	// crash lets it expire.
	execCtx, cancelExec := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		t := time.NewTicker(p.leaseTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-t.C:
				if err := p.queue.Renew(execCtx, rawID, workerID); err != nil {
					if execCtx.Err() == nil {
						log.Warn("lease renewal failed, abandoning job", "err", err)
						cancelExec()
					}
					return
				}
			}
		}
	}()

	rep := &storeReporter{pool: p, jobID: id, leaseToken: leaseToken}
	result, runErr := p.pipe.Run(execCtx, job, rep)
	cancelExec()
	<-renewDone

	p.settle(ctx, log, job, rawID, workerID, leaseToken, result, runErr)
}

// settle records the outcome of a pipeline run.
func (p *Pool) settle(ctx context.Context, log *slog.Logger, job model.Job, rawID, workerID, leaseToken string, result *model.Result, runErr error) {
	id := job.ID
	switch {
	case runErr == nil:
		if err := p.store.MarkSuccess(ctx, id, leaseToken, result); err != nil {
			log.Warn("success not recorded", "err", err)
			return
		}
		metrics.RecordJobTransition(string(model.StatusSuccess))
		_ = p.queue.Ack(ctx, rawID, workerID)
		log.Info("job completed", "durationSeconds", result.DurationSeconds)

	case errors.Is(runErr, pipeline.ErrCancelObserved):
		if err := p.store.CancelProcessing(ctx, id, leaseToken); err != nil {
			log.Warn("cancellation not recorded", "err", err)
			return
		}
		metrics.RecordJobTransition(string(model.StatusCancelled))
		_ = p.queue.Ack(ctx, rawID, workerID)
		log.Info("job cancelled at checkpoint")

	case errors.Is(runErr, model.ErrLeaseLost):
		// Another worker owns the record now; it will settle the job.
		log.Warn("lease lost mid-execution")

	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		// Execution aborted (renewal failure or shutdown), not failed.
		// The record stays processing with its lease token; lease
		// expiry re-delivers the entry.
		log.Warn("execution aborted, job left for redelivery", "err", runErr)

	case p.policy.ShouldRetry(runErr, job.RetryCount):
		retried, err := p.store.PrepareRetry(ctx, id, leaseToken)
		if err != nil {
			log.Warn("retry not recorded", "err", err)
			return
		}
		delay := p.policy.Delay(job.RetryCount)
		if err := p.queue.RequeueRetry(ctx, rawID, workerID, delay); err != nil {
			log.Error("retry re-enqueue failed", "err", err)
			return
		}
		metrics.RecordJobRetry()
		log.Warn("transient failure, retrying",
			"retryCount", retried.RetryCount, "delay", delay.String(), "err", runErr)

	default:
		jobErr := classifyJobError(runErr, job.Stage)
		if err := p.store.MarkFailure(ctx, id, leaseToken, jobErr); err != nil {
			log.Warn("failure not recorded", "err", err)
			return
		}
		metrics.RecordJobTransition(string(model.StatusFailure))
		_ = p.queue.Ack(ctx, rawID, workerID)
		log.Error("job failed", "code", jobErr.Code, "err", runErr)
	}
}

func classifyJobError(err error, stage string) *model.JobError {
	code := "PIPELINE_FAILED"
	if pipeline.IsTransient(err) {
		code = "RETRIES_EXHAUSTED"
	}
	return &model.JobError{Code: code, Message: err.Error(), Stage: stage}
}

// storeReporter writes pipeline progress into the record store and
// turns an observed cancel flag into ErrCancelObserved. Every progress
// write is a cancellation checkpoint.
type storeReporter struct {
	pool       *Pool
	jobID      uuid.UUID
	leaseToken string
}

func (r *storeReporter) Progress(ctx context.Context, frac float64, stage, message string) error {
	cancelRequested, err := r.pool.store.UpdateProgress(ctx, r.jobID, r.leaseToken, frac, stage, message)
	if err != nil {
		return err
	}
	if cancelRequested {
		return pipeline.ErrCancelObserved
	}
	return nil
}

func (r *storeReporter) Checkpoint(ctx context.Context, boundary float64) error {
	return r.pool.store.RecordCheckpoint(ctx, r.jobID, r.leaseToken, boundary)
}

// maintenanceLoop reclaims expired leases, promotes due retries, and
// runs retention cleanup on its cadence.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.Queue.ReclaimIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(p.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids, err := p.queue.ReclaimExpired(ctx, 64)
		if err != nil {
			p.logger.Error("lease reclaim failed", "err", err)
		}
		for _, id := range ids {
			metrics.RecordLeaseReclaimed()
			p.logger.Warn("lease expired, job re-delivered", "jobId", id)
		}

		if _, err := p.queue.PromoteDelayed(ctx, 64); err != nil {
			p.logger.Error("delayed promotion failed", "err", err)
		}

		if p.cfg.Retention.Enabled {
			now := time.Now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				p.cleanupExpiredJobs(ctx, now)
				lastCleanup = now
			}
		}
	}
}

func (p *Pool) cleanupExpiredJobs(ctx context.Context, now time.Time) {
	days := p.cfg.Retention.TerminalJobDays
	if days <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -days)
	n, err := p.store.DeleteExpiredJobs(ctx, cutoff)
	if err != nil {
		p.logger.Error("retention cleanup failed", "err", err)
		return
	}
	if n > 0 {
		metrics.RecordRetentionJobs(n)
		p.logger.Info("retention cleanup", "deleted", n)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
