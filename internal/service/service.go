package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"reelforge/internal/metrics"
	"reelforge/internal/model"
)

// Store is the slice of the record store the service needs.
type Store interface {
	CreateJob(ctx context.Context, id uuid.UUID, userID string, priority int32, payload json.RawMessage) (model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	ListJobs(ctx context.Context, userID string, limit, offset int32) ([]model.Job, int64, error)
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (model.Job, error)
	CancelPending(ctx context.Context, id uuid.UUID) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// Queue is the slice of the job queue the service needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int32) error
	Remove(ctx context.Context, jobID string) error
	Depths(ctx context.Context) (pending, active, delayed int64, err error)
}

// Service implements job submission and cancellation on top of the
// record store and the queue. Submission never waits on execution;
// cancellation is advisory and observed by workers at checkpoints.
type Service struct {
	store  Store
	queue  Queue
	logger *slog.Logger
}

func New(st Store, q Queue, logger *slog.Logger) *Service {
	return &Service{store: st, queue: q, logger: logger}
}

// Submit validates the payload, creates the pending record, and
// enqueues exactly one queue entry. Validation failures return a
// *model.ValidationError and create no state.
func (s *Service) Submit(ctx context.Context, userID string, req model.VideoRequest, priority int32) (model.Job, error) {
	if err := req.Validate(); err != nil {
		return model.Job{}, err
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		return model.Job{}, err
	}

	id := uuid.New()
	job, err := s.store.CreateJob(ctx, id, userID, priority, payload)
	if err != nil {
		return model.Job{}, err
	}

	if err := s.queue.Enqueue(ctx, id.String(), priority); err != nil {
		// Nothing will ever execute the record; roll it back so the
		// failed submission leaves no state and the caller resubmits.
		if derr := s.store.DeleteJob(ctx, id); derr != nil {
			s.logger.Error("orphaned job record not rolled back", "jobId", id.String(), "err", derr)
		}
		s.logger.Error("enqueue failed after record create", "jobId", id.String(), "err", err)
		return model.Job{}, err
	}

	metrics.RecordJobSubmitted()
	s.logger.Info("job submitted", "jobId", id.String(), "userId", userID, "priority", priority)
	return job, nil
}

// GetJob returns the current snapshot for a job.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns a page of the caller's jobs plus the total count.
// page is 1-based.
func (s *Service) List(ctx context.Context, userID string, page, limit int32) ([]model.Job, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if page < 1 {
		page = 1
	}
	return s.store.ListJobs(ctx, userID, limit, (page-1)*limit)
}

// Cancel sets the cancel flag on a non-terminal job. model.ErrConflict
// means the job is already terminal; model.ErrNotFound means the id is
// unknown. Acceptance of the request is distinct from the job's
// eventual state: a cancel accepted while pending is finalized here,
// while one accepted during processing takes effect at the owning
// worker's next checkpoint.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	metrics.RecordCancelRequest()

	if job.Status == model.StatusPending {
		// Pull the entry so no worker picks it up, then finalize. If a
		// worker dequeued in between, CancelPending no-ops and that
		// worker observes the flag instead.
		if err := s.queue.Remove(ctx, id.String()); err != nil {
			s.logger.Warn("queue entry removal failed", "jobId", id.String(), "err", err)
		}
		if err := s.store.CancelPending(ctx, id); err == nil {
			metrics.RecordJobTransition(string(model.StatusCancelled))
		}
	}

	s.logger.Info("cancellation requested", "jobId", id.String(), "status", string(job.Status))
	return job, nil
}

// Stats summarizes job counts by status and queue depths.
type Stats struct {
	Counts       map[model.Status]int64 `json:"counts"`
	QueuePending int64                  `json:"queuePending"`
	QueueActive  int64                  `json:"queueActive"`
	QueueDelayed int64                  `json:"queueDelayed"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, st := range model.Statuses() {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	pending, active, delayed, err := s.queue.Depths(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Counts:       counts,
		QueuePending: pending,
		QueueActive:  active,
		QueueDelayed: delayed,
	}, nil
}
