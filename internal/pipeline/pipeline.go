package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reelforge/internal/model"
)

// The generation pipeline is an external collaborator: the worker pool
// drives it through stages, observes fractional progress at stage
// boundaries, and classifies its failures. This package defines that
// contract and a staged execution harness; the real renderer plugs in
// behind the Pipeline interface.

// ErrCancelObserved is returned by a Reporter when the job's cancel
// flag was observed at a checkpoint. Pipelines must propagate it
// unchanged so the worker records the cancelled state.
var ErrCancelObserved = errors.New("pipeline: cancellation observed")

// Reporter receives progress from a running pipeline. Progress values
// are fractions of the whole job in [0,1]. Checkpoint marks the given
// boundary as a safe resume point: a retried run may skip everything
// before it, so work preceding a checkpoint must be idempotent per
// job+stage.
type Reporter interface {
	Progress(ctx context.Context, frac float64, stage, message string) error
	Checkpoint(ctx context.Context, boundary float64) error
}

// Pipeline executes the opaque generation work for one job.
type Pipeline interface {
	Run(ctx context.Context, job model.Job, rep Reporter) (*model.Result, error)
}

// TransientError marks a retryable pipeline failure, e.g. a dependency
// temporarily unavailable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable pipeline failure, e.g. invalid
// input detected mid-pipeline.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transientf builds a TransientError from a format string.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err should consume a retry rather than
// fail the job. Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Stage is one unit of the staged harness. Weight is the stage's
// fraction of [0,1]; weights across a pipeline must sum to 1. Run
// receives a progress callback taking the completed fraction within
// this stage.
type Stage struct {
	Name   string
	Weight float64
	Run    func(ctx context.Context, job model.Job, progress func(within float64, message string) error) error
}

// Staged drives a fixed sequence of stages, reporting cumulative
// progress at every stage boundary and recording a checkpoint after
// each completed stage. On a re-run (retry or redelivery) stages whose
// boundary lies at or below the job's recorded checkpoint are skipped.
type Staged struct {
	stages []Stage
	finish func(ctx context.Context, job model.Job) (*model.Result, error)
}

// NewStaged builds a staged pipeline. finish produces the result after
// the last stage completes.
func NewStaged(stages []Stage, finish func(ctx context.Context, job model.Job) (*model.Result, error)) *Staged {
	return &Staged{stages: stages, finish: finish}
}

func (s *Staged) Run(ctx context.Context, job model.Job, rep Reporter) (*model.Result, error) {
	completed := 0.0
	for _, st := range s.stages {
		boundary := completed + st.Weight
		if boundary <= job.CheckpointProgress {
			// Stage already completed by a previous attempt.
			completed = boundary
			continue
		}

		if err := rep.Progress(ctx, completed, st.Name, "starting "+st.Name); err != nil {
			return nil, err
		}

		start := completed
		progress := func(within float64, message string) error {
			if within < 0 {
				within = 0
			} else if within > 1 {
				within = 1
			}
			return rep.Progress(ctx, start+within*st.Weight, st.Name, message)
		}
		if err := st.Run(ctx, job, progress); err != nil {
			return nil, err
		}

		completed = boundary
		if err := rep.Progress(ctx, completed, st.Name, st.Name+" complete"); err != nil {
			return nil, err
		}
		if err := rep.Checkpoint(ctx, completed); err != nil {
			return nil, err
		}
	}
	return s.finish(ctx, job)
}
