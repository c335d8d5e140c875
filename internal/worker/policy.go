package worker

import (
	"time"

	"reelforge/internal/config"
	"reelforge/internal/pipeline"
)

// RetryPolicy decides whether a pipeline failure consumes a retry and
// how long to wait before re-delivery. It is a plain value so tests
// can exercise it in isolation.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Classify reports whether the error is transient. Defaults to
	// pipeline.IsTransient; unclassified errors are permanent.
	Classify func(error) bool
}

// Delay returns the backoff before the given re-delivery. retryCount
// is the number of retries already consumed, so the first retry waits
// BaseDelay, the second 2*BaseDelay, doubling up to MaxDelay.
func (p RetryPolicy) Delay(retryCount int32) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	d := p.BaseDelay << uint(retryCount)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether a failure with the given error and
// consumed-retry count should be re-enqueued.
func (p RetryPolicy) ShouldRetry(err error, retryCount int32) bool {
	classify := p.Classify
	if classify == nil {
		classify = pipeline.IsTransient
	}
	return classify(err) && int(retryCount) < p.MaxRetries
}

// PolicyFromConfig builds the retry policy, applying defaults for
// unset fields: 3 retries, 2s base, 60s cap.
func PolicyFromConfig(cfg config.WorkerConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		Classify:   pipeline.IsTransient,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	return p
}
