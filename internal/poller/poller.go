package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"reelforge/internal/model"
	"reelforge/internal/resolver"
)

// StatusSource fetches the current snapshot for a job.
type StatusSource interface {
	Status(ctx context.Context, id uuid.UUID) (model.Job, error)
}

// Callbacks receive polling results. OnComplete fires exactly once
// when the job succeeds; OnFailed fires exactly once on failure or
// cancellation. OnUpdate fires for every observed snapshot, including
// the terminal one, before the terminal callback.
type Callbacks struct {
	OnUpdate   func(model.Job)
	OnComplete func(model.Job, *resolver.Resolved)
	OnFailed   func(model.Job)
	OnError    func(error)
}

// Options tune a Poller.
type Options struct {
	// Interval between fetches. Default 3s.
	Interval time.Duration
	// Resolver used to resolve a successful result before OnComplete.
	Resolver *resolver.Resolver
	// Fallback is an alternate read path consulted when the primary
	// source does not recognize the id, which can happen in the narrow
	// window between enqueue and record visibility.
	Fallback StatusSource
}

// Poller drives the caller-side polling loop for one job: fetch a
// snapshot, deliver it, wait the interval, repeat; stop the moment a
// terminal status is observed. It is single-flight by construction:
// the next fetch is only scheduled after the previous one returns.
//
// Stop abandons the loop at any time: scheduling halts and an
// in-flight response is suppressed rather than delivered.
type Poller struct {
	source   StatusSource
	fallback StatusSource
	res      *resolver.Resolver
	interval time.Duration
	cb       Callbacks

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// deliverMu is held for the whole of a delivery, from the stopped
	// check through the callback invocations, so Stop can wait out an
	// in-flight delivery.
	deliverMu sync.Mutex
}

// New creates a Poller. Callbacks may be partially nil.
func New(source StatusSource, cb Callbacks, opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	res := opts.Resolver
	if res == nil {
		res = resolver.New("")
	}
	return &Poller{
		source:   source,
		fallback: opts.Fallback,
		res:      res,
		interval: interval,
		cb:       cb,
		done:     make(chan struct{}),
	}
}

// Start begins polling the given job. It may be called at most once
// per Poller; one caller never runs two loops for the same job.
func (p *Poller) Start(ctx context.Context, id uuid.UUID) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.loop(ctx, id)
}

// Stop abandons the poller. It is safe to call concurrently with a
// fetch in flight; that fetch's response will not be delivered. Stop
// blocks until any delivery already underway has finished, so once it
// returns no further callbacks run. It must not be called from within
// a callback.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.deliverMu.Lock()
	p.deliverMu.Unlock()
	if !started {
		close(p.done)
	}
}

// Done is closed once the loop has exited, whether by terminal status,
// abandonment, or context cancellation.
func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) loop(ctx context.Context, id uuid.UUID) {
	defer close(p.done)

	t := time.NewTimer(0) // first fetch immediately
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		job, err := p.fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.deliverError(err) {
				return
			}
			// A terminal polling error ends the loop; deliverError
			// only returns false when the poller was abandoned.
			return
		}

		terminal := p.deliver(job)
		if terminal {
			return
		}
		t.Reset(p.interval)
	}
}

// fetch reads the snapshot from the primary source, falling back to
// the alternate path with capped exponential backoff when the id is
// not yet recognized.
func (p *Poller) fetch(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := p.source.Status(ctx, id)
	if err == nil || !errors.Is(err, model.ErrNotFound) || p.fallback == nil {
		return job, err
	}

	b := retry.WithMaxRetries(3, retry.WithCappedDuration(time.Second, retry.NewExponential(100*time.Millisecond)))
	ferr := retry.Do(ctx, b, func(ctx context.Context) error {
		j, err := p.fallback.Status(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return retry.RetryableError(err)
			}
			return err
		}
		job = j
		return nil
	})
	if ferr != nil {
		return model.Job{}, ferr
	}
	return job, nil
}

// deliver hands a snapshot to the callbacks unless the poller has been
// abandoned. It returns true when the loop should stop. The stopped
// check and the callback invocations happen under deliverMu so a
// concurrent Stop either suppresses the whole delivery or waits for
// it to complete.
func (p *Poller) deliver(job model.Job) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true
	}
	terminal := job.Status.Terminal()
	if terminal {
		// Fire terminal callbacks at most once; further snapshots will
		// never be fetched anyway.
		p.stopped = true
	}
	p.mu.Unlock()

	if p.cb.OnUpdate != nil {
		p.cb.OnUpdate(job)
	}
	if !terminal {
		return false
	}

	switch job.Status {
	case model.StatusSuccess:
		if p.cb.OnComplete != nil {
			p.cb.OnComplete(job, p.res.Resolve(job.ID, job.Result))
		}
	default: // failure, cancelled
		if p.cb.OnFailed != nil {
			p.cb.OnFailed(job)
		}
	}
	return true
}

// deliverError surfaces a polling error once. It returns true when
// the error was delivered, false when it was suppressed because the
// poller had already been abandoned.
func (p *Poller) deliverError(err error) bool {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cb.OnError != nil {
		p.cb.OnError(err)
	}
	return true
}
