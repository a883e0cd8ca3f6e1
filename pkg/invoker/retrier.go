package invoker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Retrier owns the timing of retries: attempt counting, backoff and the deadline.
type Retrier interface {
	Deadline() time.Time
	Attempt() int
	// DelayedRetry schedules fn after the next backoff delay. fn receives nil, or an
	// Aborted error when the retrier is aborted first. A non-nil return means nothing
	// was scheduled.
	DelayedRetry(fn func(error), reason error) error
	Abort()
}

type BackoffOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
}

// BackoffRetrier is a Retrier with exponential backoff.
type BackoffRetrier struct {
	deadline time.Time

	mu      sync.Mutex
	b       *backoff.ExponentialBackOff
	attempt int
	timer   *time.Timer
	pending func(error)
	aborted bool
}

var _ Retrier = (*BackoffRetrier)(nil)

func NewBackoffRetrier(deadline time.Time, opts BackoffOptions) *BackoffRetrier {
	b := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}
	if opts.Multiplier > 0 {
		b.Multiplier = opts.Multiplier
	}
	// The deadline bounds retries, not the elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return &BackoffRetrier{deadline: deadline, b: b}
}

func (r *BackoffRetrier) Deadline() time.Time { return r.deadline }

func (r *BackoffRetrier) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *BackoffRetrier) DelayedRetry(fn func(error), reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return errors.WithStack(ErrAborted)
	}
	remaining := time.Until(r.deadline)
	if remaining <= 0 {
		if reason != nil {
			return errors.Wrap(ErrTimedOut, reason.Error())
		}
		return errors.WithStack(ErrTimedOut)
	}
	delay := r.b.NextBackOff()
	if delay > remaining {
		delay = remaining
	}
	r.attempt++
	r.pending = fn
	r.timer = time.AfterFunc(delay, r.fire)
	return nil
}

func (r *BackoffRetrier) fire() {
	r.mu.Lock()
	fn := r.pending
	r.pending = nil
	r.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

// Abort cancels the pending retry, if any, handing it an Aborted error. Later calls to
// DelayedRetry fail.
func (r *BackoffRetrier) Abort() {
	r.mu.Lock()
	r.aborted = true
	fn := r.pending
	r.pending = nil
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	if fn != nil {
		fn(errors.WithStack(ErrAborted))
	}
}
