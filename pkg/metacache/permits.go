package metacache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"routeclient/pkg/coderr"
)

// LookupPermits bounds the number of concurrent directory refreshes. Acquisition never
// blocks for long: a caller that finds no free permit backs off for a short delay and tries again.
type LookupPermits struct {
	sem    *semaphore.Weighted
	size   int64
	inUse  atomic.Int64
	delay  time.Duration
	onWait func()
}

func NewLookupPermits(size int, delay time.Duration) *LookupPermits {
	if size <= 0 {
		size = 1
	}
	return &LookupPermits{
		sem:   semaphore.NewWeighted(int64(size)),
		size:  int64(size),
		delay: delay,
	}
}

func (p *LookupPermits) TryAcquire() bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	p.inUse.Add(1)
	return true
}

func (p *LookupPermits) Release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// Acquire tries for a permit, sleeping the permit delay between tries, until ctx is done.
func (p *LookupPermits) Acquire(ctx context.Context) error {
	for !p.TryAcquire() {
		if p.onWait != nil {
			p.onWait()
		}
		t := time.NewTimer(p.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return coderr.NewCodeError(coderr.TimedOut, "timed out waiting for a master lookup permit")
			}
			return coderr.NewCodeError(coderr.Aborted, "master lookup permit wait aborted")
		}
	}
	return nil
}

func (p *LookupPermits) InUse() int64 { return p.inUse.Load() }

func (p *LookupPermits) Size() int64 { return p.size }

func (p *LookupPermits) Delay() time.Duration { return p.delay }
