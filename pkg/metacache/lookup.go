package metacache

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/coderr"
	"routeclient/pkg/types"
)

// GroupKey identifies a lookup group: a bucket of partitions of one table, or one tablet id.
type GroupKey struct {
	Table          types.TableID
	PartitionStart string
	TabletID       types.TabletID
}

func (k GroupKey) byID() bool { return k.TabletID != "" }

// lookupGroup tracks the directory request in flight for one group. running is 0 when idle.
type lookupGroup struct {
	running      int64
	maxCompleted int64
	maxLocations int
	waiters      []*waiter
}

type waiter struct {
	table Table
	key   string
	byID  bool
	id    types.TabletID

	deadline time.Time
	cb       LookupCallback
	fired    atomic.Bool
	timer    *time.Timer
}

// finish delivers the result unless one was already delivered.
func (w *waiter) finish(rec *TabletRecord, err error) bool {
	if !w.fired.CompareAndSwap(false, true) {
		return false
	}
	w.cb(rec, err)
	return true
}

// resolve is finish plus stopping the deadline timer. Not to be called from the timer itself.
func (w *waiter) resolve(rec *TabletRecord, err error) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.finish(rec, err)
}

func (w *waiter) timedOut() error {
	if w.byID {
		return errors.Wrapf(ErrLookupTimedOut, "tablet %s", w.id)
	}
	return errors.Wrapf(ErrLookupTimedOut, "key %q of table %s", w.key, w.table.ID)
}

func (w *waiter) notFound() error {
	if w.byID {
		return errors.Wrapf(ErrTabletNotFound, "tablet %s", w.id)
	}
	return errors.Wrapf(ErrTabletNotFound, "no tablet for key %q of table %s", w.key, w.table.ID)
}

// arm starts the waiter's deadline timer. It returns false, after failing the waiter, when
// the deadline has already passed.
func (c *LocationCache) arm(w *waiter) bool {
	remaining := time.Until(w.deadline)
	if remaining <= 0 {
		w.finish(nil, w.timedOut())
		return false
	}
	w.timer = time.AfterFunc(remaining, func() {
		w.finish(nil, w.timedOut())
	})
	return true
}

// groupFor returns the start of the lookup group holding key and how many locations to ask for.
// Without known partitions the whole table is one group.
func groupFor(table Table, key string, size int) (string, int) {
	starts := table.PartitionStarts
	if len(starts) == 0 {
		return "", 0
	}
	i := sort.SearchStrings(starts, key)
	if i == len(starts) || starts[i] != key {
		i--
	}
	if i < 0 {
		i = 0
	}
	return starts[(i/size)*size], size
}

func (c *LocationCache) enqueueKey(w *waiter) {
	if w.fired.Load() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.resolve(nil, errors.WithStack(ErrCacheClosed))
		return
	}
	t := c.tableLocked(w.table.ID)
	if !t.stale {
		if rec := t.usable(w.key); rec != nil {
			c.mu.Unlock()
			c.metrics.IncCounter("lookups_total", map[string]string{"path": "fast"}, 1)
			w.resolve(rec, nil)
			return
		}
	}

	start, maxLocations := groupFor(w.table, w.key, c.opts.LookupGroupSize)
	g := t.groups[start]
	if g == nil {
		g = &lookupGroup{}
		t.groups[start] = g
	}
	g.maxLocations = maxLocations
	g.waiters = append(g.waiters, w)
	if g.running != 0 {
		c.mu.Unlock()
		c.metrics.IncCounter("lookups_total", map[string]string{"path": "coalesced"}, 1)
		return
	}
	reqNo := c.requests.Next()
	g.running = reqNo
	c.mu.Unlock()

	c.metrics.IncCounter("lookups_total", map[string]string{"path": "slow"}, 1)
	go c.fetch(GroupKey{Table: w.table.ID, PartitionStart: start}, maxLocations, reqNo, w.deadline)
}

func (c *LocationCache) enqueueID(w *waiter, useCache bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		w.resolve(nil, errors.WithStack(ErrCacheClosed))
		return
	}
	if useCache {
		if rec := c.tablets[w.id]; rec != nil && !rec.IsStale() {
			c.mu.Unlock()
			w.resolve(rec, nil)
			return
		}
	}

	g := c.idGroups[w.id]
	if g == nil {
		g = &lookupGroup{}
		c.idGroups[w.id] = g
	}
	g.waiters = append(g.waiters, w)
	if g.running != 0 {
		c.mu.Unlock()
		c.metrics.IncCounter("lookups_total", map[string]string{"path": "coalesced"}, 1)
		return
	}
	reqNo := c.requests.Next()
	g.running = reqNo
	c.mu.Unlock()

	c.metrics.IncCounter("lookups_total", map[string]string{"path": "slow"}, 1)
	go c.fetch(GroupKey{TabletID: w.id}, 0, reqNo, w.deadline)
}

// fetch issues one directory request for the group and applies its outcome. The cache lock
// is not held while the request is in flight.
func (c *LocationCache) fetch(key GroupKey, maxLocations int, reqNo int64, deadline time.Time) {
	ctx, cancel := context.WithDeadline(c.ctx, deadline)
	defer cancel()

	if err := c.permits.Acquire(ctx); err != nil {
		c.ProcessDirectoryResponse(key, reqNo, nil, err)
		return
	}
	defer c.permits.Release()

	kind := "key"
	if key.byID() {
		kind = "id"
	}
	c.metrics.IncCounter("directory_requests_total", map[string]string{"kind": kind}, 1)

	start := time.Now()
	var (
		locs []TabletLocation
		err  error
	)
	if key.byID() {
		locs, err = c.directory.GetTabletLocations(ctx, []types.TabletID{key.TabletID})
	} else {
		locs, err = c.directory.GetTableLocations(ctx, key.Table, key.PartitionStart, maxLocations)
	}
	c.metrics.ObserveHistogram("directory_request_seconds", map[string]string{"kind": kind}, time.Since(start).Seconds())

	if err != nil {
		c.metrics.IncCounter("directory_errors_total", nil, 1)
		switch {
		case ctx.Err() == context.DeadlineExceeded && !coderr.Is(err, coderr.TimedOut):
			err = errors.Wrap(ErrLookupTimedOut, err.Error())
		case c.ctx.Err() != nil:
			err = errors.Wrap(ErrCacheClosed, err.Error())
		}
		c.logger.Warn("directory request failed",
			zap.String("table", string(key.Table)), zap.String("tablet", string(key.TabletID)),
			zap.Int64("request", reqNo), zap.Error(err))
	}
	c.ProcessDirectoryResponse(key, reqNo, locs, err)
}

// validateLocations checks that running entries are sorted by partition start without
// overlaps. Split parents and tablets that are not running yet may share ranges with them.
func validateLocations(locs []TabletLocation) error {
	var prev *Partition
	for i := range locs {
		if locs[i].State != types.TabletRunning {
			continue
		}
		cur := locs[i].Partition
		if prev == nil {
			prev = &locs[i].Partition
			continue
		}
		if cur.Start <= prev.Start {
			return errors.Wrapf(ErrMalformedResponse, "unsorted entries %s then %s", prev, cur)
		}
		if prev.Overlaps(cur) {
			return errors.Wrapf(ErrMalformedResponse, "overlapping entries %s and %s", prev, cur)
		}
		prev = &locs[i].Partition
	}
	return nil
}

func reported(locs []TabletLocation, id types.TabletID) bool {
	for i := range locs {
		if locs[i].TabletID == id {
			return true
		}
	}
	return false
}

// ProcessDirectoryResponse applies the outcome of directory request reqNo issued for key.
// Location data is applied even when reqNo has been superseded; waiters are only completed
// when reqNo is the group's current request.
//
// A batch with unsorted or overlapping running entries is discarded without touching the
// cache. Its waiters still fail with IllegalState instead of waiting for a retry: a
// directory that broke the ordering contract once will usually answer the same way again.
func (c *LocationCache) ProcessDirectoryResponse(key GroupKey, reqNo int64, locs []TabletLocation, err error) {
	malformed := false
	if err == nil && !key.byID() {
		if verr := validateLocations(locs); verr != nil {
			c.logger.Error("discarding directory response",
				zap.String("table", string(key.Table)), zap.Int64("request", reqNo), zap.Error(verr))
			err = verr
			malformed = true
		}
	}

	type delivery struct {
		w   *waiter
		rec *TabletRecord
		err error
	}
	var (
		deliveries []delivery
		requeue    []*waiter
		restart    func()
	)

	c.mu.Lock()
	if err == nil {
		for _, loc := range locs {
			c.applyLocked(loc, reqNo)
		}
		c.metrics.SetGauge("tablets_cached", nil, float64(len(c.tablets)))
	}

	var (
		t *tableData
		g *lookupGroup
	)
	if key.byID() {
		g = c.idGroups[key.TabletID]
	} else {
		t = c.tableLocked(key.Table)
		g = t.groups[key.PartitionStart]
	}
	if g == nil || g.running != reqNo {
		c.mu.Unlock()
		c.logger.Debug("superseded directory response applied",
			zap.String("table", string(key.Table)), zap.String("tablet", string(key.TabletID)),
			zap.Int64("request", reqNo))
		return
	}

	g.running = 0
	if reqNo > g.maxCompleted {
		g.maxCompleted = reqNo
	}
	waiters := g.waiters
	g.waiters = nil

	if t != nil && !malformed {
		t.stale = err != nil || len(locs) == 0
	}

	now := time.Now()
	var retry []*waiter
	for _, w := range waiters {
		if w.fired.Load() {
			continue
		}
		switch {
		case err != nil:
			if coderr.Is(err, coderr.TimedOut) && now.Before(w.deadline) {
				retry = append(retry, w)
				continue
			}
			deliveries = append(deliveries, delivery{w: w, err: err})
		case w.byID:
			rec := c.tablets[w.id]
			if rec != nil && reported(locs, w.id) {
				deliveries = append(deliveries, delivery{w: w, rec: rec})
				continue
			}
			if rec != nil {
				rec.MarkStale()
			}
			deliveries = append(deliveries, delivery{w: w, err: w.notFound()})
		default:
			if rec := t.usable(w.key); rec != nil {
				deliveries = append(deliveries, delivery{w: w, rec: rec})
			} else if len(locs) == 0 {
				deliveries = append(deliveries, delivery{w: w, err: w.notFound()})
			} else {
				requeue = append(requeue, w)
			}
		}
	}

	if len(retry) > 0 {
		deadline := retry[0].deadline
		for _, w := range retry[1:] {
			if w.deadline.After(deadline) {
				deadline = w.deadline
			}
		}
		next := c.requests.Next()
		g.running = next
		g.waiters = append(g.waiters, retry...)
		maxLocations := g.maxLocations
		restart = func() {
			c.logger.Info("restarting timed out directory request",
				zap.String("table", string(key.Table)), zap.String("tablet", string(key.TabletID)),
				zap.Int64("request", next), zap.Int("waiters", len(retry)))
			go c.fetch(key, maxLocations, next, deadline)
		}
	}
	c.mu.Unlock()

	for _, d := range deliveries {
		d.w.resolve(d.rec, d.err)
	}
	for _, w := range requeue {
		time.AfterFunc(c.permits.Delay(), func() { c.enqueueKey(w) })
	}
	if restart != nil {
		restart()
	}
}

func (c *LocationCache) tableLocked(id types.TableID) *tableData {
	t := c.tables[id]
	if t == nil {
		t = newTableData(id)
		c.tables[id] = t
	}
	return t
}

// applyLocked creates or refreshes the record of one directory entry. Entries of tablets that
// are not running are skipped; a split entry marks the cached record as split.
func (c *LocationCache) applyLocked(loc TabletLocation, reqNo int64) {
	if loc.State != types.TabletRunning {
		if rec := c.tablets[loc.TabletID]; rec != nil && loc.State == types.TabletSplit {
			rec.MarkAsSplit()
		}
		return
	}

	rec := c.tablets[loc.TabletID]
	if rec == nil {
		rec = NewTabletRecord(loc, c.opts.FailedReplicaCooldown, c.opts.Now)
		c.tablets[loc.TabletID] = rec
		c.insertLocked(c.tableLocked(loc.TableID), rec)
	} else if loc.ExpectedLiveReplicas > 0 || loc.ExpectedReadReplicas > 0 {
		rec.SetExpectedReplicas(loc.ExpectedLiveReplicas, loc.ExpectedReadReplicas)
	}
	if !rec.refresh(c.servers, loc.Replicas, reqNo) {
		c.logger.Debug("ignoring older replica data",
			zap.String("tablet", string(loc.TabletID)), zap.Int64("request", reqNo))
	}
}

// insertLocked puts rec into the partition index, evicting cached tablets whose ranges it
// covers. A record older (by split depth) than an overlapping cached one is not indexed.
func (c *LocationCache) insertLocked(t *tableData, rec *TabletRecord) {
	var overlapping []*TabletRecord
	if prev := t.floor(rec.partition.Start); prev != nil && prev.partition.Start < rec.partition.Start &&
		prev.partition.Overlaps(rec.partition) {
		overlapping = append(overlapping, prev)
	}
	t.byPartition.AscendGreaterOrEqual(pivot(rec.partition.Start), func(r *TabletRecord) bool {
		if rec.partition.End != "" && r.partition.Start >= rec.partition.End {
			return false
		}
		overlapping = append(overlapping, r)
		return true
	})

	for _, o := range overlapping {
		if o.splitDepth > rec.splitDepth {
			c.logger.Debug("not indexing tablet covered by newer split",
				zap.String("tablet", string(rec.id)), zap.String("covered_by", string(o.id)))
			return
		}
	}
	for _, o := range overlapping {
		t.byPartition.Delete(o)
		o.MarkStale()
		c.logger.Info("evicting overlapped tablet",
			zap.String("tablet", string(o.id)), zap.String("replaced_by", string(rec.id)))
	}
	t.byPartition.ReplaceOrInsert(rec)
}
