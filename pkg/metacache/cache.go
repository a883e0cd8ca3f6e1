package metacache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"routeclient/pkg/clock"
	"routeclient/pkg/coderr"
	"routeclient/pkg/metrics"
	"routeclient/pkg/types"
)

var (
	ErrTabletNotFound    = coderr.NewCodeError(coderr.NotFound, "tablet not found")
	ErrLookupTimedOut    = coderr.NewCodeError(coderr.TimedOut, "tablet lookup timed out")
	ErrLookupAborted     = coderr.NewCodeError(coderr.Aborted, "tablet lookup aborted")
	ErrMalformedResponse = coderr.NewCodeError(coderr.IllegalState, "malformed directory response")
	ErrCacheClosed       = coderr.NewCodeError(coderr.Aborted, "location cache closed")
	ErrTabletSplit       = coderr.NewCodeError(coderr.IllegalState, "tablet has been split")
)

// LookupCallback receives the result of a lookup. It may run on the calling goroutine
// (cache hit) or on any other one.
type LookupCallback func(*TabletRecord, error)

// Table identifies a table for key lookups. PartitionStarts, when known, are the sorted
// partition starts of its tablets and define the lookup groups.
type Table struct {
	ID              types.TableID
	Name            string
	PartitionStarts []string
}

type Options struct {
	MasterLookupPermits   int
	PermitWaitDelay       time.Duration
	FailedReplicaCooldown time.Duration
	LookupGroupSize       int
	// DefaultTimeout bounds LookupTabletByKey/ById when ctx has no deadline.
	DefaultTimeout time.Duration

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics metrics.Collector
}

func DefaultOptions() Options {
	return Options{
		MasterLookupPermits:   50,
		PermitWaitDelay:       100 * time.Millisecond,
		FailedReplicaCooldown: 60 * time.Second,
		LookupGroupSize:       16,
		DefaultTimeout:        15 * time.Second,
	}
}

type tableData struct {
	id          types.TableID
	byPartition *btree.BTreeG[*TabletRecord]
	groups      map[string]*lookupGroup
	stale       bool
}

func newTableData(id types.TableID) *tableData {
	return &tableData{
		id: id,
		byPartition: btree.NewG[*TabletRecord](16, func(a, b *TabletRecord) bool {
			return a.partition.Start < b.partition.Start
		}),
		groups: make(map[string]*lookupGroup),
	}
}

func pivot(key string) *TabletRecord {
	return &TabletRecord{partition: Partition{Start: key}}
}

// floor returns the tablet with the greatest partition start <= key.
func (t *tableData) floor(key string) *TabletRecord {
	var found *TabletRecord
	t.byPartition.DescendLessOrEqual(pivot(key), func(r *TabletRecord) bool {
		found = r
		return false
	})
	return found
}

// usable returns the cached tablet serving key, ignoring stale and split ones.
func (t *tableData) usable(key string) *TabletRecord {
	rec := t.floor(key)
	if rec == nil || !rec.partition.Contains(key) || rec.IsStale() || rec.IsSplit() {
		return nil
	}
	return rec
}

// LocationCache maps tables, keys and tablet ids to tablet records, refreshing them from a
// Directory. Concurrent misses for the same lookup group share one directory request.
type LocationCache struct {
	opts      Options
	directory Directory
	servers   *ServerDirectory
	permits   *LookupPermits
	requests  *clock.Sequence
	logger    *zap.Logger
	metrics   metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	tables   map[types.TableID]*tableData
	tablets  map[types.TabletID]*TabletRecord
	idGroups map[types.TabletID]*lookupGroup
	closed   bool
}

func NewLocationCache(directory Directory, servers *ServerDirectory, opts Options) *LocationCache {
	def := DefaultOptions()
	if opts.MasterLookupPermits <= 0 {
		opts.MasterLookupPermits = def.MasterLookupPermits
	}
	if opts.PermitWaitDelay <= 0 {
		opts.PermitWaitDelay = def.PermitWaitDelay
	}
	if opts.LookupGroupSize <= 0 {
		opts.LookupGroupSize = def.LookupGroupSize
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Metrics = metrics.OrNop(opts.Metrics)
	if servers == nil {
		servers = NewServerDirectory(nil, opts.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LocationCache{
		opts:      opts,
		directory: directory,
		servers:   servers,
		permits:   NewLookupPermits(opts.MasterLookupPermits, opts.PermitWaitDelay),
		requests:  clock.NewSequence(0),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		tables:    make(map[types.TableID]*tableData),
		tablets:   make(map[types.TabletID]*TabletRecord),
		idGroups:  make(map[types.TabletID]*lookupGroup),
	}
	c.permits.onWait = func() {
		c.metrics.IncCounter("lookup_permit_waits_total", nil, 1)
	}
	return c
}

func (c *LocationCache) Servers() *ServerDirectory { return c.servers }

func (c *LocationCache) Permits() *LookupPermits { return c.permits }

// AcquireMasterLookupPermit takes a refresh permit without waiting.
func (c *LocationCache) AcquireMasterLookupPermit() bool {
	return c.permits.TryAcquire()
}

func (c *LocationCache) ReleaseMasterLookupPermit() {
	c.permits.Release()
}

// LookupByKey resolves the tablet of table serving partitionKey.
func (c *LocationCache) LookupByKey(table Table, partitionKey string, deadline time.Time, cb LookupCallback) {
	c.mu.RLock()
	var rec *TabletRecord
	if t := c.tables[table.ID]; t != nil && !t.stale {
		rec = t.usable(partitionKey)
	}
	c.mu.RUnlock()
	if rec != nil {
		c.metrics.IncCounter("lookups_total", map[string]string{"path": "fast"}, 1)
		cb(rec, nil)
		return
	}

	w := &waiter{table: table, key: partitionKey, deadline: deadline, cb: cb}
	if !c.arm(w) {
		return
	}
	c.enqueueKey(w)
}

// LookupById resolves a tablet by id. With useCache false the directory is always consulted.
func (c *LocationCache) LookupById(id types.TabletID, deadline time.Time, useCache bool, cb LookupCallback) {
	if useCache {
		c.mu.RLock()
		rec := c.tablets[id]
		c.mu.RUnlock()
		if rec != nil && !rec.IsStale() {
			c.metrics.IncCounter("lookups_total", map[string]string{"path": "fast"}, 1)
			cb(rec, nil)
			return
		}
	}

	w := &waiter{byID: true, id: id, deadline: deadline, cb: cb}
	if !c.arm(w) {
		return
	}
	c.enqueueID(w, useCache)
}

type lookupResult struct {
	rec *TabletRecord
	err error
}

// LookupTabletByKey is the blocking form of LookupByKey bounded by ctx.
func (c *LocationCache) LookupTabletByKey(ctx context.Context, table Table, partitionKey string) (*TabletRecord, error) {
	ch := make(chan lookupResult, 1)
	c.LookupByKey(table, partitionKey, c.deadlineFor(ctx), func(rec *TabletRecord, err error) {
		ch <- lookupResult{rec: rec, err: err}
	})
	return c.wait(ctx, ch)
}

// LookupTabletById is the blocking form of LookupById bounded by ctx.
func (c *LocationCache) LookupTabletById(ctx context.Context, id types.TabletID, useCache bool) (*TabletRecord, error) {
	ch := make(chan lookupResult, 1)
	c.LookupById(id, c.deadlineFor(ctx), useCache, func(rec *TabletRecord, err error) {
		ch <- lookupResult{rec: rec, err: err}
	})
	return c.wait(ctx, ch)
}

func (c *LocationCache) deadlineFor(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.opts.DefaultTimeout)
}

func (c *LocationCache) wait(ctx context.Context, ch <-chan lookupResult) (*TabletRecord, error) {
	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.WithStack(ErrLookupTimedOut)
		}
		return nil, errors.WithStack(ErrLookupAborted)
	}
}

// MarkTSFailed marks server failed in every cached tablet it hosts and returns how many
// tablets were affected.
func (c *LocationCache) MarkTSFailed(server types.ServerID, cause error) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, rec := range c.tablets {
		if rec.MarkReplicaFailed(server, cause) {
			n++
		}
	}
	c.logger.Info("tablet server marked failed",
		zap.String("server", string(server)), zap.Int("tablets", n), zap.Error(cause))
	return n
}

// InvalidateTableCache forces the next lookups of table through the directory.
func (c *LocationCache) InvalidateTableCache(table types.TableID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[table]
	if t == nil {
		return
	}
	t.stale = true
	t.byPartition.Ascend(func(r *TabletRecord) bool {
		r.MarkStale()
		return true
	})
	c.logger.Info("table cache invalidated", zap.String("table", string(table)))
}

// Tablet returns the cached record for id, if any.
func (c *LocationCache) Tablet(id types.TabletID) (*TabletRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.tablets[id]
	return rec, ok
}

// Tablets returns the cached tablets of table in partition order.
func (c *LocationCache) Tablets(table types.TableID) []*TabletRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.tables[table]
	if t == nil {
		return nil
	}
	out := make([]*TabletRecord, 0, t.byPartition.Len())
	t.byPartition.Ascend(func(r *TabletRecord) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Tables returns the ids of the tables with cached state, sorted.
func (c *LocationCache) Tables() []types.TableID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.TableID, 0, len(c.tables))
	for id := range c.tables {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close aborts in-flight directory requests and fails every pending lookup.
func (c *LocationCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var pending []*waiter
	for _, t := range c.tables {
		for _, g := range t.groups {
			pending = append(pending, g.waiters...)
			g.waiters = nil
		}
	}
	for _, g := range c.idGroups {
		pending = append(pending, g.waiters...)
		g.waiters = nil
	}
	c.mu.Unlock()

	c.cancel()
	for _, w := range pending {
		w.resolve(nil, errors.WithStack(ErrCacheClosed))
	}
}
