package invoker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routeclient/pkg/coderr"
	"routeclient/pkg/metacache"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

const testTablet types.TabletID = "tablet-1"

// staticDirectory serves tablet locations from memory.
type staticDirectory struct {
	mu    sync.Mutex
	locs  map[types.TabletID]metacache.TabletLocation
	calls atomic.Int32
}

func (d *staticDirectory) set(l metacache.TabletLocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locs[l.TabletID] = l
}

func (d *staticDirectory) remove(id types.TabletID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locs, id)
}

func (d *staticDirectory) GetTableLocations(context.Context, types.TableID, string, int) ([]metacache.TabletLocation, error) {
	return nil, nil
}

func (d *staticDirectory) GetTabletLocations(_ context.Context, ids []types.TabletID) ([]metacache.TabletLocation, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []metacache.TabletLocation
	for _, id := range ids {
		if l, ok := d.locs[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

type testResponse struct {
	Err *ServerError
}

// cluster scripts the replies of tablet servers, keyed by endpoint.
type cluster struct {
	mu    sync.Mutex
	calls []string
	reply func(endpoint string, n int) (*ServerError, error)
	block bool
}

func (c *cluster) Dial(endpoint string) (transport.Handle, error) {
	return &clusterHandle{c: c, endpoint: endpoint}, nil
}

func (c *cluster) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type clusterHandle struct {
	c        *cluster
	endpoint string
}

func (h *clusterHandle) Endpoint() string { return h.endpoint }

func (h *clusterHandle) SendAsync(ctrl *transport.Controller, _ string, _, resp any, done func(error)) {
	h.c.mu.Lock()
	h.c.calls = append(h.c.calls, h.endpoint)
	n := len(h.c.calls)
	reply, block := h.c.reply, h.c.block
	h.c.mu.Unlock()

	ctx, cancel := ctrl.Begin()
	go func() {
		defer cancel()
		if block {
			<-ctx.Done()
			done(coderr.NewCodeError(coderr.Aborted, "canceled"))
			return
		}
		var (
			serr *ServerError
			err  error
		)
		if reply != nil {
			serr, err = reply(h.endpoint, n)
		}
		resp.(*testResponse).Err = serr
		done(err)
	}()
}

// testCommand is a minimal Command that records deliveries.
type testCommand struct {
	inv       *ReplicaInvoker
	resp      testResponse
	results   chan error
	delivered atomic.Int32
}

func (c *testCommand) SendToServer(_ int, h transport.Handle, ctrl *transport.Controller) {
	c.resp = testResponse{}
	h.SendAsync(ctrl, "test", nil, &c.resp, c.finished)
}

func (c *testCommand) ResponseError() *ServerError { return c.resp.Err }

func (c *testCommand) finished(err error) {
	if terminal, final := c.inv.Done(err); terminal {
		c.deliver(final)
	}
}

func (c *testCommand) Failed(err error) { c.deliver(err) }

func (c *testCommand) deliver(err error) {
	c.delivered.Add(1)
	c.results <- err
}

func (c *testCommand) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("rpc did not finish")
		return nil
	}
}

type env struct {
	dir     *staticDirectory
	cluster *cluster
	cache   *metacache.LocationCache
}

func replica(id types.ServerID, role types.Role) metacache.ReplicaInfo {
	return metacache.ReplicaInfo{
		ServerID: id,
		Role:     role,
		Server:   &metacache.ServerInfo{ID: id, PrivateAddrs: []string{string(id) + ":9100"}},
	}
}

func tabletAt(replicas ...metacache.ReplicaInfo) metacache.TabletLocation {
	return metacache.TabletLocation{
		TabletID:  testTablet,
		TableID:   "T",
		Partition: metacache.Partition{},
		State:     types.TabletRunning,
		Replicas:  replicas,
	}
}

func newEnv(t *testing.T, l metacache.TabletLocation) *env {
	t.Helper()
	e := &env{
		dir:     &staticDirectory{locs: map[types.TabletID]metacache.TabletLocation{}},
		cluster: &cluster{},
	}
	e.dir.set(l)
	opts := metacache.DefaultOptions()
	opts.PermitWaitDelay = 5 * time.Millisecond
	e.cache = metacache.NewLocationCache(e.dir, metacache.NewServerDirectory(e.cluster, nil), opts)
	t.Cleanup(e.cache.Close)
	return e
}

func (e *env) resolve(t *testing.T) *metacache.TabletRecord {
	t.Helper()
	rec, err := e.cache.LookupTabletById(context.Background(), testTablet, true)
	require.NoError(t, err)
	return rec
}

func fastRetrier(timeout time.Duration) *BackoffRetrier {
	return NewBackoffRetrier(time.Now().Add(timeout), BackoffOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	})
}

func (e *env) invoker(tablet *metacache.TabletRecord, policy Policy, r Retrier) (*ReplicaInvoker, *testCommand) {
	cmd := &testCommand{results: make(chan error, 4)}
	cmd.inv = New(cmd, e.cache, r, Options{
		TabletID:   testTablet,
		Tablet:     tablet,
		Policy:     policy,
		RPCTimeout: time.Second,
	})
	return cmd.inv, cmd
}
