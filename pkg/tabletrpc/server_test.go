package tabletrpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"routeclient/pkg/invoker"
	"routeclient/pkg/metacache"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

const testTablet types.TabletID = "tablet-kv-0"

// tabletServer is an in-memory tablet server speaking the HTTP/JSON RPC protocol.
type tabletServer struct {
	id     types.ServerID
	srv    *httptest.Server
	leader atomic.Bool
	calls  atomic.Int32

	mu   sync.Mutex
	data map[string]string
	log  []ChangeRecord
	// cdcErrors are returned by the next GetChanges calls, one per call.
	cdcErrors []CDCErrorCode
}

func newTabletServer(t *testing.T, id types.ServerID, leader bool) *tabletServer {
	t.Helper()
	ts := &tabletServer{id: id, data: map[string]string{}}
	ts.leader.Store(leader)

	r := chi.NewRouter()
	r.Post(transport.RPCPathPrefix+MethodWrite, func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		var req WriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !ts.leader.Load() {
			writeJSON(w, WriteResponse{Error: &invoker.ServerError{Code: invoker.CodeNotTheLeader, Message: string(ts.id)}})
			return
		}
		ts.mu.Lock()
		for _, op := range req.Ops {
			if op.Delete {
				delete(ts.data, op.Key)
			} else {
				ts.data[op.Key] = op.Value
			}
			ts.log = append(ts.log, ChangeRecord{
				OpID: OpID{Term: 1, Index: uint64(len(ts.log) + 1)},
				Op:   opName(op), Key: op.Key, Value: op.Value,
			})
		}
		ts.mu.Unlock()
		writeJSON(w, WriteResponse{Applied: len(req.Ops)})
	})
	r.Post(transport.RPCPathPrefix+MethodRead, func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		var req ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.ConsistentPrefix && !ts.leader.Load() {
			writeJSON(w, ReadResponse{Error: &invoker.ServerError{Code: invoker.CodeNotTheLeader}})
			return
		}
		ts.mu.Lock()
		resp := ReadResponse{}
		for _, k := range req.Keys {
			v, ok := ts.data[k]
			resp.Rows = append(resp.Rows, Row{Key: k, Value: v, Found: ok})
		}
		ts.mu.Unlock()
		writeJSON(w, resp)
	})
	r.Post(transport.RPCPathPrefix+MethodGetChanges, func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		var req GetChangesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if len(ts.cdcErrors) > 0 {
			code := ts.cdcErrors[0]
			ts.cdcErrors = ts.cdcErrors[1:]
			writeJSON(w, GetChangesResponse{Error: &CDCError{Code: code, Message: string(ts.id)}})
			return
		}
		resp := GetChangesResponse{Checkpoint: req.FromCheckpoint}
		for _, rec := range ts.log {
			if rec.OpID.Index <= req.FromCheckpoint.Index {
				continue
			}
			if req.MaxRecords > 0 && len(resp.Records) == req.MaxRecords {
				break
			}
			resp.Records = append(resp.Records, rec)
			resp.Checkpoint = rec.OpID
		}
		writeJSON(w, resp)
	})
	// Hang never answers. The body is drained so a client disconnect cancels the request
	// context; release unblocks whatever is left before the server shuts down.
	release := make(chan struct{})
	r.Post(transport.RPCPathPrefix+"Hang", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})

	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	t.Cleanup(func() { close(release) })
	return ts
}

func opName(op WriteOp) string {
	if op.Delete {
		return "DELETE"
	}
	return "WRITE"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (ts *tabletServer) endpoint() string { return strings.TrimPrefix(ts.srv.URL, "http://") }

func (ts *tabletServer) replica(role types.Role) metacache.ReplicaInfo {
	return metacache.ReplicaInfo{
		ServerID: ts.id,
		Role:     role,
		Server:   &metacache.ServerInfo{ID: ts.id, PrivateAddrs: []string{ts.endpoint()}},
	}
}

// staticDirectory serves one tablet.
type staticDirectory struct {
	mu    sync.Mutex
	loc   metacache.TabletLocation
	calls atomic.Int32
}

func (d *staticDirectory) set(loc metacache.TabletLocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loc = loc
}

func (d *staticDirectory) GetTableLocations(context.Context, types.TableID, string, int) ([]metacache.TabletLocation, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return []metacache.TabletLocation{d.loc}, nil
}

func (d *staticDirectory) GetTabletLocations(_ context.Context, ids []types.TabletID) ([]metacache.TabletLocation, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if id == d.loc.TabletID {
			return []metacache.TabletLocation{d.loc}, nil
		}
	}
	return nil, nil
}

type testCluster struct {
	dir   *staticDirectory
	cache *metacache.LocationCache
	ts    []*tabletServer
}

// newTestCluster starts one tablet server per role; the directory reports the given roles.
func newTestCluster(t *testing.T, roles ...types.Role) *testCluster {
	t.Helper()
	c := &testCluster{dir: &staticDirectory{}}
	loc := metacache.TabletLocation{TabletID: testTablet, TableID: "kv", State: types.TabletRunning}
	for i, role := range roles {
		ts := newTabletServer(t, types.ServerID("ts"+string(rune('1'+i))), role == types.RoleLeader)
		c.ts = append(c.ts, ts)
		loc.Replicas = append(loc.Replicas, ts.replica(role))
	}
	c.dir.set(loc)

	opts := metacache.DefaultOptions()
	opts.PermitWaitDelay = 5 * time.Millisecond
	c.cache = metacache.NewLocationCache(c.dir, metacache.NewServerDirectory(transport.HTTPDialer{}, nil), opts)
	t.Cleanup(c.cache.Close)
	return c
}

func (c *testCluster) options() Options {
	return Options{
		Locator: c.cache,
		Backoff: invoker.BackoffOptions{
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2,
		},
		RPCTimeout: time.Second,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
