package metacache

import (
	"context"
	"sync"
	"sync/atomic"

	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

// fakeDirectory serves locations from memory. While gate is non-nil every request blocks
// until the gate is closed.
type fakeDirectory struct {
	mu      sync.Mutex
	tables  map[types.TableID][]TabletLocation
	gate    chan struct{}
	failNth map[int32]error

	tableCalls atomic.Int32
	idCalls    atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tables:  make(map[types.TableID][]TabletLocation),
		failNth: make(map[int32]error),
	}
}

func (f *fakeDirectory) set(table types.TableID, locs ...TabletLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = locs
}

func (f *fakeDirectory) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeDirectory) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDirectory) GetTableLocations(ctx context.Context, table types.TableID, start string, max int) ([]TabletLocation, error) {
	n := f.tableCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNth[n]; err != nil {
		return nil, err
	}
	var out []TabletLocation
	for _, loc := range f.tables[table] {
		if loc.Partition.End != "" && loc.Partition.End <= start {
			continue
		}
		out = append(out, loc)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

func (f *fakeDirectory) GetTabletLocations(ctx context.Context, ids []types.TabletID) ([]TabletLocation, error) {
	f.idCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TabletLocation
	for _, locs := range f.tables {
		for _, loc := range locs {
			for _, id := range ids {
				if loc.TabletID == id {
					out = append(out, loc)
				}
			}
		}
	}
	return out, nil
}

type fakeHandle struct{ endpoint string }

func (h *fakeHandle) Endpoint() string { return h.endpoint }

func (h *fakeHandle) SendAsync(_ *transport.Controller, _ string, _, _ any, done func(error)) {
	done(nil)
}

type countingDialer struct{ dials atomic.Int32 }

func (d *countingDialer) Dial(endpoint string) (transport.Handle, error) {
	d.dials.Add(1)
	return &fakeHandle{endpoint: endpoint}, nil
}

func loc(table types.TableID, id types.TabletID, start, end string, replicas ...ReplicaInfo) TabletLocation {
	return TabletLocation{
		TabletID:  id,
		TableID:   table,
		Partition: Partition{Start: start, End: end},
		State:     types.TabletRunning,
		Replicas:  replicas,
	}
}

func leader(id types.ServerID) ReplicaInfo {
	return ReplicaInfo{ServerID: id, Role: types.RoleLeader, Server: &ServerInfo{ID: id, PrivateAddrs: []string{string(id) + ":9100"}}}
}

func follower(id types.ServerID) ReplicaInfo {
	return ReplicaInfo{ServerID: id, Role: types.RoleFollower, Server: &ServerInfo{ID: id, PrivateAddrs: []string{string(id) + ":9100"}}}
}
