package cluster

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

// fakeZK is an in-memory zkConn. Ephemeral flags are recorded, not enforced.
type fakeZK struct {
	mu        sync.Mutex
	nodes     map[string][]byte
	ephemeral map[string]bool
	watches   map[string][]chan zk.Event
	state     zk.State
	getErr    error
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes:     map[string][]byte{"/": nil},
		ephemeral: map[string]bool{},
		watches:   map[string][]chan zk.Event{},
		state:     zk.StateHasSession,
	}
}

func (f *fakeZK) childrenLocked(p string) []string {
	var out []string
	prefix := strings.TrimRight(p, "/") + "/"
	for n := range f.nodes {
		if strings.HasPrefix(n, prefix) && !strings.Contains(n[len(prefix):], "/") && n != prefix {
			out = append(out, n[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeZK) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	return f.childrenLocked(p), &zk.Stat{}, nil
}

func (f *fakeZK) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	f.watches[p] = append(f.watches[p], ch)
	return f.childrenLocked(p), &zk.Stat{}, ch, nil
}

func (f *fakeZK) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, nil, f.getErr
	}
	data, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (f *fakeZK) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	if _, ok := f.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	f.nodes[p] = data
	f.ephemeral[p] = flags&zk.FlagEphemeral != 0
	f.fireLocked(path.Dir(p))
	return p, nil
}

func (f *fakeZK) Set(p string, data []byte, _ int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return nil, zk.ErrNoNode
	}
	f.nodes[p] = data
	return &zk.Stat{}, nil
}

func (f *fakeZK) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeZK) State() zk.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeZK) Close() {}

// delete removes p, as a session expiry does for ephemeral nodes.
func (f *fakeZK) delete(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, p)
	f.fireLocked(path.Dir(p))
}

func (f *fakeZK) fireLocked(parent string) {
	for _, ch := range f.watches[parent] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent}
	}
	delete(f.watches, parent)
}
