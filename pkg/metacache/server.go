package metacache

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"routeclient/pkg/coderr"
	"routeclient/pkg/transport"
	"routeclient/pkg/types"
)

// CloudInfo is the placement of a server.
type CloudInfo struct {
	Cloud  string `json:"cloud,omitempty"`
	Region string `json:"region,omitempty"`
	Zone   string `json:"zone,omitempty"`
}

func (c CloudInfo) String() string {
	return fmt.Sprintf("%s.%s.%s", c.Cloud, c.Region, c.Zone)
}

// ServerInfo is what the directory knows about a tablet server.
type ServerInfo struct {
	ID           types.ServerID `json:"id"`
	PrivateAddrs []string       `json:"private_addrs,omitempty"`
	PublicAddrs  []string       `json:"public_addrs,omitempty"`
	Cloud        CloudInfo      `json:"cloud"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

func (i ServerInfo) sameAddrs(o ServerInfo) bool {
	return slices.Equal(i.PrivateAddrs, o.PrivateAddrs) && slices.Equal(i.PublicAddrs, o.PublicAddrs)
}

// ServerDescriptor describes one tablet server. Descriptors are created on first sighting
// and never removed; tablets reference them by id.
type ServerDescriptor struct {
	id types.ServerID

	mu     sync.RWMutex
	info   ServerInfo
	handle transport.Handle
	local  bool
	probe  func() error
}

func newServerDescriptor(info ServerInfo) *ServerDescriptor {
	return &ServerDescriptor{id: info.ID, info: cloneInfo(info)}
}

func (s *ServerDescriptor) ID() types.ServerID { return s.id }

func (s *ServerDescriptor) Info() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneInfo(s.info)
}

func (s *ServerDescriptor) Cloud() CloudInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Cloud
}

func (s *ServerDescriptor) IsLocal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Endpoint returns the address used to reach the server: the first private address,
// then the first public one.
func (s *ServerDescriptor) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpointLocked()
}

func (s *ServerDescriptor) endpointLocked() string {
	if len(s.info.PrivateAddrs) > 0 {
		return s.info.PrivateAddrs[0]
	}
	if len(s.info.PublicAddrs) > 0 {
		return s.info.PublicAddrs[0]
	}
	return ""
}

func (s *ServerDescriptor) HasCapability(capability string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.info.Capabilities, capability)
}

// HasHostFrom reports whether any of the server's addresses is on one of hosts.
func (s *ServerDescriptor) HasHostFrom(hosts []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, addr := range append(slices.Clone(s.info.PrivateAddrs), s.info.PublicAddrs...) {
		host := addr
		if i := strings.LastIndexByte(addr, ':'); i >= 0 {
			host = addr[:i]
		}
		if slices.Contains(hosts, host) {
			return true
		}
	}
	return false
}

// Update replaces the server's info. A changed address set drops the cached handle
// unless the server is local.
func (s *ServerDescriptor) Update(info ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.local && !s.info.sameAddrs(info) {
		s.handle = nil
	}
	s.info = cloneInfo(info)
	s.info.ID = s.id
}

// Handle returns the transport handle, dialing it on first use.
func (s *ServerDescriptor) Handle(dialer transport.Dialer) (transport.Handle, error) {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	endpoint := s.endpointLocked()
	if endpoint == "" {
		return nil, coderr.Newf(coderr.ServiceUnavailable, "tablet server %s has no known address", s.id)
	}
	if dialer == nil {
		return nil, coderr.Newf(coderr.IllegalState, "no dialer for tablet server %s", s.id)
	}
	h, err := dialer.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return h, nil
}

// Probe checks liveness of a local server. Remote servers cannot be probed.
func (s *ServerDescriptor) Probe() bool {
	s.mu.RLock()
	probe, local := s.probe, s.local
	s.mu.RUnlock()
	return local && probe != nil && probe() == nil
}

func (s *ServerDescriptor) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%s (%s)", s.id, s.endpointLocked())
}

func cloneInfo(info ServerInfo) ServerInfo {
	info.PrivateAddrs = slices.Clone(info.PrivateAddrs)
	info.PublicAddrs = slices.Clone(info.PublicAddrs)
	info.Capabilities = slices.Clone(info.Capabilities)
	return info
}

// ServerDirectory is the registry of known tablet servers.
type ServerDirectory struct {
	servers *skipmap.FuncMap[types.ServerID, *ServerDescriptor]
	dialer  transport.Dialer
	local   atomic.Pointer[ServerDescriptor]
	logger  *zap.Logger
}

func NewServerDirectory(dialer transport.Dialer, logger *zap.Logger) *ServerDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerDirectory{
		servers: skipmap.NewFunc[types.ServerID, *ServerDescriptor](func(a, b types.ServerID) bool {
			return a < b
		}),
		dialer: dialer,
		logger: logger,
	}
}

// Upsert creates the descriptor on first sighting or updates it in place.
func (d *ServerDirectory) Upsert(info ServerInfo) *ServerDescriptor {
	desc, loaded := d.servers.LoadOrStore(info.ID, newServerDescriptor(info))
	if loaded {
		desc.Update(info)
	} else {
		d.logger.Debug("tablet server discovered", zap.String("server", string(info.ID)))
	}
	return desc
}

// Ensure returns the descriptor for id, creating an address-less one when unknown.
func (d *ServerDirectory) Ensure(id types.ServerID) *ServerDescriptor {
	desc, _ := d.servers.LoadOrStore(id, newServerDescriptor(ServerInfo{ID: id}))
	return desc
}

func (d *ServerDirectory) Get(id types.ServerID) (*ServerDescriptor, bool) {
	return d.servers.Load(id)
}

// SetLocalServer registers the co-located server with a ready handle and a liveness probe.
func (d *ServerDirectory) SetLocalServer(info ServerInfo, handle transport.Handle, probe func() error) *ServerDescriptor {
	desc := d.Upsert(info)
	desc.mu.Lock()
	desc.local = true
	desc.handle = handle
	desc.probe = probe
	desc.mu.Unlock()
	d.local.Store(desc)
	d.logger.Info("local tablet server registered", zap.String("server", string(info.ID)))
	return desc
}

func (d *ServerDirectory) LocalServer() *ServerDescriptor {
	return d.local.Load()
}

func (d *ServerDirectory) Handle(desc *ServerDescriptor) (transport.Handle, error) {
	return desc.Handle(d.dialer)
}

// Range visits the servers in id order until fn returns false.
func (d *ServerDirectory) Range(fn func(*ServerDescriptor) bool) {
	d.servers.Range(func(_ types.ServerID, desc *ServerDescriptor) bool {
		return fn(desc)
	})
}

func (d *ServerDirectory) Len() int {
	return d.servers.Len()
}
