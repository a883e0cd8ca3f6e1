package metacache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"routeclient/pkg/types"
)

// ReplicaRef is one replica of a tablet. FailedAt is zero while the replica is healthy.
// FailCause is the error that got the replica marked failed, if any.
type ReplicaRef struct {
	Server    *ServerDescriptor
	Role      types.Role
	FailedAt  time.Time
	FailCause error
}

func (r ReplicaRef) String() string {
	s := fmt.Sprintf("%s %s", r.Server.ID(), r.Role)
	if !r.FailedAt.IsZero() {
		s += " FAILED"
	}
	return s
}

// TabletRecord holds the cached view of one tablet's replicas.
// Id, table and partition never change after construction.
type TabletRecord struct {
	id            types.TabletID
	table         types.TableID
	partition     Partition
	splitDepth    uint64
	splitParentID types.TabletID

	cooldown time.Duration
	now      func() time.Time

	mu                        sync.RWMutex
	replicas                  []ReplicaRef
	stale                     bool
	split                     bool
	refreshTime               time.Time
	lookupsWithoutNewReplicas int
	appliedRequest            int64

	expectedLive int
	expectedRead int
	aliveLive    int
	aliveRead    int
}

// NewTabletRecord creates a record without replicas. Failure marks older than cooldown are
// ignored; a non-positive cooldown keeps them until the next refresh.
func NewTabletRecord(loc TabletLocation, cooldown time.Duration, now func() time.Time) *TabletRecord {
	if now == nil {
		now = time.Now
	}
	return &TabletRecord{
		id:            loc.TabletID,
		table:         loc.TableID,
		partition:     loc.Partition,
		splitDepth:    loc.SplitDepth,
		splitParentID: loc.SplitParentID,
		cooldown:      cooldown,
		now:           now,
		expectedLive:  loc.ExpectedLiveReplicas,
		expectedRead:  loc.ExpectedReadReplicas,
	}
}

func (t *TabletRecord) ID() types.TabletID            { return t.id }
func (t *TabletRecord) TableID() types.TableID        { return t.table }
func (t *TabletRecord) Partition() Partition          { return t.partition }
func (t *TabletRecord) SplitDepth() uint64            { return t.splitDepth }
func (t *TabletRecord) SplitParentID() types.TabletID { return t.splitParentID }

func (t *TabletRecord) failedLocked(r ReplicaRef, now time.Time) bool {
	if r.FailedAt.IsZero() {
		return false
	}
	return t.cooldown <= 0 || now.Sub(r.FailedAt) < t.cooldown
}

// LeaderTServer returns the leader, or nil if there is none or it is marked failed.
func (t *TabletRecord) LeaderTServer() *ServerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	for _, r := range t.replicas {
		if r.Role == types.RoleLeader && !t.failedLocked(r, now) {
			return r.Server
		}
	}
	return nil
}

func (t *TabletRecord) HasLeader() bool {
	return t.LeaderTServer() != nil
}

// GetRemoteTabletServers returns the replicas' servers. Without includeFailed, failed replicas
// are skipped, except local ones whose probe succeeds: their failure mark is cleared.
func (t *TabletRecord) GetRemoteTabletServers(includeFailed bool) []*ServerDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	servers := make([]*ServerDescriptor, 0, len(t.replicas))
	for i := range t.replicas {
		r := &t.replicas[i]
		if !includeFailed && t.failedLocked(*r, now) {
			if !r.Server.IsLocal() || !r.Server.Probe() {
				continue
			}
			r.FailedAt = time.Time{}
			r.FailCause = nil
		}
		servers = append(servers, r.Server)
	}
	return servers
}

// Replicas returns a copy of the replica list.
func (t *TabletRecord) Replicas() []ReplicaRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ReplicaRef, len(t.replicas))
	copy(out, t.replicas)
	return out
}

// MarkReplicaFailed marks the replica on server as failed. It returns false when server is
// not a replica of this tablet.
func (t *TabletRecord) MarkReplicaFailed(server types.ServerID, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.replicas {
		if t.replicas[i].Server.ID() == server {
			t.replicas[i].FailedAt = t.now()
			t.replicas[i].FailCause = cause
			return true
		}
	}
	return false
}

func (t *TabletRecord) NumFailedReplicas() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	n := 0
	for _, r := range t.replicas {
		if t.failedLocked(r, now) {
			n++
		}
	}
	return n
}

// MarkTServerAsLeader makes server the only leader. It returns false if server is not a replica.
func (t *TabletRecord) MarkTServerAsLeader(server types.ServerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	for i := range t.replicas {
		switch {
		case t.replicas[i].Server.ID() == server:
			t.replicas[i].Role = types.RoleLeader
			found = true
		case t.replicas[i].Role == types.RoleLeader:
			t.replicas[i].Role = types.RoleFollower
		}
	}
	return found
}

func (t *TabletRecord) MarkTServerAsFollower(server types.ServerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.replicas {
		if t.replicas[i].Server.ID() == server {
			t.replicas[i].Role = types.RoleFollower
			return true
		}
	}
	return false
}

// Refresh replaces the replica list with the directory's view.
func (t *TabletRecord) Refresh(dir *ServerDirectory, replicas []ReplicaInfo) {
	t.refresh(dir, replicas, 0)
}

// refresh applies replicas fetched by request reqNo. Data from a request older than the last
// applied one is dropped; reqNo 0 is always applied.
func (t *TabletRecord) refresh(dir *ServerDirectory, replicas []ReplicaInfo, reqNo int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reqNo > 0 {
		if reqNo < t.appliedRequest {
			return false
		}
		t.appliedRequest = reqNo
	}

	old := make(map[types.ServerID]ReplicaRef, len(t.replicas))
	for _, r := range t.replicas {
		old[r.Server.ID()] = r
	}

	hasNew := len(t.replicas) == 0
	hasLeader := false
	next := make([]ReplicaRef, 0, len(replicas))
	t.aliveLive, t.aliveRead = 0, 0
	for _, info := range replicas {
		var desc *ServerDescriptor
		if info.Server != nil {
			s := *info.Server
			s.ID = info.ServerID
			desc = dir.Upsert(s)
		} else {
			desc = dir.Ensure(info.ServerID)
		}

		role := info.Role
		if role == types.RoleLeader {
			if hasLeader {
				role = types.RoleFollower
			}
			hasLeader = true
		}
		ref := ReplicaRef{Server: desc, Role: role}
		if prev, ok := old[info.ServerID]; ok {
			if prev.Role == role && role != types.RoleLeader {
				ref.FailedAt = prev.FailedAt
				ref.FailCause = prev.FailCause
			}
		} else {
			hasNew = true
		}

		if role == types.RoleOther {
			t.aliveRead++
		} else {
			t.aliveLive++
		}
		next = append(next, ref)
	}

	if hasNew {
		t.lookupsWithoutNewReplicas = 0
	} else {
		t.lookupsWithoutNewReplicas++
	}
	t.replicas = next
	t.stale = false
	t.refreshTime = t.now()
	return true
}

func (t *TabletRecord) SetExpectedReplicas(live, read int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expectedLive, t.expectedRead = live, read
}

// IsReplicasCountConsistent reports whether the alive replica counts match the expected ones.
// Unknown expectations (zero) are always satisfied.
func (t *TabletRecord) IsReplicasCountConsistent() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return (t.expectedLive == 0 || t.expectedLive == t.aliveLive) &&
		(t.expectedRead == 0 || t.expectedRead == t.aliveRead)
}

func (t *TabletRecord) ReplicasCountString() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("live %d/%d read %d/%d", t.aliveLive, t.expectedLive, t.aliveRead, t.expectedRead)
}

func (t *TabletRecord) MarkStale() {
	t.mu.Lock()
	t.stale = true
	t.mu.Unlock()
}

func (t *TabletRecord) IsStale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// MarkAsSplit flags the tablet as split. A split tablet takes no new traffic.
func (t *TabletRecord) MarkAsSplit() {
	t.mu.Lock()
	t.split = true
	t.mu.Unlock()
}

func (t *TabletRecord) IsSplit() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.split
}

func (t *TabletRecord) RefreshTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refreshTime
}

func (t *TabletRecord) LookupsWithoutNewReplicas() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupsWithoutNewReplicas
}

func (t *TabletRecord) ReplicasString() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parts := make([]string, 0, len(t.replicas))
	for _, r := range t.replicas {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}

func (t *TabletRecord) String() string {
	return fmt.Sprintf("tablet %s %s", t.id, t.partition)
}
