package cluster

import (
	"go.etcd.io/etcd/raft/v3"

	"routeclient/pkg/types"
)

var raftStates = []raft.StateType{
	raft.StateFollower,
	raft.StateCandidate,
	raft.StateLeader,
	raft.StatePreCandidate,
}

// ParseRaftState parses the published form of a raft state ("StateLeader", ...).
func ParseRaftState(s string) (raft.StateType, bool) {
	for _, st := range raftStates {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// RoleFromRaftState maps the raft state of a replica onto its role. Candidates are voters and
// count as followers; anything unknown (learners, read replicas) is RoleOther.
func RoleFromRaftState(s string) types.Role {
	st, ok := ParseRaftState(s)
	if !ok {
		return types.RoleOther
	}
	switch st {
	case raft.StateLeader:
		return types.RoleLeader
	default:
		return types.RoleFollower
	}
}

// RaftStateOf is the published raft state for role. RoleOther has none.
func RaftStateOf(role types.Role) string {
	switch role {
	case types.RoleLeader:
		return raft.StateLeader.String()
	case types.RoleFollower:
		return raft.StateFollower.String()
	default:
		return ""
	}
}
