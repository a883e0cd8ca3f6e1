package types

// ServerID identifies a tablet server (node) in the cluster.
type ServerID string

// TableID identifies a table.
type TableID string

// TabletID identifies one tablet (shard) of a table.
type TabletID string

// Role is the consensus role of one replica of a tablet.
type Role int

const (
	RoleOther Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "LEADER"
	case RoleFollower:
		return "FOLLOWER"
	default:
		return "OTHER"
	}
}

// ParseRole maps the directory's textual role onto a Role. Unknown values become RoleOther.
func ParseRole(s string) Role {
	switch s {
	case "LEADER", "leader":
		return RoleLeader
	case "FOLLOWER", "follower":
		return RoleFollower
	default:
		return RoleOther
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	*r = ParseRole(string(b))
	return nil
}

// TabletState is the lifecycle state of a tablet as reported by the directory.
type TabletState string

const (
	TabletRunning    TabletState = "RUNNING"
	TabletNotRunning TabletState = "NOT_RUNNING"
	TabletSplit      TabletState = "SPLIT"
)
