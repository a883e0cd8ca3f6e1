package invoker

// Policy decides which replica of a tablet an invoker sends to.
type Policy int

const (
	// LeaderOnly sends to the leader. Used by mutating operations.
	LeaderOnly Policy = iota
	// LocalPreferred sends to the co-located server, leader or not.
	LocalPreferred
	// ConsistentPrefix sends to any healthy replica.
	ConsistentPrefix
)

func (p Policy) String() string {
	switch p {
	case LeaderOnly:
		return "leader_only"
	case LocalPreferred:
		return "local_preferred"
	case ConsistentPrefix:
		return "consistent_prefix"
	default:
		return "unknown"
	}
}
