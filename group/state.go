package group

type State int32

const (
	StateUnjoined State = iota
	StateJoining
	StateSyncing
	StateStable
	StateRebalancing
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoining:
		return "joining"
	case StateSyncing:
		return "syncing"
	case StateStable:
		return "stable"
	case StateRebalancing:
		return "rebalancing"
	default:
		return "unknown"
	}
}
