package sync

// State is the current phase of the header sync machine.
type State uint8

// Header sync states.
const (
	StateReady State = iota
	StateFiltering
	StateSyncing
	StateSynced
	StateContinue
	StateFailed
)

// String returns the state name for logging and status reports.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFiltering:
		return "filtering"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateContinue:
		return "continue"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is the outcome of one run of the sync machine.
type Event interface {
	event()
}

// EventSynced reports that the local chain caught up using the given
// peer.
type EventSynced struct {
	Peer SyncPeer
}

// EventContinue reports that no candidate could improve the local
// chain; the caller should listen for new peer claims and try again.
type EventContinue struct{}

// EventFailed reports an unrecoverable run failure.
type EventFailed struct {
	Reason error
}

func (EventSynced) event()   {}
func (EventContinue) event() {}
func (EventFailed) event()   {}

// StatusInfo is a point-in-time snapshot pushed to the status channel
// on every state transition.
type StatusInfo struct {
	// Bootstrapped is true once the node has completed at least one
	// successful sync or determined it is already at the network tip.
	Bootstrapped bool

	// State is the machine state at the time of the snapshot.
	State State

	// Height and AccumulatedDifficulty mirror the local chain
	// metadata at the time of the snapshot.
	Height                uint64
	AccumulatedDifficulty string

	// RandomXVMCount and RandomXVMFlags report the mining VM pool for
	// observability consumers. Zero when no RandomX algorithm is
	// active.
	RandomXVMCount uint32
	RandomXVMFlags uint32
}
