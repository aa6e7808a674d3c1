package dispatch

// State is the batch lifecycle state machine.
type State int

const (
	// StateIdle means no batch is in progress.
	StateIdle State = iota
	// StateRunning means jobs are being dispatched and awaited.
	StateRunning
	// StateCanceling means pending work was abandoned and in-flight
	// jobs are draining.
	StateCanceling
	// StateStopped means a hard cancel; any late job outcomes are
	// ignored until finalize resets to idle.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateCanceling:
		return "CANCELING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
