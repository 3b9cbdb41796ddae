package worker

// Status represents the lifecycle state of a worker process.
// Busy/idle are properties of the pending-request table, not handle
// states, so Ready covers both.
type Status int32

const (
	// StatusSpawning means the process has started but has not yet
	// signaled readiness.
	StatusSpawning Status = iota
	// StatusReady means the ready event was observed and requests may be
	// sent.
	StatusReady
	// StatusTerminated means the process exited, crashed, or was killed.
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusSpawning:
		return "spawning"
	case StatusReady:
		return "ready"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
