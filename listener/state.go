package listener

// State is the lifecycle state of a container.
type State int32

// Container states. A container moves
//
//	Stopped -> Starting -> Started -> Stopping -> Stopped
//
// and ends up in ExceptionStarting when its source fails to start, or in
// ExceptionStopping when the poll loop does not finish within the stop
// timeout.
const (
	Stopped State = iota
	Starting
	Started
	Stopping
	ExceptionStarting
	ExceptionStopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case ExceptionStarting:
		return "exception_starting"
	case ExceptionStopping:
		return "exception_stopping"
	}
	return "unknown"
}
