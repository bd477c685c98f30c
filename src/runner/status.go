package runner

// Status captures the observed state of a runner process: Off, Booting, or
// Running. The values are ordered so that a healthier runner compares
// greater.
type Status int

const (
	// Off means the supervisor unit is inactive, or the node was stopped
	// because it stopped making sense (unresponsive REST API, unknown state).
	Off Status = iota + 1
	// Booting means the node process is up but still bootstrapping.
	Booting
	// Running means the node reports its internal state as "Running".
	Running
)

// String ...
func (s Status) String() string {
	switch s {
	case Off:
		return "Off"
	case Booting:
		return "Booting"
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}
