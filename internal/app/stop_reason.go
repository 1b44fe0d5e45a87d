package app

// StopReason is logged on shutdown and reported to the service manager.
type StopReason string

const (
	StopUnknown StopReason = "unknown"
	StopSignal  StopReason = "signal"
	StopFatal   StopReason = "fatal_error"
	// StopShutdownCandidate means a component published system.shutdown and
	// the owner accepted it.
	StopShutdownCandidate StopReason = "shutdown_candidate"
)
