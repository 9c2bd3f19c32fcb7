package protocol

// Environment and file descriptors handed from the arbiter to a worker
// process.
const (
	EnvConfig    = "SKINSERVE_WORKER_CONFIG"
	EnvHeartbeat = "SKINSERVE_WORKER_HEARTBEAT"
	EnvParentPID = "SKINSERVE_WORKER_PPID"
	EnvAge       = "SKINSERVE_WORKER_AGE"

	// ListenerFD is the inherited listening socket (ExtraFiles[0]).
	ListenerFD = 3
	// ReportFD is the worker end of the report socket pair (ExtraFiles[1]).
	ReportFD = 4
)

// Worker exit codes that stop the arbiter instead of triggering a respawn.
const (
	ExitBootError    = 3
	ExitAppLoadError = 4
)
