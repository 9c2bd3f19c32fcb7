package arbiter

import (
	"errors"
	"os/exec"
	"time"

	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
)

var (
	// ErrWorkerBoot means a worker could not start; respawning would only
	// repeat the failure.
	ErrWorkerBoot = errors.New("worker failed to boot")
	// ErrAppLoad means a worker could not load the application.
	ErrAppLoad = errors.New("app failed to load")
	// ErrNotRunning is returned by control calls when Run is not active.
	ErrNotRunning = errors.New("arbiter is not running")
	// ErrUnknownWorker is returned for a pid the arbiter does not manage.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Phase is where a worker is in its life.
type Phase string

const (
	PhaseBooting  Phase = "booting"
	PhaseRunning  Phase = "running"
	PhaseRetiring Phase = "retiring"
)

// WorkerState is a snapshot of one worker.
type WorkerState struct {
	PID          int           `json:"pid"`
	Age          int           `json:"age"`
	Phase        Phase         `json:"phase"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"uptime"`
	Requests     int64         `json:"requests"`
	InFlight     int64         `json:"in_flight"`
	RequestLimit int           `json:"request_limit"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
	RetireReason string        `json:"retire_reason,omitempty"`
}

type managedWorker struct {
	pid   int
	age   int
	cmd   *exec.Cmd
	hb    *heartbeat.File
	conn  *transport.Conn
	state WorkerState

	killedAt time.Time
}

type exitEvent struct {
	pid      int
	exitCode int
	err      error
}

// outcome labels how a worker ended, for metrics.
func (e exitEvent) outcome() string {
	switch {
	case e.err == nil:
		return "clean"
	case e.exitCode == -1:
		return "signaled"
	default:
		return "error"
	}
}

type controlKind int

const (
	ctlReload controlKind = iota
	ctlScale
	ctlRecycle
	ctlStop
)

type control struct {
	kind     controlKind
	delta    int
	pid      int
	graceful bool
	reply    chan controlReply
}

type controlReply struct {
	target int
	err    error
}
