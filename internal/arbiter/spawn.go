package arbiter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/protocol"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
)

// spawn starts one worker process. The worker inherits the listener as fd 3
// and its end of the report socket as fd 4.
func (a *Arbiter) spawn() error {
	a.mu.Lock()
	a.nextAge++
	age := a.nextAge
	cfg := a.cfg
	lnFile := a.lnFile
	a.mu.Unlock()

	exe := a.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}

	raw, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode worker config: %w", err)
	}

	hb, err := heartbeat.Create(cfg.WorkerTmpDir, cfg.ProcName+"-"+strconv.Itoa(age))
	if err != nil {
		return err
	}

	parentEnd, childEnd, err := socketPair()
	if err != nil {
		_ = hb.Remove()
		return err
	}
	conn, err := net.FileConn(parentEnd)
	_ = parentEnd.Close()
	if err != nil {
		_ = childEnd.Close()
		_ = hb.Remove()
		return fmt.Errorf("report socket: %w", err)
	}

	// argv[0] is what shows up in the process table
	cmd := &exec.Cmd{
		Path: exe,
		Args: append([]string{cfg.ProcName + ": worker"}, a.opts.Args...),
		Env: append(append(os.Environ(), a.opts.Env...),
			protocol.EnvConfig+"="+string(raw),
			protocol.EnvHeartbeat+"="+hb.Path(),
			protocol.EnvParentPID+"="+strconv.Itoa(os.Getpid()),
			protocol.EnvAge+"="+strconv.Itoa(age),
		),
		ExtraFiles: []*os.File{lnFile, childEnd},
		// Put the worker into its own process group (Unix)
		SysProcAttr: &syscall.SysProcAttr{Setpgid: true},
	}

	cleanup := func() {
		_ = childEnd.Close()
		_ = conn.Close()
		_ = hb.Remove()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return err
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("start worker: %w", err)
	}
	_ = childEnd.Close()

	w := &managedWorker{
		pid:  cmd.Process.Pid,
		age:  age,
		cmd:  cmd,
		hb:   hb,
		conn: transport.NewConn(conn),
		state: WorkerState{
			PID:       cmd.Process.Pid,
			Age:       age,
			Phase:     PhaseBooting,
			StartedAt: time.Now(),
		},
	}

	a.mu.Lock()
	a.workers[w.pid] = w
	alive := len(a.workers)
	a.mu.Unlock()

	a.m.Spawns.Inc()
	a.m.WorkersAlive.Set(float64(alive))
	a.log.Info("booting worker", zap.Int("pid", w.pid), zap.Int("age", age))

	a.wg.Add(1)
	go a.reap(w, stdout, stderr)
	go a.readReports(w)
	return nil
}

func socketPair() (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err == nil {
		syscall.CloseOnExec(fds[0])
		syscall.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "report-parent"), os.NewFile(uintptr(fds[1]), "report-child"), nil
}

// reap drains the worker's output, waits for it and reports the exit.
func (a *Arbiter) reap(w *managedWorker, stdout, stderr io.Reader) {
	defer a.wg.Done()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() { defer pipes.Done(); copyLines(stdout, a.accessOut) }()
	go func() { defer pipes.Done(); copyLines(stderr, a.errorOut) }()
	pipes.Wait()

	err := w.cmd.Wait()
	exitCode := 0
	if err != nil {
		// best-effort exit code extraction
		if ee := new(exec.ExitError); errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				exitCode = ws.ExitStatus()
			} else {
				exitCode = 1
			}
		} else {
			exitCode = 1
		}
	}

	select {
	case a.exits <- exitEvent{pid: w.pid, exitCode: exitCode, err: err}:
	case <-a.done:
		// Run has returned; nobody is left to forget the worker
		_ = w.hb.Remove()
		_ = w.conn.Close()
	}
}

// copyLines forwards whole lines so output from several workers does not
// interleave mid-line.
func copyLines(r io.Reader, w io.Writer) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			_, _ = w.Write(line)
		}
		if err != nil {
			return
		}
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// handleExit forgets a dead worker. Boot and app-load failures are returned
// so Run can halt.
func (a *Arbiter) handleExit(ev exitEvent) error {
	a.mu.Lock()
	w, ok := a.workers[ev.pid]
	delete(a.workers, ev.pid)
	alive := len(a.workers)
	var (
		phase  Phase
		reason string
		killed bool
	)
	if ok {
		phase, reason, killed = w.state.Phase, w.state.RetireReason, !w.killedAt.IsZero()
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	_ = w.hb.Remove()
	_ = w.conn.Close()
	a.m.Exits.WithLabelValues(ev.outcome()).Inc()
	a.m.WorkersAlive.Set(float64(alive))
	a.updateInFlight()

	fields := []zap.Field{zap.Int("pid", ev.pid), zap.Int("age", w.age), zap.Int("exit_code", ev.exitCode)}
	switch {
	case ev.err == nil || phase == PhaseRetiring:
		a.log.Info("worker exited", append(fields, zap.String("reason", reason))...)
	case killed:
		a.log.Warn("killed worker exited", fields...)
	default:
		a.log.Error("worker exited unexpectedly", append(fields, zap.Error(ev.err))...)
	}

	switch ev.exitCode {
	case protocol.ExitBootError:
		return fmt.Errorf("%w (pid %d)", ErrWorkerBoot, ev.pid)
	case protocol.ExitAppLoadError:
		return fmt.Errorf("%w (pid %d)", ErrAppLoad, ev.pid)
	}
	return nil
}

// readReports applies the worker's status reports until its socket closes.
func (a *Arbiter) readReports(w *managedWorker) {
	for {
		msg, err := w.conn.Recv()
		if err != nil {
			return
		}
		if err := msg.ValidateBasic(); err != nil {
			a.log.Debug("invalid report", zap.Int("pid", w.pid), zap.Error(err))
			continue
		}
		if err := a.applyReport(w, msg); err != nil {
			a.log.Debug("bad report", zap.Int("pid", w.pid), zap.Error(err))
		}
	}
}

func (a *Arbiter) applyReport(w *managedWorker, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindBoot:
		var p protocol.BootPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.mu.Lock()
		w.state.RequestLimit = p.RequestLimit
		if w.state.Phase == PhaseBooting {
			w.state.Phase = PhaseRunning
		}
		a.mu.Unlock()

	case protocol.KindStatus:
		var p protocol.StatusPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.mu.Lock()
		delta := p.Requests - w.state.Requests
		w.state.Requests = p.Requests
		w.state.InFlight = p.InFlight
		a.mu.Unlock()
		if delta > 0 {
			a.m.Requests.Add(float64(delta))
		}
		a.updateInFlight()

	case protocol.KindRetiring:
		var p protocol.RetiringPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		a.mu.Lock()
		w.state.Phase = PhaseRetiring
		w.state.RetireReason = p.Reason
		a.mu.Unlock()
		a.log.Info("worker retiring", zap.Int("pid", w.pid), zap.String("reason", p.Reason), zap.Int64("requests", p.Requests))
	}
	return nil
}

func (a *Arbiter) updateInFlight() {
	a.mu.Lock()
	var n int64
	for _, w := range a.workers {
		n += w.state.InFlight
	}
	a.mu.Unlock()
	a.m.InFlight.Set(float64(n))
}
