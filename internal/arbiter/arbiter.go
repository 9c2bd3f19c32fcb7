// Package arbiter supervises the worker processes: it owns the listening
// socket, keeps the pool at its target size, kills workers whose heartbeat
// goes stale and recycles workers that outlive max_worker_lifetime.
package arbiter

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ganeshk79/Disease-Detection/internal/app"
	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/metrics"
)

// Options configures an Arbiter.
type Options struct {
	Config config.ServerConfiguration

	// Reload produces the configuration applied on Reload. Nil reuses the
	// current one, which still recycles every worker.
	Reload func() (config.ServerConfiguration, error)

	// Executable and Args start a worker; Args follow argv[0].
	Executable string
	Args       []string
	Env        []string

	// Listener is used instead of binding Config.Bind when set.
	Listener net.Listener

	Log       *zap.Logger
	AccessOut io.Writer // worker stdout
	ErrorOut  io.Writer // worker stderr
	Metrics   *metrics.Metrics
}

// Arbiter is the master process of the worker pool.
type Arbiter struct {
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	mu      sync.Mutex
	cfg     config.ServerConfiguration
	workers map[int]*managedWorker
	target  int
	nextAge int
	running bool

	ln     net.Listener
	lnFile *os.File

	accessOut io.Writer
	errorOut  io.Writer

	exits chan exitEvent
	ctl   chan control
	wg    sync.WaitGroup

	// done closes when Run returns so late reapers do not block on exits
	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) *Arbiter {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.AccessOut == nil {
		opts.AccessOut = io.Discard
	}
	if opts.ErrorOut == nil {
		opts.ErrorOut = io.Discard
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New("arbiter")
	}

	return &Arbiter{
		opts:    opts,
		log:     opts.Log.Named("arbiter"),
		m:       opts.Metrics,
		cfg:     opts.Config,
		target:  opts.Config.Workers,
		workers: map[int]*managedWorker{},
		exits:   make(chan exitEvent, 16),
		ctl:     make(chan control),
		done:    make(chan struct{}),

		accessOut: &lockedWriter{w: opts.AccessOut},
		errorOut:  &lockedWriter{w: opts.ErrorOut},
	}
}

// Run binds, starts the workers and supervises them until ctx is cancelled
// (graceful stop), Stop is called, or a worker reports a boot failure.
func (a *Arbiter) Run(ctx context.Context) error {
	cfg := a.Config()

	if cfg.PreloadApp {
		if _, err := app.Load(cfg.App, a.log); err != nil {
			return fmt.Errorf("preload app: %w", err)
		}
		a.log.Debug("application preloaded")
	}

	if err := a.bind(cfg); err != nil {
		return err
	}
	defer a.closeListener()

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer func() { _ = os.Remove(cfg.PidFile) }()
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		a.doneOnce.Do(func() { close(a.done) })
	}()

	a.log.Info("starting",
		zap.String("proc_name", cfg.ProcName),
		zap.String("listening", a.ln.Addr().String()),
		zap.Int("pid", os.Getpid()),
		zap.String("worker_class", string(cfg.WorkerClass)),
		zap.Int("workers", cfg.Workers),
	)
	a.m.WorkersTarget.Set(float64(a.target))

	if err := a.manageWorkers(); err != nil {
		a.stopAll(false)
		return err
	}

	tick := time.NewTicker(a.monitorInterval())
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("shutting down", zap.String("reason", "context done"))
			a.stopAll(true)
			return nil

		case ev := <-a.exits:
			if herr := a.handleExit(ev); herr != nil {
				a.log.Error("halting", zap.Error(herr))
				a.stopAll(false)
				return herr
			}
			if err := a.manageWorkers(); err != nil {
				a.stopAll(false)
				return err
			}

		case c := <-a.ctl:
			if c.kind == ctlStop {
				a.log.Info("shutting down", zap.Bool("graceful", c.graceful))
				a.stopAll(c.graceful)
				c.reply <- controlReply{}
				return nil
			}
			c.reply <- a.handleControl(c)

		case <-tick.C:
			a.murderWorkers()
			a.recycleExpired()
			if err := a.manageWorkers(); err != nil {
				a.stopAll(false)
				return err
			}
		}
	}
}

// Config returns the configuration currently applied.
func (a *Arbiter) Config() config.ServerConfiguration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Addr is the bound address, nil before Run binds.
func (a *Arbiter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Workers lists every live worker, oldest first.
func (a *Arbiter) Workers() []WorkerState {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]WorkerState, 0, len(a.workers))
	for _, w := range a.workers {
		out = append(out, a.snapshot(w, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Age < out[j].Age })
	return out
}

// Worker returns one worker's state.
func (a *Arbiter) Worker(pid int) (WorkerState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[pid]
	if !ok {
		return WorkerState{}, false
	}
	return a.snapshot(w, time.Now()), true
}

// Target is the desired number of workers.
func (a *Arbiter) Target() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

func (a *Arbiter) snapshot(w *managedWorker, now time.Time) WorkerState {
	st := w.state
	st.Uptime = now.Sub(st.StartedAt)
	if age, err := w.hb.Age(now); err == nil {
		st.HeartbeatAge = age
	}
	return st
}

// Reload re-reads the configuration and recycles every worker.
func (a *Arbiter) Reload() error {
	_, err := a.send(control{kind: ctlReload})
	return err
}

// Scale changes the target worker count by delta and returns the new
// target. The target never drops below one.
func (a *Arbiter) Scale(delta int) (int, error) {
	return a.send(control{kind: ctlScale, delta: delta})
}

// Recycle gracefully replaces one worker.
func (a *Arbiter) Recycle(pid int) error {
	_, err := a.send(control{kind: ctlRecycle, pid: pid})
	return err
}

// Stop shuts the pool down and makes Run return. Graceful stops give
// workers graceful_timeout to finish their requests.
func (a *Arbiter) Stop(graceful bool) error {
	_, err := a.send(control{kind: ctlStop, graceful: graceful})
	return err
}

func (a *Arbiter) send(c control) (int, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return 0, ErrNotRunning
	}

	c.reply = make(chan controlReply, 1)
	select {
	case a.ctl <- c:
	case <-time.After(5 * time.Second):
		return 0, ErrNotRunning
	}
	r := <-c.reply
	return r.target, r.err
}

func (a *Arbiter) handleControl(c control) controlReply {
	switch c.kind {
	case ctlReload:
		return controlReply{err: a.reload()}

	case ctlScale:
		a.mu.Lock()
		a.target += c.delta
		if a.target < 1 {
			a.target = 1
		}
		target := a.target
		a.mu.Unlock()
		a.m.WorkersTarget.Set(float64(target))
		a.log.Info("scaling workers", zap.Int("delta", c.delta), zap.Int("target", target))
		if err := a.manageWorkers(); err != nil {
			return controlReply{target: target, err: err}
		}
		return controlReply{target: target}

	case ctlRecycle:
		a.mu.Lock()
		_, ok := a.workers[c.pid]
		a.mu.Unlock()
		if !ok {
			return controlReply{err: fmt.Errorf("%w: %d", ErrUnknownWorker, c.pid)}
		}
		a.retire(c.pid, "recycle")
		return controlReply{err: a.manageWorkers()}
	}
	return controlReply{err: fmt.Errorf("unknown control %d", c.kind)}
}

func (a *Arbiter) reload() error {
	cfg := a.Config()
	if a.opts.Reload != nil {
		next, err := a.opts.Reload()
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		if next.Bind != cfg.Bind {
			a.log.Warn("bind changes need a restart; keeping the current listener",
				zap.String("current", cfg.Bind), zap.String("requested", next.Bind))
			next.Bind = cfg.Bind
		}
		cfg = next
	}

	if cfg.PreloadApp {
		if _, err := app.Load(cfg.App, a.log); err != nil {
			return fmt.Errorf("preload app: %w", err)
		}
	}

	a.mu.Lock()
	a.cfg = cfg
	a.target = cfg.Workers
	pids := make([]int, 0, len(a.workers))
	for pid := range a.workers {
		pids = append(pids, pid)
	}
	a.mu.Unlock()

	a.m.WorkersTarget.Set(float64(cfg.Workers))
	a.log.Info("reloading", zap.Int("workers", cfg.Workers))

	for _, pid := range pids {
		a.retire(pid, "reload")
	}
	return a.manageWorkers()
}

func (a *Arbiter) bind(cfg config.ServerConfiguration) error {
	ln := a.opts.Listener
	if ln == nil {
		network, addr, err := config.SplitBind(cfg.Bind)
		if err != nil {
			return err
		}
		if network == "unix" {
			_ = os.Remove(addr)
		}
		ln, err = net.Listen(network, addr)
		if err != nil {
			return fmt.Errorf("bind %s: %w", cfg.Bind, err)
		}
	}

	fl, ok := ln.(interface{ File() (*os.File, error) })
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("listener %T cannot be shared with workers", ln)
	}
	f, err := fl.File()
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listener file: %w", err)
	}

	a.mu.Lock()
	a.ln = ln
	a.lnFile = f
	a.mu.Unlock()
	return nil
}

func (a *Arbiter) closeListener() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lnFile != nil {
		_ = a.lnFile.Close()
	}
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Arbiter) monitorInterval() time.Duration {
	d := a.Config().TimeoutDuration() / 4
	if d <= 0 || d > time.Second {
		d = time.Second
	}
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// stopAll signals every worker, waits up to graceful_timeout for them to
// exit, then kills what is left.
func (a *Arbiter) stopAll(graceful bool) {
	sig := syscall.SIGQUIT
	if graceful {
		sig = syscall.SIGTERM
	}

	a.mu.Lock()
	pids := make([]int, 0, len(a.workers))
	for pid := range a.workers {
		pids = append(pids, pid)
	}
	grace := a.cfg.GracefulTimeoutDuration()
	a.mu.Unlock()

	for _, pid := range pids {
		a.kill(pid, sig, "stop")
	}

	if a.waitExits(grace) {
		a.wg.Wait()
		return
	}

	a.mu.Lock()
	left := make([]int, 0, len(a.workers))
	for pid := range a.workers {
		left = append(left, pid)
	}
	a.mu.Unlock()
	for _, pid := range left {
		a.log.Warn("graceful timeout exceeded, killing worker", zap.Int("pid", pid))
		a.kill(pid, syscall.SIGKILL, "stop_timeout")
	}

	if !a.waitExits(5 * time.Second) {
		a.log.Error("workers did not exit after SIGKILL", zap.Int("left", a.liveCount()))
		return
	}
	a.wg.Wait()
}

// waitExits reaps exit events until no worker is left or d elapses.
func (a *Arbiter) waitExits(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for a.liveCount() > 0 {
		select {
		case ev := <-a.exits:
			_ = a.handleExit(ev)
		case <-timer.C:
			return false
		}
	}
	return true
}

func (a *Arbiter) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.workers)
}

func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile %q: %w", path, err)
	}
	return nil
}
