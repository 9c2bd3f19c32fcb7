// Package worker runs one worker process: it serves the application on the
// listener inherited from the arbiter, keeps its heartbeat fresh, and
// retires itself after its request budget.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/protocol"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
)

// Options wires a worker to its process environment.
type Options struct {
	Config    config.ServerConfiguration
	Listener  net.Listener
	Handler   http.Handler
	Heartbeat *heartbeat.File // optional
	Report    *transport.Conn // optional
	ParentPID int             // 0 skips the orphan check
	Log       *zap.Logger
	Access    *zap.Logger
	Rand      *rand.Rand // optional, seeds the request jitter
}

// Worker serves HTTP until it is stopped or has served its request limit.
type Worker struct {
	cfg    config.ServerConfiguration
	ln     net.Listener
	srv    *http.Server
	hb     *heartbeat.File
	report *transport.Conn
	ppid   int
	pid    int
	log    *zap.Logger

	tracker *tracker
	limit   int

	quitOnce sync.Once
	quit     chan struct{}
}

func New(opts Options) *Worker {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid())))
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	access := opts.Access
	if access == nil {
		access = zap.NewNop()
	}

	cfg := opts.Config
	limit := RequestLimit(cfg.MaxRequests, cfg.MaxRequestsJitter, rnd)

	// A sync worker holds one connection at a time; queued clients stay in
	// the kernel backlog where sibling workers can accept them.
	conns := cfg.WorkerConnections
	if cfg.WorkerClass == config.WorkerSync {
		conns = 1
	}

	w := &Worker{
		cfg:     cfg,
		ln:      netutil.LimitListener(opts.Listener, conns),
		hb:      opts.Heartbeat,
		report:  opts.Report,
		ppid:    opts.ParentPID,
		pid:     os.Getpid(),
		log:     log,
		tracker: newTracker(limit),
		limit:   limit,
		quit:    make(chan struct{}),
	}

	// request age counts handler time only, not time queued at the gate
	h := w.tracker.middleware(opts.Handler)
	if cfg.WorkerClass == config.WorkerSync {
		h = serialize(h)
	}
	h = accessLog(access, w.pid)(h)

	w.srv = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       cfg.KeepaliveDuration(),
		ErrorLog:          zap.NewStdLog(log),
	}
	if cfg.Keepalive <= 0 || cfg.WorkerClass == config.WorkerSync {
		w.srv.SetKeepAlivesEnabled(false)
	}
	return w
}

// RequestLimit is the jittered number of requests this worker will serve;
// zero means no limit.
func (w *Worker) RequestLimit() int { return w.limit }

// Served is the number of completed requests.
func (w *Worker) Served() int64 { return w.tracker.Served() }

// Quit stops the worker without draining in-flight requests.
func (w *Worker) Quit() {
	w.quitOnce.Do(func() { close(w.quit) })
}

// Run serves until ctx is cancelled (graceful stop), Quit is called, the
// request limit is reached, or the parent process goes away.
func (w *Worker) Run(ctx context.Context) error {
	w.beat()
	w.send(protocol.NewBoot(w.pid, protocol.BootPayload{RequestLimit: w.limit}))
	w.log.Info("booting worker",
		zap.Int("pid", w.pid),
		zap.String("class", string(w.cfg.WorkerClass)),
		zap.Int("request_limit", w.limit),
	)

	g, gctx := errgroup.WithContext(ctx)
	stopping := make(chan struct{})

	g.Go(func() error {
		err := w.srv.Serve(w.ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		w.loop(stopping)
		return nil
	})

	g.Go(func() error {
		defer close(stopping)

		graceful := true
		select {
		case <-gctx.Done():
			w.log.Info("worker exiting", zap.Int("pid", w.pid))
		case <-w.tracker.Retire():
			w.log.Info("autorestarting worker after current request",
				zap.Int("pid", w.pid),
				zap.Int64("requests", w.tracker.Served()),
			)
			w.send(protocol.NewRetiring(w.pid, protocol.RetiringPayload{Reason: "max_requests", Requests: w.tracker.Served()}))
		case <-w.orphaned(stopping):
			w.log.Info("parent changed, shutting down", zap.Int("pid", w.pid))
		case <-w.quit:
			graceful = false
		}

		if !graceful {
			return w.srv.Close()
		}
		return w.shutdown()
	})

	err := g.Wait()
	w.sendStatus()
	return err
}

func (w *Worker) shutdown() error {
	grace := w.cfg.GracefulTimeoutDuration()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.srv.Shutdown(ctx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			w.log.Warn("graceful timeout exceeded, closing connections", zap.Int("pid", w.pid))
			return w.srv.Close()
		}
		return err
	case <-w.quit:
		return w.srv.Close()
	}
}

// loop keeps the heartbeat fresh and reports status until stopping closes,
// which includes the drain period.
func (w *Worker) loop(stopping <-chan struct{}) {
	t := time.NewTicker(w.beatInterval())
	defer t.Stop()

	for {
		select {
		case <-t.C:
			w.beat()
			w.sendStatus()
		case <-stopping:
			return
		}
	}
}

func (w *Worker) beatInterval() time.Duration {
	d := w.cfg.TimeoutDuration() / 4
	if d <= 0 || d > time.Second {
		d = time.Second
	}
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// beat touches the heartbeat unless a request has been running longer than
// the timeout, in which case the heartbeat is left to go stale.
func (w *Worker) beat() {
	if w.hb == nil {
		return
	}
	now := time.Now()
	if timeout := w.cfg.TimeoutDuration(); timeout > 0 && w.tracker.Oldest(now) > timeout {
		return
	}
	if err := w.hb.Touch(now); err != nil {
		w.log.Warn("heartbeat failed", zap.String("path", w.hb.Path()), zap.Error(err))
	}
}

func (w *Worker) orphaned(stop <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{})
	if w.ppid == 0 {
		return ch
	}
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if os.Getppid() != w.ppid {
					close(ch)
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return ch
}

func (w *Worker) sendStatus() {
	w.send(protocol.NewStatus(w.pid, protocol.StatusPayload{
		Requests: w.tracker.Served(),
		InFlight: w.tracker.InFlight(),
	}))
}

func (w *Worker) send(msg protocol.Message, err error) {
	if w.report == nil {
		return
	}
	if err != nil {
		w.log.Debug("encode report", zap.Error(err))
		return
	}
	if err := w.report.Send(msg, time.Second); err != nil {
		w.log.Debug("report to arbiter failed", zap.Error(err))
	}
}
