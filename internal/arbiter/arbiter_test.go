package arbiter

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/protocol"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
	"github.com/ganeshk79/Disease-Detection/internal/worker"
)

const helperEnv = "ARBITER_HELPER_WORKER"

// TestHelperWorkerProcess is not a real test: it is the worker process the
// integration tests below spawn by re-executing the test binary.
func TestHelperWorkerProcess(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "":
		return
	case "boot-error":
		os.Exit(protocol.ExitBootError)
	case "app-error":
		os.Exit(protocol.ExitAppLoadError)
	case "hang":
		// never touches its heartbeat
		select {}
	default:
		os.Exit(worker.Main())
	}
}

func testConfig(t *testing.T) config.ServerConfiguration {
	cfg := config.Default()
	cfg.Workers = 2
	cfg.Timeout = 5
	cfg.GracefulTimeout = 5
	cfg.MaxRequests = 0
	cfg.MaxRequestsJitter = 0
	cfg.MaxWorkerLifetime = 0
	cfg.PreloadApp = false
	cfg.WorkerTmpDir = t.TempDir()
	cfg.AccessLog = ""
	cfg.Bind = "127.0.0.1:0"
	return cfg
}

func newTestArbiter(t *testing.T, cfg config.ServerConfiguration, mode string) *Arbiter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	return New(Options{
		Config:     cfg,
		Executable: os.Args[0],
		Args:       []string{"-test.run=^TestHelperWorkerProcess$"},
		Env:        []string{helperEnv + "=" + mode},
		Listener:   ln,
	})
}

func running(a *Arbiter, n int) func() bool {
	return func() bool {
		ws := a.Workers()
		if len(ws) != n {
			return false
		}
		for _, w := range ws {
			if w.Phase != PhaseRunning {
				return false
			}
		}
		return true
	}
}

func TestArbiterLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	a := newTestArbiter(t, testConfig(t), "serve")
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, running(a, 2), 15*time.Second, 50*time.Millisecond)

	res, err := http.Get("http://" + a.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "ok", string(body))

	target, err := a.Scale(1)
	require.NoError(t, err)
	assert.Equal(t, 3, target)
	require.Eventually(t, running(a, 3), 15*time.Second, 50*time.Millisecond)

	victim := a.Workers()[0].PID
	require.NoError(t, a.Recycle(victim))
	require.Eventually(t, func() bool {
		_, alive := a.Worker(victim)
		return !alive && running(a, 3)()
	}, 15*time.Second, 50*time.Millisecond)

	assert.ErrorIs(t, a.Recycle(1), ErrUnknownWorker)

	require.NoError(t, a.Stop(true))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("arbiter did not stop")
	}
	assert.Empty(t, a.Workers())
	assert.ErrorIs(t, a.Reload(), ErrNotRunning)
}

func TestArbiterHaltsOnBootError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	cfg := testConfig(t)
	cfg.Workers = 1
	a := newTestArbiter(t, cfg, "boot-error")

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWorkerBoot)
	case <-time.After(15 * time.Second):
		t.Fatal("arbiter kept respawning a worker that cannot boot")
	}
}

func TestArbiterHaltsOnAppLoadError(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	cfg := testConfig(t)
	cfg.Workers = 1
	a := newTestArbiter(t, cfg, "app-error")

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAppLoad)
	case <-time.After(15 * time.Second):
		t.Fatal("arbiter kept respawning a worker whose app cannot load")
	}
}

func pids(a *Arbiter) []int {
	var out []int
	for _, w := range a.Workers() {
		out = append(out, w.PID)
	}
	return out
}

// replaced reports whether none of old is alive and want workers are up.
func replaced(a *Arbiter, old []int, want int) func() bool {
	return func() bool {
		for _, pid := range old {
			if _, alive := a.Worker(pid); alive {
				return false
			}
		}
		return len(a.Workers()) == want
	}
}

func runArbiter(t *testing.T, a *Arbiter) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = a.Stop(false)
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("arbiter did not stop")
		}
	})
}

func TestArbiterKillsWorkerWithStaleHeartbeat(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	cfg := testConfig(t)
	cfg.Workers = 1
	cfg.Timeout = 1
	a := newTestArbiter(t, cfg, "hang")
	runArbiter(t, a)

	require.Eventually(t, func() bool { return len(a.Workers()) == 1 }, 15*time.Second, 20*time.Millisecond)
	first := pids(a)

	require.Eventually(t, replaced(a, first, 1), 15*time.Second, 50*time.Millisecond)
	assert.NotEqual(t, first, pids(a))
}

func TestArbiterRecyclesWorkersPastLifetime(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	cfg := testConfig(t)
	cfg.Workers = 1
	cfg.MaxWorkerLifetime = 1
	a := newTestArbiter(t, cfg, "serve")
	runArbiter(t, a)

	require.Eventually(t, running(a, 1), 15*time.Second, 50*time.Millisecond)
	first := pids(a)

	// replacements expire too, so only require the first one gone while
	// the pool stays populated
	require.Eventually(t, func() bool {
		_, alive := a.Worker(first[0])
		return !alive && len(a.Workers()) > 0
	}, 15*time.Second, 50*time.Millisecond)
}

func TestArbiterReloadReplacesEveryWorker(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	a := newTestArbiter(t, testConfig(t), "serve")
	runArbiter(t, a)

	require.Eventually(t, running(a, 2), 15*time.Second, 50*time.Millisecond)
	old := pids(a)

	require.NoError(t, a.Reload())
	require.Eventually(t, replaced(a, old, 2), 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, running(a, 2), 15*time.Second, 50*time.Millisecond)
	for _, pid := range pids(a) {
		assert.NotContains(t, old, pid)
	}
}

func TestArbiterPreloadFailsFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.PreloadApp = true
	cfg.App.StaticDir = t.TempDir() // no index.html

	err := New(Options{Config: cfg}).Run(context.Background())
	assert.ErrorContains(t, err, "preload app")
}

func fakeWorker(t *testing.T, a *Arbiter, pid, age int, started time.Time, beat time.Time) *managedWorker {
	t.Helper()
	hb, err := heartbeat.Create(t.TempDir(), "fake")
	require.NoError(t, err)
	require.NoError(t, hb.Touch(beat))

	w := &managedWorker{
		pid: pid,
		age: age,
		hb:  hb,
		state: WorkerState{
			PID:       pid,
			Age:       age,
			Phase:     PhaseRunning,
			StartedAt: started,
		},
	}
	a.workers[pid] = w
	return w
}

func TestStaleWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 30
	a := New(Options{Config: cfg})

	now := time.Now().Truncate(time.Second)
	fakeWorker(t, a, 101, 1, now, now.Add(-10*time.Second))
	fakeWorker(t, a, 102, 2, now, now.Add(-31*time.Second))
	killed := fakeWorker(t, a, 103, 3, now, now.Add(-time.Hour))
	killed.killedAt = now

	assert.Equal(t, []int{102}, a.staleWorkers(now))

	a.cfg.Timeout = 0
	assert.Empty(t, a.staleWorkers(now))
}

func TestExpiredWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWorkerLifetime = 1800
	a := New(Options{Config: cfg})

	now := time.Now()
	fakeWorker(t, a, 201, 1, now.Add(-31*time.Minute), now)
	fakeWorker(t, a, 202, 2, now.Add(-5*time.Minute), now)
	retiring := fakeWorker(t, a, 203, 3, now.Add(-time.Hour), now)
	retiring.state.Phase = PhaseRetiring

	assert.Equal(t, []int{201}, a.expiredWorkers(now))

	a.cfg.MaxWorkerLifetime = 0
	assert.Empty(t, a.expiredWorkers(now))
}

func TestActiveOrdersOldestFirst(t *testing.T) {
	a := New(Options{Config: testConfig(t)})
	now := time.Now()
	fakeWorker(t, a, 303, 3, now, now)
	fakeWorker(t, a, 301, 1, now, now)
	fakeWorker(t, a, 302, 2, now, now).state.Phase = PhaseRetiring

	active := a.activeLocked()
	require.Len(t, active, 2)
	assert.Equal(t, 301, active[0].pid)
	assert.Equal(t, 303, active[1].pid)
}

func TestApplyReport(t *testing.T) {
	a := New(Options{Config: testConfig(t)})
	now := time.Now()
	w := fakeWorker(t, a, 401, 1, now, now)
	w.state.Phase = PhaseBooting

	boot, err := protocol.NewBoot(401, protocol.BootPayload{RequestLimit: 110})
	require.NoError(t, err)
	require.NoError(t, a.applyReport(w, boot))

	status, err := protocol.NewStatus(401, protocol.StatusPayload{Requests: 7, InFlight: 1})
	require.NoError(t, err)
	require.NoError(t, a.applyReport(w, status))

	st, ok := a.Worker(401)
	require.True(t, ok)
	assert.Equal(t, PhaseRunning, st.Phase)
	assert.Equal(t, 110, st.RequestLimit)
	assert.EqualValues(t, 7, st.Requests)
	assert.EqualValues(t, 1, st.InFlight)

	retiring, err := protocol.NewRetiring(401, protocol.RetiringPayload{Reason: "max_requests", Requests: 110})
	require.NoError(t, err)
	require.NoError(t, a.applyReport(w, retiring))
	st, _ = a.Worker(401)
	assert.Equal(t, PhaseRetiring, st.Phase)
	assert.Equal(t, "max_requests", st.RetireReason)
}

func TestExitOutcome(t *testing.T) {
	assert.Equal(t, "clean", exitEvent{}.outcome())
	assert.Equal(t, "signaled", exitEvent{exitCode: -1, err: io.EOF}.outcome())
	assert.Equal(t, "error", exitEvent{exitCode: 2, err: io.EOF}.outcome())
}

func TestHandleExitWhileReportsArrive(t *testing.T) {
	a := New(Options{Config: testConfig(t)})
	now := time.Now()
	w := fakeWorker(t, a, 501, 1, now, now)
	p1, p2 := net.Pipe()
	defer p2.Close()
	w.conn = transport.NewConn(p1)

	retiring, err := protocol.NewRetiring(501, protocol.RetiringPayload{Reason: "max_requests"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = a.applyReport(w, retiring)
		}
	}()
	assert.NoError(t, a.handleExit(exitEvent{pid: 501}))
	wg.Wait()

	_, alive := a.Worker(501)
	assert.False(t, alive)
}

func TestReapDoesNotBlockAfterRunReturns(t *testing.T) {
	a := New(Options{Config: testConfig(t)})
	for len(a.exits) < cap(a.exits) {
		a.exits <- exitEvent{pid: -1}
	}
	a.doneOnce.Do(func() { close(a.done) })

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperWorkerProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"=boot-error")
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	hb, err := heartbeat.Create(t.TempDir(), "late")
	require.NoError(t, err)
	p1, p2 := net.Pipe()
	defer p2.Close()
	w := &managedWorker{pid: cmd.Process.Pid, cmd: cmd, hb: hb, conn: transport.NewConn(p1)}

	a.wg.Add(1)
	go a.reap(w, stdout, stderr)

	reaped := make(chan struct{})
	go func() { a.wg.Wait(); close(reaped) }()
	select {
	case <-reaped:
	case <-time.After(15 * time.Second):
		t.Fatal("reaper blocked on a full exit queue")
	}
	_, err = os.Stat(hb.Path())
	assert.True(t, os.IsNotExist(err))
}
