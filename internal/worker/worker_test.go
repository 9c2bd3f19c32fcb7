package worker

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ganeshk79/Disease-Detection/internal/config"
	"github.com/ganeshk79/Disease-Detection/internal/heartbeat"
	"github.com/ganeshk79/Disease-Detection/internal/protocol"
	"github.com/ganeshk79/Disease-Detection/internal/transport"
)

func testConfig() config.ServerConfiguration {
	cfg := config.Default()
	cfg.MaxRequests = 0
	cfg.MaxRequestsJitter = 0
	cfg.GracefulTimeout = 2
	cfg.Timeout = 1
	return cfg
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

type reports struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *reports) kinds() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Kind, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

// reportPipe returns the worker end of a report channel and collects what
// arrives on the other end.
func reportPipe(t *testing.T) (*transport.Conn, *reports) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	got := &reports{}
	go func() {
		rc := transport.NewConn(b)
		for {
			m, err := rc.Recv()
			if err != nil {
				return
			}
			got.mu.Lock()
			got.msgs = append(got.msgs, m)
			got.mu.Unlock()
		}
	}()
	return transport.NewConn(a), got
}

func startWorker(t *testing.T, opts Options) (*Worker, string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	opts.Listener = ln

	w := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		w.Quit()
	})
	return w, "http://" + ln.Addr().String(), cancel, done
}

func client() *http.Client {
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func TestRequestLimit(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))

	assert.Equal(t, 0, RequestLimit(0, 20, rnd))
	assert.Equal(t, 100, RequestLimit(100, 0, rnd))

	for i := 0; i < 500; i++ {
		n := RequestLimit(100, 20, rnd)
		assert.GreaterOrEqual(t, n, 100)
		assert.LessOrEqual(t, n, 120)
	}
}

func TestTrackerOldest(t *testing.T) {
	tr := newTracker(0)
	base := time.Now()

	tr.now = func() time.Time { return base }
	first := tr.begin()
	tr.now = func() time.Time { return base.Add(5 * time.Second) }
	tr.begin()

	assert.Equal(t, 10*time.Second, tr.Oldest(base.Add(10*time.Second)))
	assert.EqualValues(t, 2, tr.InFlight())

	tr.end(first)
	assert.Equal(t, 5*time.Second, tr.Oldest(base.Add(10*time.Second)))
	assert.EqualValues(t, 1, tr.Served())
}

func TestTrackerRetiresAtLimit(t *testing.T) {
	tr := newTracker(2)
	tr.end(tr.begin())

	select {
	case <-tr.Retire():
		t.Fatal("retired early")
	default:
	}

	tr.end(tr.begin())
	tr.end(tr.begin())
	select {
	case <-tr.Retire():
	default:
		t.Fatal("expected retire")
	}
}

func TestWorkerRetiresAfterMaxRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequests = 3

	report, got := reportPipe(t)
	hb, err := heartbeat.Create(t.TempDir(), "worker")
	require.NoError(t, err)

	w, url, _, done := startWorker(t, Options{
		Config:    cfg,
		Handler:   okHandler(),
		Heartbeat: hb,
		Report:    report,
	})
	assert.Equal(t, 3, w.RequestLimit())

	c := client()
	for i := 0; i < 3; i++ {
		res, err := c.Get(url + "/")
		require.NoError(t, err)
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		assert.Equal(t, "ok", string(body))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not retire")
	}
	assert.EqualValues(t, 3, w.Served())

	assert.Eventually(t, func() bool {
		kinds := got.kinds()
		return len(kinds) >= 2 && kinds[0] == protocol.KindBoot && contains(kinds, protocol.KindRetiring)
	}, 2*time.Second, 20*time.Millisecond)
}

func contains(kinds []protocol.Kind, k protocol.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func TestWorkerGracefulStop(t *testing.T) {
	_, url, cancel, done := startWorker(t, Options{Config: testConfig(), Handler: okHandler()})

	res, err := client().Get(url + "/")
	require.NoError(t, err)
	res.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerQuitDoesNotDrain(t *testing.T) {
	cfg := testConfig()
	cfg.GracefulTimeout = 30

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	w, url, _, done := startWorker(t, Options{
		Config: cfg,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
		}),
	})

	go func() {
		res, err := client().Get(url + "/")
		if err == nil {
			res.Body.Close()
		}
	}()
	<-entered

	w.Quit()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("quit waited for the in-flight request")
	}
}

func TestSyncWorkerServesOneAtATime(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerClass = config.WorkerSync

	var cur, peak atomic.Int32
	_, url, _, _ := startWorker(t, Options{
		Config: cfg,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			cur.Add(-1)
		}),
	})

	var wg sync.WaitGroup
	c := client()
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Get(url + "/")
			if err == nil {
				res.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
}

func TestSyncQueueTimeKeepsHeartbeatFresh(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerClass = config.WorkerSync
	cfg.Timeout = 1

	hb, err := heartbeat.Create(t.TempDir(), "worker")
	require.NoError(t, err)

	var longest atomic.Int64
	_, url, _, _ := startWorker(t, Options{
		Config:    cfg,
		Heartbeat: hb,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			time.Sleep(700 * time.Millisecond)
			if d := int64(time.Since(start)); d > longest.Load() {
				longest.Store(d)
			}
		}),
	})

	// three queued requests add up to more than the timeout, none alone does
	var wg sync.WaitGroup
	c := client()
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Get(url + "/")
			if err == nil {
				res.Body.Close()
			}
		}()
	}

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()

	var maxAge time.Duration
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
poll:
	for {
		select {
		case <-tick.C:
			if age, err := hb.Age(time.Now()); err == nil && age > maxAge {
				maxAge = age
			}
		case <-finished:
			break poll
		}
	}

	assert.Less(t, time.Duration(longest.Load()), cfg.TimeoutDuration())
	assert.Less(t, maxAge, cfg.TimeoutDuration(), "heartbeat went stale while requests only queued")
}

func TestStuckRequestStopsHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 1

	hb, err := heartbeat.Create(t.TempDir(), "worker")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	w := New(Options{Config: cfg, Listener: ln, Handler: okHandler(), Heartbeat: hb})

	stale := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, hb.Touch(stale))

	w.tracker.now = func() time.Time { return time.Now().Add(-2 * time.Second) }
	id := w.tracker.begin()

	w.beat()
	last, err := hb.LastBeat()
	require.NoError(t, err)
	assert.True(t, last.Equal(stale), "heartbeat must go stale while a request is stuck")

	w.tracker.end(id)
	w.beat()
	last, err = hb.LastBeat()
	require.NoError(t, err)
	assert.True(t, last.After(stale))
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	_, url, _, _ := startWorker(t, Options{
		Config:  testConfig(),
		Handler: okHandler(),
		Access:  zap.New(core),
	})

	req, err := http.NewRequest(http.MethodGet, url+"/healthz?x=1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc")
	res, err := client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "abc", res.Header.Get("X-Request-ID"))

	require.Eventually(t, func() bool { return logs.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := logs.All()[0]
	assert.Equal(t, "GET /healthz?x=1 HTTP/1.1", entry.Message)
	fields := entry.ContextMap()
	assert.EqualValues(t, 200, fields["status"])
	assert.Equal(t, "abc", fields["request_id"])
	assert.EqualValues(t, 2, fields["bytes"])
}
