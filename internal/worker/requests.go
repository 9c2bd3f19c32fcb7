package worker

import (
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RequestLimit returns how many requests a worker serves before it is
// recycled: max plus a random jitter in [0, jitter]. Zero means unlimited.
func RequestLimit(max, jitter int, rnd *rand.Rand) int {
	if max <= 0 {
		return 0
	}
	if jitter <= 0 {
		return max
	}
	return max + rnd.IntN(jitter+1)
}

// tracker counts requests and remembers when each in-flight request began.
type tracker struct {
	limit int64

	served atomic.Int64

	mu       sync.Mutex
	nextID   uint64
	inFlight map[uint64]time.Time

	retireOnce sync.Once
	retire     chan struct{}

	now func() time.Time
}

func newTracker(limit int) *tracker {
	return &tracker{
		limit:    int64(limit),
		inFlight: map[uint64]time.Time{},
		retire:   make(chan struct{}),
		now:      time.Now,
	}
}

func (t *tracker) begin() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.inFlight[t.nextID] = t.now()
	return t.nextID
}

func (t *tracker) end(id uint64) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()

	n := t.served.Add(1)
	if t.limit > 0 && n >= t.limit {
		t.retireOnce.Do(func() { close(t.retire) })
	}
}

// Retire is closed once the request limit is reached.
func (t *tracker) Retire() <-chan struct{} { return t.retire }

func (t *tracker) Served() int64 { return t.served.Load() }

func (t *tracker) InFlight() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.inFlight))
}

// Oldest is the age of the longest-running in-flight request.
func (t *tracker) Oldest(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Duration
	for _, started := range t.inFlight {
		if d := now.Sub(started); d > oldest {
			oldest = d
		}
	}
	return oldest
}

func (t *tracker) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := t.begin()
		defer t.end(id)
		next.ServeHTTP(w, r)
	})
}

// serialize lets one request through at a time, the sync worker model.
func serialize(next http.Handler) http.Handler {
	gate := make(chan struct{}, 1)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gate <- struct{}{}:
		case <-r.Context().Done():
			return
		}
		defer func() { <-gate }()
		next.ServeHTTP(w, r)
	})
}
