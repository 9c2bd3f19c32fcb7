package arbiter

import (
	"errors"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// manageWorkers brings the number of serving workers to the target:
// spawning what is missing and retiring the oldest extras.
func (a *Arbiter) manageWorkers() error {
	a.mu.Lock()
	target := a.target
	active := a.activeLocked()
	a.mu.Unlock()

	for i := len(active); i < target; i++ {
		if err := a.spawn(); err != nil {
			return err
		}
	}

	if extra := len(active) - target; extra > 0 {
		for _, w := range active[:extra] {
			a.retire(w.pid, "scale_down")
		}
	}
	return nil
}

// activeLocked returns serving workers, oldest first. Workers that are
// retiring or were killed are on their way out and do not count.
func (a *Arbiter) activeLocked() []*managedWorker {
	out := make([]*managedWorker, 0, len(a.workers))
	for _, w := range a.workers {
		if w.state.Phase == PhaseRetiring || !w.killedAt.IsZero() {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].age < out[j].age })
	return out
}

// staleWorkers lists workers whose heartbeat is older than the timeout.
func (a *Arbiter) staleWorkers(now time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeout := a.cfg.TimeoutDuration()
	if timeout <= 0 {
		return nil
	}

	var out []int
	for pid, w := range a.workers {
		if !w.killedAt.IsZero() {
			continue
		}
		age, err := w.hb.Age(now)
		if err != nil {
			continue
		}
		if age > timeout {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

// expiredWorkers lists serving workers older than max_worker_lifetime.
func (a *Arbiter) expiredWorkers(now time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	lifetime := a.cfg.MaxWorkerLifetimeDuration()
	if lifetime <= 0 {
		return nil
	}

	var out []int
	for _, w := range a.activeLocked() {
		if now.Sub(w.state.StartedAt) > lifetime {
			out = append(out, w.pid)
		}
	}
	return out
}

// murderWorkers kills workers that stopped heartbeating.
func (a *Arbiter) murderWorkers() {
	now := time.Now()
	for _, pid := range a.staleWorkers(now) {
		a.log.Error("worker timeout", zap.Int("pid", pid), zap.Duration("timeout", a.Config().TimeoutDuration()))
		a.mu.Lock()
		if w, ok := a.workers[pid]; ok {
			w.killedAt = now
		}
		a.mu.Unlock()
		a.kill(pid, syscall.SIGKILL, "timeout")
	}
}

// recycleExpired gracefully retires workers past their lifetime.
func (a *Arbiter) recycleExpired() {
	for _, pid := range a.expiredWorkers(time.Now()) {
		a.retire(pid, "max_worker_lifetime")
	}
}

// retire marks a worker as leaving and asks it to drain.
func (a *Arbiter) retire(pid int, reason string) {
	a.mu.Lock()
	w, ok := a.workers[pid]
	if ok {
		w.state.Phase = PhaseRetiring
		w.state.RetireReason = reason
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.log.Info("retiring worker", zap.Int("pid", pid), zap.String("reason", reason))
	a.kill(pid, syscall.SIGTERM, reason)
}

// kill signals the worker's process group.
func (a *Arbiter) kill(pid int, sig syscall.Signal, reason string) {
	a.m.Kills.WithLabelValues(reason).Inc()
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		a.log.Warn("signal worker", zap.Int("pid", pid), zap.Stringer("signal", sig), zap.Error(err))
	}
}
