// Package metrics holds the arbiter's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics lives on its own registry so several arbiters (and tests) do not
// collide on the default one.
type Metrics struct {
	Registry *prometheus.Registry

	WorkersAlive  prometheus.Gauge
	WorkersTarget prometheus.Gauge
	Spawns        prometheus.Counter
	Exits         *prometheus.CounterVec
	Kills         *prometheus.CounterVec
	Requests      prometheus.Counter
	InFlight      prometheus.Gauge
}

func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		WorkersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_alive", Help: "Worker processes currently running.",
		}),
		WorkersTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_target", Help: "Configured number of workers.",
		}),
		Spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_spawns_total", Help: "Worker processes started.",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_exits_total", Help: "Worker exits by outcome.",
		}, []string{"outcome"}),
		Kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_kills_total", Help: "Signals sent to workers by reason.",
		}, []string{"reason"}),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Requests completed by all workers.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests_in_flight", Help: "Requests in flight as last reported by workers.",
		}),
	}

	m.Registry.MustRegister(
		m.WorkersAlive, m.WorkersTarget, m.Spawns, m.Exits, m.Kills, m.Requests, m.InFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
