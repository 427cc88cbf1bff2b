package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/chanserv/pkg/channel"
)

// StatsSource reports the live gauges. *channel.Manager satisfies it.
type StatsSource interface {
	LoadedCount() int
	OccupantCount() int
	UnloadQueueLen() int
}

// Metrics holds the Prometheus collectors and implements channel.Observer.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	mu       sync.RWMutex
	source   StatsSource
	sessions func() int

	loadsTotal     prometheus.Counter
	unloadsTotal   prometheus.Counter
	sweepsTotal    prometheus.Counter
	sweepDuration  prometheus.Histogram
	responsesTotal *prometheus.CounterVec
}

var _ channel.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors on a private registry, together with
// the Go runtime and process collectors.
func NewMetrics(startTime time.Time) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: startTime,
		loadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanserv_channel_loads_total",
			Help: "Channels loaded into memory since start.",
		}),
		unloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanserv_channel_unloads_total",
			Help: "Channels unloaded from memory since start.",
		}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanserv_sweeps_total",
			Help: "Completed maintenance sweeps.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chanserv_sweep_duration_seconds",
			Help:    "Duration of maintenance sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanserv_responses_total",
			Help: "Channel operation outcomes by operation and response type.",
		}, []string{"operation", "response"}),
	}

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, f)
	}
	m.registry.MustRegister(
		m.loadsTotal,
		m.unloadsTotal,
		m.sweepsTotal,
		m.sweepDuration,
		m.responsesTotal,
		gauge("chanserv_channels_loaded", "Channels currently loaded.", m.stat(StatsSource.LoadedCount)),
		gauge("chanserv_channel_occupants", "Users currently present in loaded channels.", m.stat(StatsSource.OccupantCount)),
		gauge("chanserv_unload_queue_depth", "Channels queued for unload.", m.stat(StatsSource.UnloadQueueLen)),
		gauge("chanserv_sessions_online", "Online user sessions.", m.sessionCount),
		gauge("chanserv_uptime_seconds", "Server uptime in seconds.", func() float64 {
			return time.Since(m.startTime).Seconds()
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetSource attaches the live gauge sources. The manager is built after
// its observer, so this is called once wiring is done.
func (m *Metrics) SetSource(src StatsSource, sessions func() int) {
	m.mu.Lock()
	m.source = src
	m.sessions = sessions
	m.mu.Unlock()
}

func (m *Metrics) stat(f func(StatsSource) int) func() float64 {
	return func() float64 {
		m.mu.RLock()
		src := m.source
		m.mu.RUnlock()
		if src == nil {
			return 0
		}
		return float64(f(src))
	}
}

func (m *Metrics) sessionCount() float64 {
	m.mu.RLock()
	f := m.sessions
	m.mu.RUnlock()
	if f == nil {
		return 0
	}
	return float64(f())
}

// ChannelLoaded implements channel.Observer.
func (m *Metrics) ChannelLoaded(int) { m.loadsTotal.Inc() }

// ChannelUnloaded implements channel.Observer.
func (m *Metrics) ChannelUnloaded(int) { m.unloadsTotal.Inc() }

// SweepCompleted implements channel.Observer.
func (m *Metrics) SweepCompleted(_, _ int, took time.Duration) {
	m.sweepsTotal.Inc()
	m.sweepDuration.Observe(took.Seconds())
}

// OperationCompleted implements channel.Observer.
func (m *Metrics) OperationCompleted(op string, result channel.ResponseType) {
	m.responsesTotal.WithLabelValues(op, result.String()).Inc()
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
