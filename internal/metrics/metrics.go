// Package metrics backs the engine's shared Metrics state: the counters,
// gauge, latency summary, and per-sink health map, exposed through
// Prometheus collectors plus a Snapshot() for the out-of-scope /health
// and /metrics HTTP handlers to consume.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// HealthStatus is one of the four states a sink can be in.
type HealthStatus string

const (
	Healthy    HealthStatus = "healthy"
	Degraded   HealthStatus = "degraded"
	Unhealthy  HealthStatus = "unhealthy"
	NotStarted HealthStatus = "not_started"
)

// SinkHealth is one sink's current health record.
type SinkHealth struct {
	Status              HealthStatus
	Reason              string // populated for Degraded/Unhealthy
	LastError           string
	ConsecutiveFailures int
	LastSuccessAt       time.Time
}

var (
	logsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logengine_logs_written_total",
		Help: "Total log records accepted by a sink.",
	}, []string{"sink"})

	logsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logengine_logs_dropped_total",
		Help: "Total log records dropped (post-shutdown emits, blocked sends abandoned on context cancellation, failed fallback writes).",
	}, []string{"reason"})

	channelSendBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logengine_channel_send_blocked_total",
		Help: "Total times a producer suspended on a full dispatch queue.",
	}, []string{"sink"})

	sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logengine_sink_errors_total",
		Help: "Total sink write/flush failures.",
	}, []string{"sink"})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logengine_active_workers",
		Help: "Number of currently running sink worker goroutines.",
	})

	latencyUs = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "logengine_latency_us",
		Help:       "Per-record sink write latency in microseconds.",
		Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
		MaxAge:     10 * time.Minute,
		AgeBuckets: 5,
	}, []string{"sink"})
)

// Metrics is the engine's single shared metrics instance: Prometheus
// collectors for the counters/gauge/summary, plus a mutex-guarded
// per-sink health map (counters are atomics via the Prometheus client
// itself, the health map is behind a short-held mutex).
type Metrics struct {
	startedAt time.Time

	mu     sync.Mutex
	health map[string]SinkHealth
}

func New() *Metrics {
	return &Metrics{startedAt: time.Now(), health: make(map[string]SinkHealth)}
}

func (m *Metrics) RecordWrite(sink string, latency time.Duration) {
	logsWritten.WithLabelValues(sink).Inc()
	latencyUs.WithLabelValues(sink).Observe(float64(latency.Microseconds()))
}

func (m *Metrics) RecordDrop(reason string) {
	logsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordChannelBlocked(sink string) {
	channelSendBlocked.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordSinkError(sink string) {
	sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) SetActiveWorkers(n int) {
	activeWorkers.Set(float64(n))
}

// SetHealth updates one sink's health record. Called by the health
// controller and by sinks themselves on state transitions.
func (m *Metrics) SetHealth(sink string, h SinkHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[sink] = h
}

func (m *Metrics) GetHealth(sink string) (SinkHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[sink]
	return h, ok
}

// LatencyPercentiles is one sink's streaming dispatch-latency percentiles,
// read directly out of its Summary rather than recomputed from raw samples.
type LatencyPercentiles struct {
	P50, P95, P99 float64 // microseconds
	Count         uint64
	SumUs         float64
}

// Snapshot is a point-in-time, O(sinks) read of the full metrics state: the
// counters, latency percentiles, and per-sink health the out-of-scope
// /health and /metrics HTTP handlers report. The health map copy is
// serialized behind m.mu; counter/summary values are read straight off the
// Prometheus collectors' own child metrics via Collect(), which is safe for
// concurrent use with the Inc()/Observe() calls on the producer side.
type Snapshot struct {
	SinkHealth         map[string]SinkHealth
	UptimeSec          float64
	LogsWritten        map[string]float64 // by sink
	LogsDropped        map[string]float64 // by reason
	ChannelSendBlocked map[string]float64 // by sink
	SinkErrors         map[string]float64            // by sink
	Latency            map[string]LatencyPercentiles // by sink
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	health := make(map[string]SinkHealth, len(m.health))
	for k, v := range m.health {
		health[k] = v
	}
	m.mu.Unlock()

	return Snapshot{
		SinkHealth:         health,
		UptimeSec:          time.Since(m.startedAt).Seconds(),
		LogsWritten:        readCounterVec(logsWritten, "sink"),
		LogsDropped:        readCounterVec(logsDropped, "reason"),
		ChannelSendBlocked: readCounterVec(channelSendBlocked, "sink"),
		SinkErrors:         readCounterVec(sinkErrors, "sink"),
		Latency:            readLatencySummary(latencyUs),
	}
}

// readCounterVec drains a CounterVec's current child values keyed by their
// single label (the Prometheus client exposes no direct Get on a
// *prometheus.CounterVec, only Collect/Write onto the wire protobuf type).
func readCounterVec(cv *prometheus.CounterVec, label string) map[string]float64 {
	out := make(map[string]float64)
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		out[labelValue(&m, label)] = m.GetCounter().GetValue()
	}
	return out
}

// readLatencySummary drains a SummaryVec's child quantiles keyed by sink.
func readLatencySummary(sv *prometheus.SummaryVec) map[string]LatencyPercentiles {
	out := make(map[string]LatencyPercentiles)
	ch := make(chan prometheus.Metric, 16)
	go func() {
		sv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			continue
		}
		s := m.GetSummary()
		lp := LatencyPercentiles{
			Count: s.GetSampleCount(),
			SumUs: s.GetSampleSum(),
		}
		for _, q := range s.GetQuantile() {
			switch q.GetQuantile() {
			case 0.5:
				lp.P50 = q.GetValue()
			case 0.95:
				lp.P95 = q.GetValue()
			case 0.99:
				lp.P99 = q.GetValue()
			}
		}
		out[labelValue(&m, "sink")] = lp
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
