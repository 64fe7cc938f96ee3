// Package telemetry exposes self-monitoring counters of the correlation
// layer. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const SubSystem = "infrasight_cupti"

type Metrics struct {
	reg *prometheus.Registry

	records       *prometheus.CounterVec
	clamped       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	vendorDropped *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	flushes       prometheus.Counter
	bufferBytes   prometheus.Gauge
	contexts      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "activity_records_total",
			Help:      "activity records decoded, by kind",
		}, []string{"kind"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "clamped_records_total",
			Help:      "records whose timestamps were truncated to keep streams monotonic",
		}, []string{"side"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "dropped_records_total",
			Help:      "records discarded while emitting, by reason",
		}, []string{"reason"}),
		vendorDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "vendor_dropped_records_total",
			Help:      "records the profiling runtime dropped for lack of buffer space",
		}, []string{"context"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "callbacks_total",
			Help:      "API callbacks dispatched, by domain",
		}, []string{"domain"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: SubSystem,
			Name:      "flushes_total",
			Help:      "context activity buffer flushes",
		}),
		bufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: SubSystem,
			Name:      "buffer_bytes",
			Help:      "bytes allocated for activity buffers",
		}),
		contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: SubSystem,
			Name:      "contexts",
			Help:      "live CUDA contexts",
		}),
	}
	m.reg.MustRegister(m.records, m.clamped, m.dropped, m.vendorDropped,
		m.callbacks, m.flushes, m.bufferBytes, m.contexts)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Record(kind string) {
	if m != nil {
		m.records.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Clamp(side string) {
	if m != nil {
		m.clamped.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) VendorDropped(context string, n uint64) {
	if m != nil {
		m.vendorDropped.WithLabelValues(context).Add(float64(n))
	}
}

func (m *Metrics) Callback(domain string) {
	if m != nil {
		m.callbacks.WithLabelValues(domain).Inc()
	}
}

func (m *Metrics) Flush() {
	if m != nil {
		m.flushes.Inc()
	}
}

func (m *Metrics) BufferBytes(delta float64) {
	if m != nil {
		m.bufferBytes.Add(delta)
	}
}

func (m *Metrics) ContextCreated() {
	if m != nil {
		m.contexts.Inc()
	}
}

func (m *Metrics) ContextDestroyed() {
	if m != nil {
		m.contexts.Dec()
	}
}
