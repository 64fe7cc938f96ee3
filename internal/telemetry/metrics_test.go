package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Record("kernel")
	m.Record("kernel")
	m.Clamp("front")
	m.Drop("before_watermark")
	m.VendorDropped("1", 5)
	m.Flush()
	m.BufferBytes(8192)
	m.ContextCreated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.records.WithLabelValues("kernel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clamped.WithLabelValues("front")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.vendorDropped.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes))
	assert.Equal(t, 8192.0, testutil.ToFloat64(m.bufferBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contexts))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Record("memcpy")
		m.Clamp("back")
		m.Drop("x")
		m.VendorDropped("1", 1)
		m.Callback("runtime")
		m.Flush()
		m.BufferBytes(1)
		m.ContextCreated()
		m.ContextDestroyed()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Callback("driver")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `infrasight_cupti_callbacks_total{domain="driver"} 1`))
}
