package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCycle("srv-1", "ok", 0.42)
	m.RecordCycle("srv-1", "ok", 0.38)
	m.RecordCycle("srv-1", "error", 1.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CycleTotal.WithLabelValues("srv-1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleTotal.WithLabelValues("srv-1", "error")))
}

func TestSinkDegradedGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.Equal(t, 0.0, testutil.ToFloat64(m.SinkDegraded))
	m.SetSinkDegraded(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkDegraded))
	m.SetSinkDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SinkDegraded))
}

func TestForgetServer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCycle("srv-1", "ok", 0.1)
	m.RecordCycle("srv-2", "ok", 0.1)
	m.SetPoolSessions("srv-1", 3)

	m.ForgetServer("srv-1")

	// srv-1 series are gone, srv-2 is untouched.
	count := testutil.CollectAndCount(m.CycleTotal)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, testutil.CollectAndCount(m.PoolSessions))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two instances on distinct registries must not panic with duplicate
	// registration, which is what tests rely on.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	a.RecordDial("ok")
	b.RecordDial("connect_failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.DialTotal.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.DialTotal.WithLabelValues("connect_failed")))
}
