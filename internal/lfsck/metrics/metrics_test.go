package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordRepairedUpdatesBothCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRepaired("layout-master", ReasonDangling)
	m.RecordRepaired("layout-master", ReasonDangling)

	assert.Equal(t, float64(2), counterValue(t, m.ItemsRepaired.WithLabelValues("layout-master", ReasonDangling)))
	assert.Equal(t, float64(2), counterValue(t, m.Inconsistent.WithLabelValues("layout-master", ReasonDangling)))
}

func TestRecordCheckedAndFailed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordChecked("namespace")
	m.RecordChecked("namespace")
	m.RecordFailed("namespace")

	assert.Equal(t, float64(2), counterValue(t, m.ItemsChecked.WithLabelValues("namespace")))
	assert.Equal(t, float64(1), counterValue(t, m.ItemsFailed.WithLabelValues("namespace")))
}

func TestSpeedAndPhaseGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetSpeed("layout-slave", 500)
	m.SetPhase("layout-slave", 2)

	var speed dto.Metric
	require.NoError(t, m.ScanSpeed.WithLabelValues("layout-slave").Write(&speed))
	assert.Equal(t, float64(500), speed.GetGauge().GetValue())

	var phase dto.Metric
	require.NoError(t, m.PhaseGauge.WithLabelValues("layout-slave").Write(&phase))
	assert.Equal(t, float64(2), phase.GetGauge().GetValue())
}
