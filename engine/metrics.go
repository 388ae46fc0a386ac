package engine

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// MetricsRecorder accumulates per-request latency samples and reports
// percentiles off them -- an ambient observability concern, not a
// performance model: it summarizes timings the engine already produced,
// it does not predict or simulate them.
type MetricsRecorder struct {
	ttftSamples []float64 // seconds from admission to first token
	tpotSamples []float64 // seconds between successive tokens
}

func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

func (m *MetricsRecorder) RecordTTFT(seconds float64) {
	m.ttftSamples = append(m.ttftSamples, seconds)
}

func (m *MetricsRecorder) RecordTPOT(seconds float64) {
	m.tpotSamples = append(m.tpotSamples, seconds)
}

// Quantile reports the q-quantile (0 <= q <= 1) of the requested sample
// set ("ttft" or "tpot"), or (0, false) if no samples were recorded yet.
func (m *MetricsRecorder) Quantile(which string, q float64) (float64, bool) {
	var samples []float64
	switch which {
	case "ttft":
		samples = m.ttftSamples
	case "tpot":
		samples = m.tpotSamples
	default:
		return 0, false
	}
	if len(samples) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil), true
}
