package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestIncrementTokenOutcomeRecordsCounter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg := prometheus.NewRegistry()
	r := New(reg)

	r.IncrementTokenOutcome("run-1", "node-1", "COMPLETED")
	r.IncrementTokenOutcome("run-1", "node-1", "COMPLETED")

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	got := findCounterValue(metricFamilies, "elspeth_token_outcomes_total")
	if got != 2 {
		t.Errorf("token_outcomes_total = %v, want 2", got)
	}
}

func TestDisableSuppressesRecording(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reg := prometheus.NewRegistry()
	r := New(reg)
	r.Disable()

	r.IncrementTokenOutcome("run-1", "node-1", "FAILED")
	r.ObserveNodeLatency("run-1", "node-1", "FAILED", 10*time.Millisecond)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	if got := findCounterValue(metricFamilies, "elspeth_token_outcomes_total"); got != 0 {
		t.Errorf("token_outcomes_total after Disable() = %v, want 0", got)
	}
}

func findCounterValue(families []*dto.MetricFamily, name string) float64 {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}

		var total float64
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}

		return total
	}

	return 0
}
