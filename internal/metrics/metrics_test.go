package metrics

import (
	"strings"
	"testing"
)

func TestRenderIncludesCounterAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("codecloud_job_runs_total", map[string]string{"job": "expiry_sweep", "status": "ok"})
	r.ObserveHistogram("codecloud_job_duration_ms", 42, map[string]string{"job": "expiry_sweep"})

	out := r.Render()
	if !strings.Contains(out, `codecloud_job_runs_total{job="expiry_sweep",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `codecloud_job_duration_ms_count{job="expiry_sweep"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
}

func TestUnregisteredMetricIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("codecloud_unknown_total", nil)
	r.ObserveHistogram("codecloud_discovery_polls_total", 1, nil)

	out := r.Render()
	if strings.Contains(out, "codecloud_unknown_total") {
		t.Fatalf("unregistered counter rendered: %s", out)
	}
	if strings.Contains(out, "codecloud_discovery_polls_total_bucket") {
		t.Fatalf("counter observed as histogram: %s", out)
	}
}

func TestRenderEscapesLabelValues(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("codecloud_retries_total", map[string]string{"op": "push", "reason": "bad \"quote\"\nline"})

	out := r.Render()
	if !strings.Contains(out, `reason="bad \"quote\"\nline"`) {
		t.Fatalf("label not escaped: %s", out)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	r := NewRegistry()
	r.Register("codecloud_test_ms", Histogram, "test", []float64{100, 10})
	r.ObserveHistogram("codecloud_test_ms", 10, nil)
	r.ObserveHistogram("codecloud_test_ms", 50, nil)
	r.ObserveHistogram("codecloud_test_ms", 500, nil)

	out := r.Render()
	for _, want := range []string{
		`codecloud_test_ms_bucket{le="10"} 1`,
		`codecloud_test_ms_bucket{le="100"} 2`,
		`codecloud_test_ms_bucket{le="+Inf"} 3`,
		`codecloud_test_ms_sum 560`,
		`codecloud_test_ms_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestGaugeKeepsLastValue(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("codecloud_sessions_tracked", 4, nil)
	r.SetGauge("codecloud_sessions_tracked", 2, nil)
	r.IncCounter("codecloud_sessions_tracked", nil)

	if out := r.Render(); !strings.Contains(out, "codecloud_sessions_tracked 2\n") {
		t.Fatalf("unexpected gauge rendering: %s", out)
	}
}
