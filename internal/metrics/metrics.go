// Package metrics is a small in-process registry rendered in the Prometheus
// text exposition format. Unknown names and type mismatches are dropped.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
)

type Kind string

const (
	Counter   Kind = "counter"
	Gauge     Kind = "gauge"
	Histogram Kind = "histogram"
)

var (
	latencyBuckets   = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	provisionBuckets = []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 180000}
	jobBuckets       = []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000}
)

type family struct {
	help    string
	kind    Kind
	buckets []float64
	series  map[string]*series
}

// series holds one label set. value is the counter or gauge reading; for
// histograms it is unused and counts/sum carry the observations.
type series struct {
	labels map[string]string
	value  float64
	counts []uint64
	sum    float64
	n      uint64
}

type Registry struct {
	mu       sync.Mutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}

	r.Register("codecloud_job_runs_total", Counter, "Background job runs by job and status.", nil)
	r.Register("codecloud_job_duration_ms", Histogram, "Background job duration in milliseconds by job.", jobBuckets)
	r.Register("codecloud_job_last_success_unixtime", Gauge, "Unix time of the last successful run by job.", nil)

	r.Register("codecloud_provision_total", Counter, "VPS provision attempts by plan and status.", nil)
	r.Register("codecloud_provision_latency_ms", Histogram, "VPS provision latency in milliseconds by plan and status.", provisionBuckets)
	r.Register("codecloud_discovery_polls_total", Counter, "Discovery polls by resulting state.", nil)

	r.Register("codecloud_hosting_requests_total", Counter, "Hosting API calls by operation and status.", nil)
	r.Register("codecloud_hosting_request_latency_ms", Histogram, "Hosting API latency in milliseconds by operation and status.", latencyBuckets)
	r.Register("codecloud_retries_total", Counter, "Retried operations by operation and reason.", nil)
	r.Register("codecloud_retry_exhausted_total", Counter, "Operations that ran out of retry attempts by operation.", nil)

	r.Register("codecloud_sweep_sessions_total", Counter, "Sessions examined by the reconciler by outcome.", nil)
	r.Register("codecloud_sessions_tracked", Gauge, "Sessions still tracked after the last sweep.", nil)
	r.Register("codecloud_token_checks_total", Counter, "Credential health probes by outcome.", nil)
	r.Register("codecloud_credentials_tracked", Gauge, "Credentials in the pool at the last sweep.", nil)
	return r
}

// Register declares a metric. Re-registering a name replaces it and drops
// its samples.
func (r *Registry) Register(name string, kind Kind, help string, buckets []float64) {
	f := &family{help: help, kind: kind, series: make(map[string]*series)}
	if kind == Histogram {
		f.buckets = slices.Clone(buckets)
		slices.Sort(f.buckets)
	}
	r.mu.Lock()
	r.families[name] = f
	r.mu.Unlock()
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.update(name, Counter, labels, func(_ *family, s *series) { s.value++ })
}

func (r *Registry) SetGauge(name string, v float64, labels map[string]string) {
	r.update(name, Gauge, labels, func(_ *family, s *series) { s.value = v })
}

func (r *Registry) ObserveHistogram(name string, v float64, labels map[string]string) {
	r.update(name, Histogram, labels, func(f *family, s *series) {
		if s.counts == nil {
			s.counts = make([]uint64, len(f.buckets)+1)
		}
		i, _ := slices.BinarySearch(f.buckets, v)
		s.counts[i]++
		s.sum += v
		s.n++
	})
}

func (r *Registry) update(name string, kind Kind, labels map[string]string, fn func(*family, *series)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[name]
	if f == nil || f.kind != kind {
		return
	}
	key := labelKey(labels)
	s := f.series[key]
	if s == nil {
		s = &series{labels: maps.Clone(labels)}
		f.series[key] = s
	}
	fn(f, s)
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Expose(w)
	})
}

func (r *Registry) Render() string {
	var b strings.Builder
	r.Expose(&b)
	return b.String()
}

// Expose writes every registered family in name order, including families
// with no samples yet so scrapers see the full schema.
func (r *Registry) Expose(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(r.families)) {
		f := r.families[name]
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.kind)
		for _, key := range slices.Sorted(maps.Keys(f.series)) {
			s := f.series[key]
			if f.kind != Histogram {
				writeSample(w, name, s.labels, "", formatFloat(s.value))
				continue
			}
			var cum uint64
			for i, c := range s.counts {
				cum += c
				le := "+Inf"
				if i < len(f.buckets) {
					le = formatFloat(f.buckets[i])
				}
				writeSample(w, name+"_bucket", s.labels, le, strconv.FormatUint(cum, 10))
			}
			writeSample(w, name+"_sum", s.labels, "", formatFloat(s.sum))
			writeSample(w, name+"_count", s.labels, "", strconv.FormatUint(s.n, 10))
		}
	}
}

func writeSample(w io.Writer, name string, labels map[string]string, le, value string) {
	pairs := make([]string, 0, len(labels)+1)
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, k+`="`+escape(labels[k])+`"`)
	}
	if le != "" {
		pairs = append(pairs, `le="`+le+`"`)
	}
	if len(pairs) == 0 {
		fmt.Fprintf(w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(w, "%s{%s} %s\n", name, strings.Join(pairs, ","), value)
}

func labelKey(labels map[string]string) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escape(v string) string { return labelEscaper.Replace(v) }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
