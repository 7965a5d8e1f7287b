// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Imports can run for a long time, so a single submission at exit would show
// up as one spike. The backend therefore:
//   - buffers metrics in memory under a mutex
//   - flushes on a ticker (default once per minute)
//   - flushes one last time on Close
//
// Flush snapshots and resets the buffers under the lock and submits outside
// of it, so pipeline goroutines never wait on the network.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"healthetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "healthetl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:etl"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf buffers
}

// buffers holds one collection window.
type buffers struct {
	steps       map[string]float64   // step\x00status -> count
	rows        map[string]float64   // kind\x00reason -> count
	integration map[string]float64   // kind -> rows
	batches     float64
	stepDur     map[string][]float64 // step\x00status -> seconds
	httpReqs    map[string]float64   // status -> count
	httpErrs    map[string]float64   // status -> count
	httpDur     map[string][]float64 // status -> seconds
}

func newBuffers() buffers {
	return buffers{
		steps:       map[string]float64{},
		rows:        map[string]float64{},
		integration: map[string]float64{},
		stepDur:     map[string][]float64{},
		httpReqs:    map[string]float64{},
		httpErrs:    map[string]float64{},
		httpDur:     map[string][]float64{},
	}
}

func (s buffers) isEmpty() bool {
	return len(s.steps) == 0 && len(s.rows) == 0 && len(s.integration) == 0 &&
		s.batches == 0 && len(s.stepDur) == 0 &&
		len(s.httpReqs) == 0 && len(s.httpErrs) == 0 && len(s.httpDur) == 0
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client. API and
// site credentials come from the usual DD_API_KEY / DD_SITE variables read by
// the client; network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "healthetl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newBuffers(),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Safe to call more
// than once; later calls only flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.buf.steps[pairKey(labels["step"], labels["status"])] += delta
	case metrics.RowsTotal:
		if labels["kind"] == "" {
			return
		}
		b.buf.rows[pairKey(labels["kind"], labels["reason"])] += delta
	case metrics.IntegrationRows:
		if labels["kind"] == "" {
			return
		}
		b.buf.integration[labels["kind"]] += delta
	case metrics.BatchesTotal:
		b.buf.batches += delta
	case metrics.HTTPRequestsTotal:
		b.buf.httpReqs[orUnknown(labels["status"])] += delta
	case metrics.HTTPErrorsTotal:
		b.buf.httpErrs[orUnknown(labels["status"])] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepDurationSeconds:
		k := pairKey(labels["step"], labels["status"])
		b.buf.stepDur[k] = append(b.buf.stepDur[k], value)
	case metrics.HTTPRequestSeconds:
		k := orUnknown(labels["status"])
		b.buf.httpDur[k] = append(b.buf.httpDur[k], value)
	}
}

func (b *Backend) snapshotAndReset() buffers {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf
	b.buf = newBuffers()
	return s
}

// Flush submits buffered metrics and resets local buffers, even when the
// submission fails. Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure; naming and tagging here is the operational contract
// dashboards depend on.
func (b *Backend) buildSeries(s buffers, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 64)
	add := func(kind datadogV2.MetricIntakeType, metric string, value float64, tags []string) {
		series = append(series, datadogV2.MetricSeries{
			Metric: metric,
			Type:   kind.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		})
	}
	count := func(metric string, value float64, tags []string) {
		if value != 0 {
			add(datadogV2.METRICINTAKETYPE_COUNT, metric, value, tags)
		}
	}
	percentiles := func(prefix string, samples []float64, tags []string) {
		if len(samples) == 0 {
			return
		}
		cp := append([]float64(nil), samples...)
		sort.Float64s(cp)
		gauge := datadogV2.METRICINTAKETYPE_GAUGE
		add(gauge, prefix+".p50", percentileNearestRank(cp, 0.50), tags)
		add(gauge, prefix+".p90", percentileNearestRank(cp, 0.90), tags)
		add(gauge, prefix+".p99", percentileNearestRank(cp, 0.99), tags)
		add(gauge, prefix+".max", cp[len(cp)-1], tags)
		add(gauge, prefix+".samples", float64(len(cp)), tags)
	}

	for _, k := range sortedKeys(s.steps) {
		step, status := splitPairKey(k)
		count("healthetl.step.total", s.steps[k], withTags(b.baseTags, "step:"+step, "status:"+status))
	}
	for _, k := range sortedKeys(s.rows) {
		kind, reason := splitPairKey(k)
		tags := withTags(b.baseTags, "kind:"+kind)
		if reason != "" {
			tags = append(tags, "reason:"+reason)
		}
		count("healthetl.rows.total", s.rows[k], tags)
	}
	for _, k := range sortedKeys(s.integration) {
		count("healthetl.integration.rows", s.integration[k], withTags(b.baseTags, "kind:"+k))
	}
	count("healthetl.batches.total", s.batches, b.baseTags)
	for _, k := range sortedKeys(s.stepDur) {
		step, status := splitPairKey(k)
		percentiles("healthetl.step.duration_seconds", s.stepDur[k], withTags(b.baseTags, "step:"+step, "status:"+status))
	}
	for _, k := range sortedKeys(s.httpReqs) {
		count("healthetl.http.requests.total", s.httpReqs[k], withTags(b.baseTags, "status:"+k))
	}
	for _, k := range sortedKeys(s.httpErrs) {
		count("healthetl.http.errors.total", s.httpErrs[k], withTags(b.baseTags, "status:"+k))
	}
	for _, k := range sortedKeys(s.httpDur) {
		percentiles("healthetl.http.request_duration_seconds", s.httpDur[k], withTags(b.baseTags, "status:"+k))
	}
	return series
}

func pairKey(a, b string) string { return a + "\x00" + b }

func splitPairKey(k string) (string, string) {
	a, b, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return a, b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:etl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
