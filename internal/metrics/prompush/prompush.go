// Package prompush implements a metrics.Backend that keeps Prometheus
// collectors in a private registry and pushes them to a Pushgateway on Flush.
//
// Workers are not scrapeable for the lifetime of an import, so pushing is the
// only reliable way to get their series into Prometheus.
package prompush

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"healthetl/internal/metrics"
)

type Options struct {
	URL string
	// Job is the Pushgateway grouping job. Defaults to "healthetl".
	Job string
	// Grouping adds extra grouping labels (e.g. instance).
	Grouping map[string]string
}

type Backend struct {
	pusher     *push.Pusher
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

var counterDefs = []struct {
	name, help string
	labels     []string
}{
	{metrics.StepTotal, "Pipeline steps by outcome.", []string{"step", "status"}},
	{metrics.RowsTotal, "Rows read, accepted and rejected by the validator.", []string{"kind", "reason"}},
	{metrics.BatchesTotal, "Staging batches flushed.", nil},
	{metrics.IntegrationRows, "Fact rows touched by integration.", []string{"kind"}},
	{metrics.HTTPRequestsTotal, "Requests made to external sources.", []string{"status"}},
	{metrics.HTTPErrorsTotal, "Failed requests to external sources.", []string{"status"}},
}

var histogramDefs = []struct {
	name, help string
	labels     []string
	buckets    []float64
}{
	{metrics.StepDurationSeconds, "Pipeline step duration.", []string{"step", "status"}, prometheus.ExponentialBuckets(0.05, 4, 10)},
	{metrics.HTTPRequestSeconds, "External request duration.", []string{"status"}, prometheus.DefBuckets},
}

func NewBackend(opts Options) (*Backend, error) {
	if opts.URL == "" {
		return nil, errors.New("prompush: missing pushgateway url")
	}
	job := opts.Job
	if job == "" {
		job = "healthetl"
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labelNames: map[string][]string{},
	}
	for _, d := range counterDefs {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.name, Help: d.help}, d.labels)
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrapf(err, "register %s", d.name)
		}
		b.counters[d.name] = c
		b.labelNames[d.name] = d.labels
	}
	for _, d := range histogramDefs {
		h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: d.name, Help: d.help, Buckets: d.buckets}, d.labels)
		if err := reg.Register(h); err != nil {
			return nil, errors.Wrapf(err, "register %s", d.name)
		}
		b.histograms[d.name] = h
		b.labelNames[d.name] = d.labels
	}

	b.pusher = push.New(opts.URL, job).Gatherer(reg)
	for k, v := range opts.Grouping {
		b.pusher = b.pusher.Grouping(k, v)
	}
	return b, nil
}

// labelsFor returns exactly the label set registered for name; missing labels
// become "" and extra labels are dropped so With never panics.
func (b *Backend) labelsFor(name string, in metrics.Labels) prometheus.Labels {
	out := prometheus.Labels{}
	for _, n := range b.labelNames[name] {
		out[n] = in[n]
	}
	return out
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.With(b.labelsFor(name, labels)).Add(delta)
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h.With(b.labelsFor(name, labels)).Observe(value)
}

// Flush pushes the registry, replacing the previous push for this job.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return errors.Wrap(err, "pushgateway push")
	}
	return nil
}

var _ metrics.Backend = (*Backend)(nil)
