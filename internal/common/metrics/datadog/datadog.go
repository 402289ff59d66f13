// Package datadog implements a Datadog backend for the metrics package.
//
// Metrics are buffered in memory and submitted on a ticker and once more on Close,
// so long running workers produce a time series rather than a single spike.
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/rs/zerolog/log"
	"github.com/tansive/tabletenant/internal/common/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// Service becomes tag "service:<name>" on every metric. Defaults to "etlsrv".
	Service string
	Env     string
	Tags    []string
	// FlushEvery defaults to 60 seconds.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	submitter metricsSubmitter
}

type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

type Backend struct {
	api        metricsSubmitter
	ctx        context.Context
	flushEvery time.Duration
	baseTags   []string
	now        func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
}

// NewBackend constructs a backend using the official client. API keys are read by the
// client from DD_API_KEY and DD_APP_KEY, the site from DD_SITE.
func NewBackend(parent context.Context, opts Options) *Backend {
	service := opts.Service
	if service == "" {
		service = "etlsrv"
	}
	env := opts.Env
	if env == "" {
		env = "unknown"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	baseTags := append([]string{"env:" + env, "service:" + service}, opts.Tags...)
	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		baseTags:   baseTags,
		now:        now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		counters:   make(map[string]float64),
		samples:    make(map[string][]float64),
	}
	go b.loop()
	return b
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := time.NewTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := b.Flush(); err != nil {
				log.Warn().Err(err).Msg("datadog metrics flush failed")
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[metrics.Key(name, labels)] += delta
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := metrics.Key(name, labels)
	b.samples[k] = append(b.samples[k], value)
}

// Flush submits buffered metrics and resets the buffers, even when submission fails.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters, samples := b.counters, b.samples
	b.counters = make(map[string]float64)
	b.samples = make(map[string][]float64)
	b.mu.Unlock()

	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}
	series := b.buildSeries(counters, samples, b.now().Unix())
	_, _, err := b.api.SubmitMetrics(b.ctx, datadogV2.MetricPayload{Series: series}, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// Close stops the flush loop and performs one final Flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
	return b.Flush()
}

func (b *Backend) buildSeries(counters map[string]float64, samples map[string][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))
	for k, v := range counters {
		name, tags := metrics.SplitKey(k)
		series = append(series, point(metricName(name), datadogV2.METRICINTAKETYPE_COUNT, v, b.tags(tags), nowUnix))
	}
	for k, values := range samples {
		if len(values) == 0 {
			continue
		}
		name, tags := metrics.SplitKey(k)
		cp := append([]float64(nil), values...)
		sort.Float64s(cp)
		prefix := metricName(name)
		allTags := b.tags(tags)
		for _, p := range []struct {
			suffix string
			q      float64
		}{{".p50", 0.50}, {".p90", 0.90}, {".p99", 0.99}} {
			series = append(series, point(prefix+p.suffix, datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, p.q), allTags, nowUnix))
		}
		series = append(series, point(prefix+".max", datadogV2.METRICINTAKETYPE_GAUGE, cp[len(cp)-1], allTags, nowUnix))
		series = append(series, point(prefix+".samples", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(cp)), allTags, nowUnix))
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Metric < series[j].Metric })
	return series
}

func (b *Backend) tags(extra []string) []string {
	out := make([]string, 0, len(b.baseTags)+len(extra))
	out = append(out, b.baseTags...)
	return append(out, extra...)
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// metricName turns etl_jobs_total into etl.jobs.total.
func metricName(name string) string {
	return strings.ReplaceAll(name, "_", ".")
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

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
