// Package metrics is the small metrics facade used by the job pipeline.
// Backends are selected at startup; the default discards everything.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Labels are metric dimensions, e.g. {"status": "completed"}.
type Labels map[string]string

type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
	Close() error
}

// Metric names emitted by the service.
const (
	JobsTotal          = "etl_jobs_total"
	RowsWrittenTotal   = "etl_rows_written_total"
	BatchesTotal       = "etl_batches_total"
	JobDurationSeconds = "etl_job_duration_seconds"
	BatchDuration      = "etl_batch_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }
func (nopBackend) Close() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process wide backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func Default() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	Default().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	Default().ObserveHistogram(name, value, labels)
}

// Key renders name and labels as a stable string, labels sorted by key.
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(labels[k])
	}
	return b.String()
}

// SplitKey reverses Key into the metric name and "k:v" tags.
func SplitKey(key string) (string, []string) {
	parts := strings.Split(key, "|")
	return parts[0], parts[1:]
}
