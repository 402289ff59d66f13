package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingBackend struct {
	nopBackend
	counters map[string]float64
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.counters[Key(name, labels)] += delta
}

func TestDefaultBackend(t *testing.T) {
	rec := &recordingBackend{counters: map[string]float64{}}
	SetBackend(rec)
	defer SetBackend(nil)

	IncCounter(JobsTotal, 1, Labels{"status": "completed"})
	IncCounter(JobsTotal, 2, Labels{"status": "completed"})
	assert.Equal(t, 3.0, rec.counters["etl_jobs_total|status:completed"])

	SetBackend(nil)
	assert.NoError(t, Default().Flush())
}

func TestKey(t *testing.T) {
	k := Key("m", Labels{"b": "2", "a": "1"})
	assert.Equal(t, "m|a:1|b:2", k)
	name, tags := SplitKey(k)
	assert.Equal(t, "m", name)
	assert.Equal(t, []string{"a:1", "b:2"}, tags)
	assert.Equal(t, "m", Key("m", nil))
}
