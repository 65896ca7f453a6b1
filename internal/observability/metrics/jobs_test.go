package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/domain/model"
)

type metric struct {
	kind string
	name string
	tags map[string]string
}

type recordSink struct{ got []metric }

func (r *recordSink) Count(name string, _ int64, tags map[string]string) {
	r.got = append(r.got, metric{"count", name, tags})
}

func (r *recordSink) Gauge(name string, _ float64, tags map[string]string) {
	r.got = append(r.got, metric{"gauge", name, tags})
}

func (r *recordSink) Timing(name string, _ time.Duration, tags map[string]string) {
	r.got = append(r.got, metric{"timing", name, tags})
}

func TestEmitJobLifecycle_Completed(t *testing.T) {
	sink := &recordSink{}
	EmitJobLifecycle(sink, JobMetric{
		JobType:    model.JobTypeMailSend,
		Transition: "completed",
		Result:     ResultSuccess,
		Duration:   40 * time.Millisecond,
	})

	require.Len(t, sink.got, 2)
	assert.Equal(t, "job.transition", sink.got[0].name)
	assert.Equal(t, map[string]string{
		"job_type":   "mail_send",
		"lane":       "mail",
		"transition": "completed",
		"result":     "success",
	}, sink.got[0].tags)
	assert.Equal(t, "timing", sink.got[1].kind)
}

func TestEmitJobLifecycle_FinalFailureCountsDeadUnit(t *testing.T) {
	sink := &recordSink{}
	EmitJobLifecycle(sink, JobMetric{
		JobType:    model.JobTypeExportRun,
		Transition: "failed",
		Result:     ResultError,
		Err:        fmt.Errorf("alexia: %w", context.DeadlineExceeded),
		Final:      true,
	})

	require.Len(t, sink.got, 2)
	assert.Equal(t, "timeout", sink.got[0].tags["error_class"])
	assert.Equal(t, metric{"count", "job.dead", map[string]string{"job_type": "export_run", "lane": "export"}}, sink.got[1])
}

func TestEmitJobLifecycle_NilSink(t *testing.T) {
	assert.NotPanics(t, func() { EmitJobLifecycle(nil, JobMetric{JobType: model.JobTypeExportZip}) })
}
