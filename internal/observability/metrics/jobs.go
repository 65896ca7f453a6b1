// Package metrics names the queue metrics runners and the reaper emit.
package metrics

import (
	"maps"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
	obserrors "github.com/inter-actief/courier/internal/observability/errors"
	"github.com/inter-actief/courier/internal/observability/statsd"
)

// Values of the result tag.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric is one runner transition of a job.
type JobMetric struct {
	JobType    model.JobType
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
	// Final marks a failure that used up the job's retries.
	Final bool
}

// EmitJobLifecycle counts the transition, times it, and counts a dead unit
// when a final failure leaves a recipient or backend without a result.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	base := map[string]string{"job_type": string(in.JobType), "lane": string(in.JobType.Lane())}
	tags := maps.Clone(base)
	tags["transition"] = in.Transition
	tags["result"] = in.Result
	failed := in.Result == ResultError
	if class := obserrors.Classify(in.Err); failed && class != "" {
		tags["error_class"] = class
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, tags)
	}
	if failed && in.Final {
		sink.Count("job.dead", 1, base)
	}
}
