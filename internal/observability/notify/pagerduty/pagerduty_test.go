package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/observability/notify"
)

func TestNewClient_RequiresRoutingKey(t *testing.T) {
	_, err := NewClient(Config{RoutingKey: "  "})
	require.Error(t, err)
}

func TestSendAlert_TriggersIncidentPerUnit(t *testing.T) {
	var got event
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL, RetryLimit: 1})
	require.NoError(t, err)
	client.poster.Backoff = time.Millisecond

	err = client.SendAlert(context.Background(), notify.Alert{
		JobID:      "job-7",
		JobType:    "export_run",
		WorkflowID: "wf-1",
		Pipeline:   "export",
		UnitID:     "export-2",
		Target:     "GitLabDataExporter",
		Attempts:   2,
		Error:      "gitlab unreachable",
		ErrorClass: "network",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "a throttled trigger is retried")

	assert.Equal(t, "rk", got.RoutingKey)
	assert.Equal(t, "trigger", got.EventAction)
	assert.Equal(t, "courier:wf-1:export-2", got.DedupKey)
	assert.Equal(t, "Export backend GitLabDataExporter failed after 2 attempt(s)", got.Payload.Summary)
	assert.Equal(t, notify.SeverityCritical, got.Payload.Severity)
	assert.Equal(t, "courier", got.Payload.Source)
	assert.Equal(t, "export", got.Payload.Group)
	assert.Equal(t, "network", got.Payload.Class)
	assert.Equal(t, "gitlab unreachable", got.Payload.CustomDetails["error"])
	assert.Equal(t, "export-2", got.Payload.CustomDetails["unit_id"])
}

func TestEvent_JobWithoutWorkflow(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "rk", Source: "courier-prod"})
	require.NoError(t, err)

	ev := client.event(notify.Alert{JobID: "job-9", JobType: "export_notify", Severity: "WARNING"})
	assert.Equal(t, "courier:job:job-9", ev.DedupKey)
	assert.Equal(t, "warning", ev.Payload.Severity)
	assert.Equal(t, "courier-prod", ev.Payload.Source)
	assert.NotContains(t, ev.Payload.CustomDetails, "workflow_id")
}
