// Package pagerduty raises PagerDuty incidents for dead pipeline units.
package pagerduty

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/inter-actief/courier/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config configures the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client triggers one incident per dead unit.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	poster     notify.Poster
}

// NewClient requires a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	c := &Client{
		routingKey: key,
		source:     strings.TrimSpace(cfg.Source),
		component:  strings.TrimSpace(cfg.Component),
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		poster:     notify.NewPoster("pagerduty", cfg.Timeout, cfg.RetryLimit, cfg.Client),
	}
	if c.source == "" {
		c.source = "courier"
	}
	if c.component == "" {
		c.component = "courier"
	}
	if c.endpoint == "" {
		c.endpoint = APIEndpoint
	}
	return c, nil
}

// SendAlert triggers an incident.
func (c *Client) SendAlert(ctx context.Context, alert notify.Alert) error {
	return c.poster.PostJSON(ctx, c.endpoint, c.event(alert))
}

type event struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key"`
	Payload     eventPayload `json:"payload"`
}

type eventPayload struct {
	Summary       string            `json:"summary"`
	Severity      string            `json:"severity"`
	Source        string            `json:"source"`
	Component     string            `json:"component"`
	Group         string            `json:"group,omitempty"`
	Class         string            `json:"class,omitempty"`
	Timestamp     string            `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details"`
}

// event builds the trigger. Retries of the same unit share a dedup key so
// PagerDuty folds them into one incident.
func (c *Client) event(a notify.Alert) event {
	severity := strings.ToLower(strings.TrimSpace(a.Severity))
	if severity == "" {
		severity = notify.SeverityCritical
	}
	at := a.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	dedup := "courier:job:" + a.JobID
	if a.WorkflowID != "" && a.UnitID != "" {
		dedup = "courier:" + a.WorkflowID + ":" + a.UnitID
	}

	details := map[string]string{}
	for k, v := range map[string]string{
		"job_id":      a.JobID,
		"job_type":    a.JobType,
		"workflow_id": a.WorkflowID,
		"unit_id":     a.UnitID,
		"target":      a.Target,
		"error":       a.Error,
	} {
		if v != "" {
			details[k] = v
		}
	}

	return event{
		RoutingKey:  c.routingKey,
		EventAction: "trigger",
		DedupKey:    dedup,
		Payload: eventPayload{
			Summary:       a.Summary(),
			Severity:      severity,
			Source:        c.source,
			Component:     c.component,
			Group:         a.Pipeline,
			Class:         a.ErrorClass,
			Timestamp:     at.UTC().Format(time.RFC3339),
			CustomDetails: details,
		},
	}
}
