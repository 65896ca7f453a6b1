// Package slack posts dead-unit alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/inter-actief/courier/internal/observability/notify"
)

// Config configures the webhook sink.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// WorkflowURLPrefix turns workflow IDs into links to the status API.
	WorkflowURLPrefix string
}

// Client posts one message per alert.
type Client struct {
	webhookURL     string
	channel        string
	username       string
	workflowPrefix *url.URL
	poster         notify.Poster
}

// NewClient requires a webhook URL. An unparsable WorkflowURLPrefix is ignored.
func NewClient(cfg Config) (*Client, error) {
	hook := strings.TrimSpace(cfg.WebhookURL)
	if hook == "" {
		return nil, errors.New("slack webhook url is required")
	}
	c := &Client{
		webhookURL: hook,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   strings.TrimSpace(cfg.Username),
		poster:     notify.NewPoster("slack", cfg.Timeout, cfg.RetryLimit, cfg.Client),
	}
	if c.username == "" {
		c.username = "courier"
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.WorkflowURLPrefix)); err == nil && u.Scheme != "" && u.Host != "" {
		c.workflowPrefix = u
	}
	return c, nil
}

// SendAlert posts the alert.
func (c *Client) SendAlert(ctx context.Context, alert notify.Alert) error {
	return c.poster.PostJSON(ctx, c.webhookURL, c.message(alert))
}

type message struct {
	Text     string `json:"text"`
	Username string `json:"username"`
	Channel  string `json:"channel,omitempty"`
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func (c *Client) message(a notify.Alert) message {
	at := a.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	severity := a.Severity
	if severity == "" {
		severity = notify.SeverityCritical
	}

	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s*\n", escaper.Replace(a.Summary()))
	line := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "• %s: %s\n", label, value)
		}
	}
	line("Severity", severity)
	line("Workflow", c.workflowValue(a.WorkflowID))
	line("Unit", escaper.Replace(a.UnitID))
	line("Job", fmt.Sprintf("`%s` (%s)", a.JobID, a.JobType))
	line("Error class", a.ErrorClass)
	line("Error", escaper.Replace(a.Error))
	b.WriteString("• Time: " + at.UTC().Format(time.RFC3339))

	return message{Text: b.String(), Username: c.username, Channel: c.channel}
}

func (c *Client) workflowValue(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if c.workflowPrefix == nil {
		return escaper.Replace(id)
	}
	return fmt.Sprintf("<%s|%s>", c.workflowPrefix.JoinPath(id).String(), escaper.Replace(id))
}
