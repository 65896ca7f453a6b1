package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Poster sends JSON to a webhook, retrying transport errors and non-2xx
// answers with a linear backoff.
type Poster struct {
	Name    string
	Client  *http.Client
	Retries int
	// Backoff is multiplied by the attempt number. Default 200ms.
	Backoff time.Duration
}

// NewPoster returns a Poster with its own client bounded by timeout.
func NewPoster(name string, timeout time.Duration, retries int, client *http.Client) Poster {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return Poster{Name: name, Client: client, Retries: max(retries, 0)}
}

// PostJSON encodes v and posts it to url.
func (p Poster) PostJSON(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.Name, err)
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}
		if lastErr = p.post(ctx, url, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p Poster) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s responded %s: %s", p.Name, resp.Status, strings.TrimSpace(string(msg)))
}
