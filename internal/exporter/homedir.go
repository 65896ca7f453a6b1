package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Data hoarder job states.
const (
	hoarderDone  = 2
	hoarderError = 3
)

// DefaultHoarderPollInterval is the wait between two status requests.
const DefaultHoarderPollInterval = 5 * time.Second

// HoarderConfig configures the data hoarder client.
type HoarderConfig struct {
	URL       string
	AccessKey string
	// BaseDir is the directory shared with the data hoarder where finished
	// archives appear.
	BaseDir      string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// HoarderError is reported by the data hoarder itself.
type HoarderError struct {
	Message string
}

func (e *HoarderError) Error() string {
	return "data hoarder: " + e.Message
}

type hoarderStatus struct {
	Status   int    `json:"status"`
	Filename string `json:"filename"`
	ErrorMsg string `json:"error_msg"`
}

// HoarderClient starts and polls home directory archive jobs.
type HoarderClient struct {
	cfg HoarderConfig
	hc  *http.Client
}

// NewHoarderClient validates the configuration.
func NewHoarderClient(cfg HoarderConfig) (*HoarderClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("data hoarder URL is required")
	}
	if cfg.BaseDir == "" {
		return nil, errors.New("data hoarder base dir is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHoarderPollInterval
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &HoarderClient{cfg: cfg, hc: defaultHTTPClient(cfg.HTTPClient, cfg.Timeout)}, nil
}

// Check implements Checker.
func (c *HoarderClient) Check(ctx context.Context) error {
	info, err := os.Stat(c.cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("data hoarder base dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data hoarder base dir %s is not a directory", c.cfg.BaseDir)
	}
	return nil
}

// poll posts the access key for adName. The same request starts a job and
// reports its progress.
func (c *HoarderClient) poll(ctx context.Context, adName string) (*hoarderStatus, error) {
	body, err := json.Marshal(map[string]string{"accessToken": c.cfg.AccessKey})
	if err != nil {
		return nil, err
	}
	target := c.cfg.URL + "/" + url.PathEscape(adName) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rc, err := do(c.hc, req)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, &HoarderError{Message: se.Body}
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var st hoarderStatus
	if err := json.NewDecoder(rc).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode data hoarder status: %w", err)
	}
	return &st, nil
}

// Archive starts an archive job and waits for it. It returns the archive
// path inside BaseDir.
func (c *HoarderClient) Archive(ctx context.Context, adName string) (string, error) {
	if _, err := c.poll(ctx, adName); err != nil {
		return "", err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		st, err := c.poll(ctx, adName)
		if err != nil {
			return "", err
		}
		switch st.Status {
		case hoarderDone:
			name := filepath.Base(st.Filename)
			if name == "." || name == string(filepath.Separator) || st.Filename == "" {
				return "", &HoarderError{Message: "finished without a filename"}
			}
			return filepath.Join(c.cfg.BaseDir, name), nil
		case hoarderError:
			return "", &HoarderError{Message: st.ErrorMsg}
		}
	}
}

// Homedir exports the person's home directory through the data hoarder.
type Homedir struct {
	base
	client *HoarderClient
}

// NewHomedirFactory returns the factory registered under model.AppHomedir.
func NewHomedirFactory(client *HoarderClient) Factory {
	return func(ws *Workspace) (Exporter, error) {
		if client == nil {
			return nil, errors.New("data hoarder is not configured")
		}
		return &Homedir{base: base{ws: ws}, client: client}, nil
	}
}

// Export implements Exporter.
func (h *Homedir) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Person == nil {
		return nil, ErrNoPerson
	}
	if req.Person.ADName == "" {
		return nil, nil
	}
	src, err := h.client.Archive(ctx, req.Person.ADName)
	if err != nil {
		return nil, err
	}
	if err := moveFile(src, h.ws.Artifact); err != nil {
		return nil, err
	}
	return &Result{Path: h.ws.Artifact, Entries: 1}, nil
}

// moveFile renames src to dst, copying across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("create %s: %w", dst, err)
	}
	_, copyErr := io.Copy(out, in)
	_ = in.Close()
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, copyErr)
	}
	return os.Remove(src)
}
