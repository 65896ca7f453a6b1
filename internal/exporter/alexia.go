package exporter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync/atomic"
	"time"
)

// AlexiaConfig configures the Alexia JSON-RPC client.
type AlexiaConfig struct {
	URL          string
	Username     string
	Password     string
	Organization string
	Timeout      time.Duration
	// Transport is used for outgoing requests. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// RPCError is a JSON-RPC 2.0 error object returned by Alexia.
type RPCError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("alexia %s: %d %s", e.Method, e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// AlexiaSession is a logged in JSON-RPC session. Alexia keeps the login and
// the selected organization in a cookie, so a session is not shared between runs.
type AlexiaSession struct {
	url string
	hc  *http.Client
	seq atomic.Int64
}

// AlexiaDialer opens sessions with the configured credentials.
type AlexiaDialer struct {
	cfg AlexiaConfig
}

// NewAlexiaDialer validates the configuration.
func NewAlexiaDialer(cfg AlexiaConfig) (*AlexiaDialer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("alexia URL is required")
	}
	if cfg.Username == "" || cfg.Organization == "" {
		return nil, errors.New("alexia username and organization are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AlexiaDialer{cfg: cfg}, nil
}

// Dial logs in and selects the organization.
func (d *AlexiaDialer) Dial(ctx context.Context) (*AlexiaSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	s := &AlexiaSession{
		url: d.cfg.URL,
		hc:  &http.Client{Timeout: d.cfg.Timeout, Jar: jar, Transport: d.cfg.Transport},
	}

	var ok bool
	if err := s.Call(ctx, "login", map[string]string{
		"username": d.cfg.Username,
		"password": d.cfg.Password,
	}, &ok); err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("alexia login rejected")
	}
	if err := s.Call(ctx, "organization.current.set", map[string]string{
		"organization": d.cfg.Organization,
	}, &ok); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("alexia organization %q not available", d.cfg.Organization)
	}
	return s, nil
}

// Check implements Checker by logging in.
func (d *AlexiaDialer) Check(ctx context.Context) error {
	_, err := d.Dial(ctx)
	return err
}

// Call invokes method and decodes its result into out. params is either a
// positional slice or a keyword map; Alexia does not accept both.
func (s *AlexiaSession) Call(ctx context.Context, method string, params, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: s.seq.Add(1)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rc, err := do(s.hc, req)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	var resp rpcResponse
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	if resp.Error != nil {
		resp.Error.Method = method
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Alexia exports every Alexia account linked to the person's student or
// employee number.
type Alexia struct {
	base
	dialer *AlexiaDialer
	logger *slog.Logger
}

// NewAlexiaFactory returns the factory registered under model.AppAlexia.
func NewAlexiaFactory(dialer *AlexiaDialer) Factory {
	return func(ws *Workspace) (Exporter, error) {
		if dialer == nil {
			return nil, errors.New("alexia is not configured")
		}
		return &Alexia{base: base{ws: ws}, dialer: dialer, logger: dialer.cfg.Logger}, nil
	}
}

// alexiaSections are the per-account calls. Failures are logged and the
// section is left out.
var alexiaSections = []struct {
	key    string
	method string
}{
	{"user", "user.get"},
	{"membership", "user.get_membership"},
	{"rfids", "rfid.list"},
	{"authorizations", "authorization.list"},
	{"orders", "order.list"},
	{"availabilities", "user.get_availabilities"},
}

// Export implements Exporter.
func (a *Alexia) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Person == nil {
		return nil, ErrNoPerson
	}
	var numbers []string
	for _, n := range []string{req.Person.StudentNumber, req.Person.EmployeeNumber} {
		if n != "" {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		a.logger.InfoContext(ctx, "person has no student or employee number", "export_id", req.Export.ID)
		return nil, nil
	}

	session, err := a.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to alexia: %w", err)
	}

	var accounts []string
	for _, n := range numbers {
		var exists bool
		if err := session.Call(ctx, "user.exists", map[string]string{"radius_username": n}, &exists); err != nil {
			return nil, err
		}
		if exists {
			accounts = append(accounts, n)
		}
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	for _, account := range accounts {
		if err := a.exportAccount(ctx, session, account); err != nil {
			return nil, err
		}
	}
	return a.ws.Pack()
}

func (a *Alexia) exportAccount(ctx context.Context, s *AlexiaSession, account string) error {
	data := make(map[string]json.RawMessage, len(alexiaSections))
	for _, sec := range alexiaSections {
		var raw json.RawMessage
		if err := s.Call(ctx, sec.method, []string{account}, &raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "alexia call failed", "method", sec.method, "error", err)
			continue
		}
		data[sec.key] = raw
	}

	var iva *struct {
		CertificateData string `json:"certificate_data"`
	}
	if err := s.Call(ctx, "user.get_iva_certificate", []string{account}, &iva); err != nil {
		a.logger.WarnContext(ctx, "alexia call failed", "method", "user.get_iva_certificate", "error", err)
	} else if iva != nil && iva.CertificateData != "" {
		pdf, decErr := base64.StdEncoding.DecodeString(iva.CertificateData)
		if decErr != nil {
			a.logger.WarnContext(ctx, "invalid iva certificate", "error", decErr)
		} else if err := a.ws.WriteFile(safeName(account)+"/iva_certificate.pdf", bytes.NewReader(pdf)); err != nil {
			return err
		}
	}

	return a.ws.WriteJSON(safeName(account)+"/alexia.json", data)
}
