package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// MemberClientConfig configures the member directory API client.
type MemberClientConfig struct {
	BaseURL string
	// Token is a static bearer token. When empty, ClientID/ClientSecret are
	// exchanged at TokenURL with the client credentials grant.
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// MemberClient talks to the member directory HTTP API. It resolves persons
// for the notifier and serves the two Amelie backends.
type MemberClient struct {
	base *url.URL
	hc   *http.Client
}

// NewMemberClient builds an authenticated member directory client.
func NewMemberClient(cfg MemberClientConfig) (*MemberClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("member API base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse member API base URL: %w", err)
	}

	plain := defaultHTTPClient(cfg.HTTPClient, cfg.Timeout)
	hc := plain
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
	switch {
	case cfg.Token != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	case cfg.ClientID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(ctx)
	}
	hc.Timeout = plain.Timeout
	return &MemberClient{base: u, hc: hc}, nil
}

func (c *MemberClient) url(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	u := *c.base
	u.Path = path.Join(append([]string{"/", u.Path, "api", "data-export"}, escaped...)...) + "/"
	return u.String()
}

// GetPerson implements core.PersonDirectory.
func (c *MemberClient) GetPerson(ctx context.Context, id string) (*model.Person, error) {
	var p model.Person
	if err := getJSON(ctx, c.hc, c.url("persons", id), &p); err != nil {
		return nil, fmt.Errorf("get person %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

// Sections returns the person's exportable data keyed by section name
// (account, enrollments, room_duty, member, news, oauth, education, personal_tab).
func (c *MemberClient) Sections(ctx context.Context, personID string) (map[string]any, error) {
	out := map[string]any{}
	if err := getJSON(ctx, c.hc, c.url("persons", personID, "sections"), &out); err != nil {
		return nil, fmt.Errorf("get sections: %w", err)
	}
	return out, nil
}

// MemberFile is one uploaded attachment owned by a person.
type MemberFile struct {
	Name    string `json:"name"`
	Section string `json:"section,omitempty"`
	URL     string `json:"url"`
	Size    int64  `json:"size,omitempty"`
}

// Files lists the person's uploaded attachments.
func (c *MemberClient) Files(ctx context.Context, personID string) ([]MemberFile, error) {
	var out []MemberFile
	if err := getJSON(ctx, c.hc, c.url("persons", personID, "files"), &out); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

// Check implements Checker.
func (c *MemberClient) Check(ctx context.Context) error {
	var v any
	return getJSON(ctx, c.hc, c.url("health"), &v)
}

func (c *MemberClient) download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse file url: %w", err)
	}
	target := c.base.ResolveReference(ref)
	if target.Host != c.base.Host {
		return nil, fmt.Errorf("file url %s is outside the member API", target.Redacted())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return do(c.hc, req)
}

func personID(req Request) (string, error) {
	if req.Export == nil || req.Export.PersonID == nil || *req.Export.PersonID == "" {
		return "", ErrNoPerson
	}
	return *req.Export.PersonID, nil
}

// Amelie exports the person record and related data as one JSON file per section.
type Amelie struct {
	base
	client *MemberClient
}

// NewAmelieFactory returns the factory registered under model.AppAmelie.
func NewAmelieFactory(client *MemberClient) Factory {
	return func(ws *Workspace) (Exporter, error) {
		if client == nil {
			return nil, errors.New("member API client is not configured")
		}
		return &Amelie{base: base{ws: ws}, client: client}, nil
	}
}

// Export implements Exporter.
func (a *Amelie) Export(ctx context.Context, req Request) (*Result, error) {
	id, err := personID(req)
	if err != nil {
		return nil, err
	}
	sections, err := a.client.Sections(ctx, id)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.ws.WriteJSON(safeName(name)+".json", sections[name]); err != nil {
			return nil, err
		}
	}
	return a.ws.Pack()
}

// AmelieFiles exports the person's uploaded attachments under files/ with a files.json index.
type AmelieFiles struct {
	base
	client *MemberClient
}

// NewAmelieFilesFactory returns the factory registered under model.AppAmelieFiles.
func NewAmelieFilesFactory(client *MemberClient) Factory {
	return func(ws *Workspace) (Exporter, error) {
		if client == nil {
			return nil, errors.New("member API client is not configured")
		}
		return &AmelieFiles{base: base{ws: ws}, client: client}, nil
	}
}

// Export implements Exporter.
func (a *AmelieFiles) Export(ctx context.Context, req Request) (*Result, error) {
	id, err := personID(req)
	if err != nil {
		return nil, err
	}
	files, err := a.client.Files(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	used := make(map[string]int, len(files))
	index := make([]MemberFile, 0, len(files))
	for _, f := range files {
		name := uniqueName(used, safeName(f.Name))
		body, err := a.client.download(ctx, f.URL)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", f.Name, err)
		}
		err = a.ws.WriteFile("files/"+name, body)
		_ = body.Close()
		if err != nil {
			return nil, err
		}
		f.Name = name
		f.URL = ""
		index = append(index, f)
	}
	if err := a.ws.WriteJSON("files.json", index); err != nil {
		return nil, err
	}
	return a.ws.Pack()
}

// safeName reduces a backend supplied name to a single path element.
func safeName(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, `\`, "/")))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	return name
}

func uniqueName(used map[string]int, name string) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
