package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// GitLabConfig configures the GitLab REST v4 client.
type GitLabConfig struct {
	// Server is the GitLab base URL, e.g. https://gitlab.example.org.
	Server string
	// Token is an administrator personal access token sent as a bearer token.
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

var (
	gitlabUserFields = []string{
		"id", "name", "username", "state", "avatar_url", "web_url", "created_at", "bio", "location",
		"skype", "linkedin", "twitter", "website_url", "organization", "last_sign_in_at", "confirmed_at",
		"last_activity_on", "email", "theme_id", "color_scheme_id", "projects_limit", "current_sign_in_at",
		"can_create_group", "can_create_project", "two_factor_enabled", "external", "is_admin",
	}
	gitlabKeyFields   = []string{"id", "title", "key", "created_at"}
	gitlabEmailFields = []string{"id", "email"}
	gitlabEventFields = []string{
		"project_id", "action_name", "target_id", "target_iid", "target_type", "author_id", "target_title",
		"created_at", "push_data", "author_username",
	}
	gitlabProjectFields = []string{
		"id", "description", "name", "name_with_namespace", "path", "path_with_namespace", "created_at",
		"default_branch", "tag_list", "ssh_url_to_repo", "http_url_to_repo", "web_url", "avatar_url",
		"star_count", "forks_count", "last_activity_at", "archived", "visibility", "issues_enabled",
		"merge_requests_enabled", "wiki_enabled", "jobs_enabled", "snippets_enabled", "creator_id",
		"open_issues_count", "merge_method",
	}
	gitlabCommitFields = []string{
		"id", "short_id", "title", "created_at", "parent_ids", "message", "author_name", "author_email",
		"authored_date", "committer_name", "committer_email", "committed_date",
	}
	gitlabBranchFields          = []string{"name", "commit", "merged", "protected", "developers_can_push", "developers_can_merge"}
	gitlabMemberFields          = []string{"id", "access_level", "state"}
	gitlabProtectedBranchFields = []string{"name", "merge_access_levels", "push_access_levels"}
	gitlabRunnerFields          = []string{"id", "active", "description", "is_shared", "name", "online", "status"}
)

// GitLabClient is a minimal GitLab REST v4 client.
type GitLabClient struct {
	api    *url.URL
	hc     *http.Client
	logger *slog.Logger
}

// NewGitLabClient builds a client authenticated with an OAuth2 bearer token.
func NewGitLabClient(cfg GitLabConfig) (*GitLabClient, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, errors.New("gitlab server is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("gitlab token is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.Server, "/") + "/api/v4")
	if err != nil {
		return nil, fmt.Errorf("parse gitlab server: %w", err)
	}
	plain := defaultHTTPClient(cfg.HTTPClient, cfg.Timeout)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	hc.Timeout = plain.Timeout

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GitLabClient{api: u, hc: hc, logger: logger}, nil
}

func (c *GitLabClient) endpoint(p string, q url.Values) string {
	u := *c.api
	u.Path = strings.TrimRight(u.Path, "/") + p
	u.RawPath = ""
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// get decodes a JSON document and projects it onto fields.
func (c *GitLabClient) get(ctx context.Context, p string, q url.Values, fields []string, list bool) (any, error) {
	if list {
		if q == nil {
			q = url.Values{}
		}
		q.Set("per_page", "100")
	}
	var raw any
	if err := getJSON(ctx, c.hc, c.endpoint(p, q), &raw); err != nil {
		return nil, err
	}
	if fields == nil {
		return raw, nil
	}
	return project(fieldsExpr(fields, list), raw)
}

// list is get for sub-collections. Errors are logged and yield an empty
// list so one inaccessible collection does not fail the whole export.
func (c *GitLabClient) list(ctx context.Context, p string, fields []string) any {
	v, err := c.get(ctx, p, nil, fields, true)
	if err != nil {
		c.logger.WarnContext(ctx, "gitlab list failed", "path", p, "error", err)
		return []any{}
	}
	if v == nil {
		return []any{}
	}
	return v
}

// Check implements Checker.
func (c *GitLabClient) Check(ctx context.Context) error {
	_, err := c.get(ctx, "/version", nil, nil, false)
	return err
}

// FindUser returns the projected user with the given username, or nil.
func (c *GitLabClient) FindUser(ctx context.Context, username string) (map[string]any, error) {
	v, err := c.get(ctx, "/users", url.Values{"username": {username}}, gitlabUserFields, true)
	if err != nil {
		return nil, fmt.Errorf("find gitlab user: %w", err)
	}
	users, _ := v.([]any)
	if len(users) == 0 {
		return nil, nil
	}
	user, _ := users[0].(map[string]any)
	return user, nil
}

// GitLab exports the GitLab account matching the person's AD name together
// with a snapshot and metadata of each of their projects.
type GitLab struct {
	base
	client *GitLabClient
}

// NewGitLabFactory returns the factory registered under model.AppGitLab.
func NewGitLabFactory(client *GitLabClient) Factory {
	return func(ws *Workspace) (Exporter, error) {
		if client == nil {
			return nil, errors.New("gitlab is not configured")
		}
		return &GitLab{base: base{ws: ws}, client: client}, nil
	}
}

// Export implements Exporter.
func (g *GitLab) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Person == nil {
		return nil, ErrNoPerson
	}
	if req.Person.ADName == "" {
		return nil, nil
	}
	user, err := g.client.FindUser(ctx, req.Person.ADName)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	uid, ok := user["id"].(float64)
	if !ok {
		return nil, errors.New("gitlab user has no id")
	}
	userPath := "/users/" + strconv.FormatInt(int64(uid), 10)

	user["ssh_keys"] = g.client.list(ctx, userPath+"/keys", gitlabKeyFields)
	user["gpg_keys"] = g.client.list(ctx, userPath+"/gpg_keys", gitlabKeyFields)
	user["extra_email"] = g.client.list(ctx, userPath+"/emails", gitlabEmailFields)
	user["events"] = g.client.list(ctx, userPath+"/events", gitlabEventFields)
	projects := g.client.list(ctx, userPath+"/projects", gitlabProjectFields)
	user["projects"] = projects

	if err := g.ws.WriteJSON("metadata.json", user); err != nil {
		return nil, err
	}

	list, _ := projects.([]any)
	for _, item := range list {
		p, _ := item.(map[string]any)
		if err := g.exportProject(ctx, p); err != nil {
			return nil, err
		}
	}
	return g.ws.Pack()
}

func (g *GitLab) exportProject(ctx context.Context, p map[string]any) error {
	id, ok := p["id"].(float64)
	if !ok {
		return nil
	}
	pid := strconv.FormatInt(int64(id), 10)
	dir := pid
	if name, ok := p["path"].(string); ok && name != "" {
		dir = safeName(name)
	}
	projectPath := "/projects/" + pid

	downloads := []struct {
		name string
		path string
		q    url.Values
	}{
		{"snapshot.tar", projectPath + "/snapshot", url.Values{"wiki": {"true"}}},
		{"files.tar.gz", projectPath + "/repository/archive.tar.gz", nil},
	}
	for _, d := range downloads {
		body, err := getStream(ctx, g.client.hc, g.client.endpoint(d.path, d.q))
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return fmt.Errorf("download %s of project %s: %w", d.name, pid, err)
		}
		err = g.ws.WriteFile(dir+"/"+d.name, body)
		_ = body.Close()
		if err != nil {
			return err
		}
	}

	return g.ws.WriteJSON(dir+"/project.json", map[string]any{
		"id":                pid,
		"commits":           g.client.list(ctx, projectPath+"/repository/commits", gitlabCommitFields),
		"branches":          g.client.list(ctx, projectPath+"/repository/branches", gitlabBranchFields),
		"members":           g.client.list(ctx, projectPath+"/members", gitlabMemberFields),
		"keys":              g.client.list(ctx, projectPath+"/deploy_keys", gitlabKeyFields),
		"protectedbranches": g.client.list(ctx, projectPath+"/protected_branches", gitlabProtectedBranchFields),
		"runners":           g.client.list(ctx, projectPath+"/runners", gitlabRunnerFields),
	})
}
