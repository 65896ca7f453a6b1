package config

import (
	"strings"
	"time"
)

// ExportConfig contains data export settings and per-backend connection details.
type ExportConfig struct {
	// Root is the scratch directory for per-export workspaces and archives.
	Root string `env:"DATA_EXPORT_ROOT" envDefault:"/tmp/courier/exports"`

	// UnitTimeout bounds a single export_run job.
	UnitTimeout time.Duration `env:"EXPORT_UNIT_TIMEOUT" envDefault:"1h"`

	// StatusCacheTTL is how long a status page view is cached in Redis.
	StatusCacheTTL time.Duration `env:"EXPORT_STATUS_CACHE_TTL" envDefault:"30s"`

	// BackendsFile is an optional YAML file with per-backend enable/retry/timeout overrides.
	BackendsFile string `env:"EXPORT_BACKENDS_FILE" envDefault:""`

	Amelie  AmelieConfig  `envPrefix:"EXPORT_AMELIE_"`
	Alexia  AlexiaConfig  `envPrefix:"EXPORT_ALEXIA_"`
	GitLab  GitLabConfig  `envPrefix:"EXPORT_GITLAB_"`
	Homedir HomedirConfig `envPrefix:"EXPORT_HOMEDIR_"`
}

// AmelieConfig configures the member directory client used by the two Amelie
// backends and by the export notifier.
type AmelieConfig struct {
	URL          string        `env:"URL"           envDefault:""`
	Token        string        `env:"TOKEN"         envDefault:""`
	ClientID     string        `env:"CLIENT_ID"     envDefault:""`
	ClientSecret string        `env:"CLIENT_SECRET" envDefault:""`
	TokenURL     string        `env:"TOKEN_URL"     envDefault:""`
	Timeout      time.Duration `env:"TIMEOUT"       envDefault:"30s"`
}

// AlexiaConfig configures the Alexia JSON-RPC backend.
type AlexiaConfig struct {
	URL          string        `env:"URL"          envDefault:""`
	Username     string        `env:"USERNAME"     envDefault:""`
	Password     string        `env:"PASSWORD"     envDefault:""`
	Organization string        `env:"ORGANIZATION" envDefault:"inter-actief"`
	Timeout      time.Duration `env:"TIMEOUT"      envDefault:"30s"`
}

// GitLabConfig configures the GitLab backend.
type GitLabConfig struct {
	Server  string        `env:"SERVER"  envDefault:""`
	Token   string        `env:"TOKEN"   envDefault:""`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// HomedirConfig configures the data hoarder backend.
type HomedirConfig struct {
	URL          string        `env:"URL"           envDefault:""`
	AccessKey    string        `env:"ACCESS_KEY"    envDefault:""`
	BaseDir      string        `env:"BASE_DIR"      envDefault:""`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	Timeout      time.Duration `env:"TIMEOUT"       envDefault:"30s"`
}

// Sanitize applies guardrails to export configuration values.
func (e *ExportConfig) Sanitize() {
	e.Root = strings.TrimSpace(e.Root)
	if e.Root == "" {
		e.Root = "/tmp/courier/exports"
	}
	if e.UnitTimeout < time.Minute {
		e.UnitTimeout = time.Minute
	}
	if e.StatusCacheTTL < 0 {
		e.StatusCacheTTL = 0
	}
	e.Amelie.URL = strings.TrimRight(strings.TrimSpace(e.Amelie.URL), "/")
	e.Alexia.URL = strings.TrimSpace(e.Alexia.URL)
	e.GitLab.Server = strings.TrimRight(strings.TrimSpace(e.GitLab.Server), "/")
	e.Homedir.URL = strings.TrimRight(strings.TrimSpace(e.Homedir.URL), "/")
	if e.Homedir.PollInterval < time.Second {
		e.Homedir.PollInterval = time.Second
	}
}

// ArtifactConfig selects where finished archives are kept.
type ArtifactConfig struct {
	// Backend is "local" or "s3".
	Backend string `env:"ARTIFACT_BACKEND" envDefault:"local"`

	// Dir holds archives for the local backend. Defaults to DATA_EXPORT_ROOT.
	Dir string `env:"ARTIFACT_DIR" envDefault:""`

	Bucket   string `env:"ARTIFACT_S3_BUCKET"   envDefault:""`
	Region   string `env:"ARTIFACT_S3_REGION"   envDefault:""`
	Prefix   string `env:"ARTIFACT_S3_PREFIX"   envDefault:"exports"`
	Endpoint string `env:"ARTIFACT_S3_ENDPOINT" envDefault:""`
}

// IsS3 reports whether archives go to a bucket.
func (a *ArtifactConfig) IsS3() bool {
	return a.Backend == "s3"
}

// Sanitize applies guardrails to artifact configuration values.
func (a *ArtifactConfig) Sanitize() {
	a.Backend = strings.ToLower(strings.TrimSpace(a.Backend))
	if a.Backend != "s3" {
		a.Backend = "local"
	}
	a.Prefix = strings.Trim(a.Prefix, "/")
}
