package config

import (
	"reflect"
	"slices"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	all := map[ServiceMode]bool{
		ServiceModeHTTP: true, ServiceModeMailRunner: true, ServiceModeExportRunner: true, ServiceModeReaper: true,
	}
	cases := map[string]struct {
		in   string
		want map[ServiceMode]bool // nil means an error
	}{
		"http":                {in: "http", want: map[ServiceMode]bool{ServiceModeHTTP: true}},
		"mail runner":         {in: "mail-runner", want: map[ServiceMode]bool{ServiceModeMailRunner: true}},
		"everything":          {in: "http,mail-runner,export-runner,reaper", want: all},
		"padded":              {in: " http , export-runner ", want: map[ServiceMode]bool{ServiceModeHTTP: true, ServiceModeExportRunner: true}},
		"duplicates collapse": {in: "http,http,reaper", want: map[ServiceMode]bool{ServiceModeHTTP: true, ServiceModeReaper: true}},
		"empty":               {in: ""},
		"only separators":     {in: " , , "},
		"unknown mode":        {in: "http,invalid-service"},
		"retired mode":        {in: "http,scheduler"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := ParseServices(tc.in)
			if tc.want == nil {
				if err == nil {
					t.Fatalf("ParseServices(%q) = %v, want an error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseServices(%q): %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseServices(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestAppConfig_Enabled(t *testing.T) {
	cases := map[string][]ServiceMode{
		"http":                                  {ServiceModeHTTP},
		"mail-runner":                           {ServiceModeMailRunner},
		"export-runner,reaper":                  {ServiceModeExportRunner, ServiceModeReaper},
		"http,mail-runner,export-runner,reaper": ValidServiceModes(),
		"invalid-service":                       nil,
	}

	for services, want := range cases {
		t.Run(services, func(t *testing.T) {
			cfg := AppConfig{Services: services}
			for _, mode := range ValidServiceModes() {
				if got := cfg.Enabled(mode); got != slices.Contains(want, mode) {
					t.Errorf("Enabled(%s) = %v", mode, got)
				}
			}
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{
		ServiceModeHTTP,
		ServiceModeMailRunner,
		ServiceModeExportRunner,
		ServiceModeReaper,
	}

	if !reflect.DeepEqual(modes, expected) {
		t.Errorf("expected %v, got %v", expected, modes)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Mail.Delay != 5*time.Second {
		t.Errorf("expected 5s mail delay, got %v", cfg.Mail.Delay)
	}
	if cfg.MailRunner.SendTimeout != 2*time.Minute {
		t.Errorf("expected 2m send timeout, got %v", cfg.MailRunner.SendTimeout)
	}
	if cfg.Export.UnitTimeout != time.Hour {
		t.Errorf("expected 1h unit timeout, got %v", cfg.Export.UnitTimeout)
	}
	if cfg.ExportRunner.AggregateTimeout != 10*time.Minute {
		t.Errorf("expected 10m aggregate timeout, got %v", cfg.ExportRunner.AggregateTimeout)
	}
	if cfg.Artifact.Backend != "local" || cfg.Artifact.Dir != cfg.Export.Root {
		t.Errorf("expected local artifacts under the export root, got %+v", cfg.Artifact)
	}
	if cfg.Postgres.Name != "courier" {
		t.Errorf("expected courier database, got %q", cfg.Postgres.Name)
	}
}

func TestAppConfig_ParseMailAndExportEnv(t *testing.T) {
	t.Setenv("EMAIL_DEFAULT_FROM", "Board <board@example.org>")
	t.Setenv("EMAIL_RETURN_PATH", "bounces@example.org")
	t.Setenv("EMAIL_INTERCEPT_ADDRESS", "staging@example.org, ,qa@example.org")
	t.Setenv("EMAIL_DELAY", "250ms")
	t.Setenv("EMAIL_BACKEND", "LOG")
	t.Setenv("SMTP_HOST", "relay.example.org")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_TLS", "bogus")
	t.Setenv("DATA_EXPORT_ROOT", "/srv/exports")
	t.Setenv("EXPORT_BACKENDS_FILE", "/etc/courier/backends.yaml")
	t.Setenv("EXPORT_GITLAB_SERVER", "https://gitlab.example.org/")
	t.Setenv("EXPORT_GITLAB_TOKEN", "glpat-test")
	t.Setenv("EXPORT_HOMEDIR_POLL_INTERVAL", "10ms")
	t.Setenv("ARTIFACT_BACKEND", "S3")
	t.Setenv("ARTIFACT_S3_BUCKET", "exports")
	t.Setenv("ARTIFACT_S3_PREFIX", "/archives/")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	expectedMail := MailConfig{
		From:        "Board <board@example.org>",
		ReturnPath:  "bounces@example.org",
		InterceptTo: []string{"staging@example.org", "qa@example.org"},
		Delay:       250 * time.Millisecond,
		Backend:     "log",
		SMTP: SMTPConfig{
			Host:    "relay.example.org",
			Port:    587,
			TLS:     "opportunistic",
			Timeout: 30 * time.Second,
		},
	}
	if !reflect.DeepEqual(cfg.Mail, expectedMail) {
		t.Fatalf("unexpected mail configuration:\nexpected: %#v\ngot:      %#v", expectedMail, cfg.Mail)
	}

	if cfg.Export.Root != "/srv/exports" || cfg.Export.BackendsFile != "/etc/courier/backends.yaml" {
		t.Errorf("unexpected export paths: %+v", cfg.Export)
	}
	if cfg.Export.GitLab.Server != "https://gitlab.example.org" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Export.GitLab.Server)
	}
	if cfg.Export.Homedir.PollInterval != time.Second {
		t.Errorf("expected poll interval clamped to 1s, got %v", cfg.Export.Homedir.PollInterval)
	}
	if !cfg.Artifact.IsS3() || cfg.Artifact.Prefix != "archives" {
		t.Errorf("unexpected artifact configuration: %+v", cfg.Artifact)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{BatchSize: 50000}
	cfg.Sanitize()

	if cfg.Interval != time.Minute {
		t.Errorf("expected interval clamped to 1m, got %v", cfg.Interval)
	}
	if cfg.WorkflowMaxAge != time.Hour {
		t.Errorf("expected workflow max age clamped to 1h, got %v", cfg.WorkflowMaxAge)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size clamped to 10000, got %d", cfg.BatchSize)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " ",
			Channel:    "  ",
			Username:   "",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: " ",
			Source:     "",
			Component:  "",
		},
	}

	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit < 0 {
		t.Fatalf("expected retry limit to be clamped to >= 0, got %d", cfg.RetryLimit)
	}
	if cfg.DedupeWindow != time.Hour {
		t.Fatalf("expected dedupe window default of 1h, got %v", cfg.DedupeWindow)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled without a routing key")
	}
	if cfg.PagerDuty.Source != "courier" {
		t.Fatalf("expected pagerduty source default, got %q", cfg.PagerDuty.Source)
	}
	if cfg.PagerDuty.Component != "courier" {
		t.Fatalf("expected pagerduty component default, got %q", cfg.PagerDuty.Component)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "abc",
		},
	}
	cfg.Sanitize()

	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled when top-level notifications disabled")
	}
}
