package config

import (
	"strings"
	"time"
)

// MailConfig controls outgoing mail.
type MailConfig struct {
	// From is the sender used for delivery reports and export notifications.
	From string `env:"EMAIL_DEFAULT_FROM" envDefault:"Inter-Actief <noreply@inter-actief.net>"`

	// ReturnPath receives bounces unless a recipient carries its own Return-Path header.
	ReturnPath string `env:"EMAIL_RETURN_PATH" envDefault:""`

	// InterceptTo replaces every recipient when set (staging). Comma separated.
	InterceptTo []string `env:"EMAIL_INTERCEPT_ADDRESS" envDefault:""`

	// Delay is slept after every sent message to stay under relay rate limits.
	Delay time.Duration `env:"EMAIL_DELAY" envDefault:"5s"`

	// Backend selects the sender: "smtp" or "log".
	Backend string `env:"EMAIL_BACKEND" envDefault:"smtp"`

	// TemplateDir overrides the embedded mail templates file by file.
	TemplateDir string `env:"MAIL_TEMPLATE_DIR" envDefault:""`

	// StaticDir is the root for attach_static lookups.
	StaticDir string `env:"MAIL_STATIC_DIR" envDefault:""`

	// StaticURL is prefixed to static paths referenced from rich bodies.
	StaticURL string `env:"MAIL_STATIC_URL" envDefault:""`

	SMTP SMTPConfig `envPrefix:"SMTP_"`
}

// SMTPConfig contains SMTP relay settings.
type SMTPConfig struct {
	Host     string        `env:"HOST"     envDefault:"localhost"`
	Port     int           `env:"PORT"     envDefault:"25"`
	Username string        `env:"USERNAME" envDefault:""`
	Password string        `env:"PASSWORD" envDefault:""`
	TLS      string        `env:"TLS"      envDefault:"opportunistic"`
	Timeout  time.Duration `env:"TIMEOUT"  envDefault:"30s"`
}

// Sanitize applies guardrails to mail configuration values.
func (m *MailConfig) Sanitize() {
	if m.Delay < 0 {
		m.Delay = 0
	}
	m.Backend = strings.ToLower(strings.TrimSpace(m.Backend))
	if m.Backend != "log" {
		m.Backend = "smtp"
	}
	intercept := m.InterceptTo[:0]
	for _, addr := range m.InterceptTo {
		if addr = strings.TrimSpace(addr); addr != "" {
			intercept = append(intercept, addr)
		}
	}
	m.InterceptTo = intercept
	switch strings.ToLower(m.SMTP.TLS) {
	case "mandatory", "opportunistic", "none":
		m.SMTP.TLS = strings.ToLower(m.SMTP.TLS)
	default:
		m.SMTP.TLS = "opportunistic"
	}
}
