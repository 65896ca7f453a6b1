package config

import (
	"os"
	"strings"
)

// AppConfig is the whole process configuration, parsed from the
// environment with github.com/caarlos0/env. Each group lives in its own file.
type AppConfig struct {
	// IsDev switches to text logs and the log mail sender. NODE_ENV=development
	// also turns it on.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Services is a comma separated list of modes, see ServiceMode.
	Services string `env:"SERVICES" envDefault:"http"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig
	HTTP     HTTPConfig

	Mail     MailConfig
	Export   ExportConfig
	Artifact ArtifactConfig

	MailRunner    MailRunnerConfig
	ExportRunner  ExportRunnerConfig
	Reaper        ReaperConfig
	Observability ObservabilityConfig
}

// Sanitize clamps parsed values and fills derived defaults. Call it once
// after env.Parse.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Mail.Sanitize()
	c.Export.Sanitize()
	c.Artifact.Sanitize()
	if c.Artifact.Dir == "" {
		c.Artifact.Dir = c.Export.Root
	}

	c.MailRunner.Sanitize()
	c.ExportRunner.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	if !c.IsDev {
		switch strings.ToLower(os.Getenv("NODE_ENV")) {
		case "development", "dev":
			c.IsDev = true
		}
	}
}

// GetEnabledServices parses Services into the set of modes to run.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// Enabled reports whether mode is listed in Services. An unparsable list
// enables nothing.
func (c *AppConfig) Enabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	return err == nil && services[mode]
}
