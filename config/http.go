package config

import (
	"strings"
	"time"
)

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL prefixes the download links mailed to export owners.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`

	// APIToken, when set, is the bearer token the /api routes require.
	APIToken string `env:"API_TOKEN" envDefault:""`

	// Archive downloads stream through the write timeout.
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT"  envDefault:"15s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10m"`

	// Gzip for JSON responses. Level is clamped to 1..9.
	CompressionEnabled bool `env:"HTTP_COMPRESSION_ENABLED" envDefault:"false"`
	CompressionLevel   int  `env:"HTTP_COMPRESSION_LEVEL"   envDefault:"6"`
}

// Sanitize trims BaseURL and replaces out of range values.
func (h *HTTPConfig) Sanitize() {
	h.BaseURL = strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
	if h.ReadTimeout <= 0 {
		h.ReadTimeout = 15 * time.Second
	}
	if h.WriteTimeout <= 0 {
		h.WriteTimeout = 10 * time.Minute
	}
	h.CompressionLevel = min(max(h.CompressionLevel, 1), 9)
}
