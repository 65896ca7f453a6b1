package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/inter-actief/courier/internal/domain/model"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxRetries is the number of attempts a backend gets before its row turns ERROR.
	DefaultMaxRetries = 2
	// DefaultTimeout bounds one backend run.
	DefaultTimeout = time.Hour
)

// BackendSettings tune one registered backend.
type BackendSettings struct {
	Enabled    bool
	MaxRetries int
	Timeout    time.Duration
}

func (s BackendSettings) withDefaults() BackendSettings {
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

// DefaultEnabled reports whether a backend runs without explicit configuration.
// Attachments and home directories are large and opt-in.
func DefaultEnabled(key model.ApplicationKey) bool {
	switch key {
	case model.AppAmelieFiles, model.AppHomedir:
		return false
	default:
		return key.Valid()
	}
}

// Override is one backend's entry in the overrides file. Unset fields keep
// the configured value.
type Override struct {
	Enabled    *bool          `yaml:"enabled"`
	MaxRetries *int           `yaml:"max_retries"`
	Timeout    *time.Duration `yaml:"timeout"`
}

type overridesFile struct {
	Backends map[string]Override `yaml:"backends"`
}

// ParseOverrides decodes an overrides document:
//
//	backends:
//	  GitLabDataExporter:
//	    max_retries: 4
//	    timeout: 30m
func ParseOverrides(r io.Reader) (map[model.ApplicationKey]Override, error) {
	var doc overridesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode backend overrides: %w", err)
	}
	out := make(map[model.ApplicationKey]Override, len(doc.Backends))
	for name, o := range doc.Backends {
		var key model.ApplicationKey
		if err := key.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		if o.MaxRetries != nil && *o.MaxRetries < 1 {
			return nil, fmt.Errorf("%s: max_retries must be at least 1", key)
		}
		out[key] = o
	}
	return out, nil
}

// LoadOverrides reads an overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (map[model.ApplicationKey]Override, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backend overrides: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseOverrides(f)
}

type backend struct {
	factory  Factory
	checker  Checker
	settings BackendSettings
}

// RegistryOptions configures NewRegistry.
type RegistryOptions struct {
	// Root is DATA_EXPORT_ROOT. Workspaces and artifacts are created below it.
	Root   string
	Logger *slog.Logger
}

// Registry maps application keys to adapters. It is populated at startup
// and read-only afterwards.
type Registry struct {
	root     string
	logger   *slog.Logger
	mu       sync.RWMutex
	backends map[model.ApplicationKey]*backend
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		root:     opts.Root,
		logger:   logger.With("component", "exporter_registry"),
		backends: make(map[model.ApplicationKey]*backend),
	}
}

// Register binds an adapter to a key. checker may be nil.
func (r *Registry) Register(key model.ApplicationKey, factory Factory, checker Checker, s BackendSettings) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownApplication, key)
	}
	if factory == nil {
		return fmt.Errorf("%s: factory is required", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[key]; dup {
		return fmt.Errorf("%s: already registered", key)
	}
	r.backends[key] = &backend{factory: factory, checker: checker, settings: s.withDefaults()}
	return nil
}

// Apply merges overrides into the registered settings. Overrides for
// unregistered keys are ignored with a warning.
func (r *Registry) Apply(overrides map[model.ApplicationKey]Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, o := range overrides {
		b, ok := r.backends[key]
		if !ok {
			r.logger.Warn("override for unregistered backend ignored", "application", key)
			continue
		}
		if o.Enabled != nil {
			b.settings.Enabled = *o.Enabled
		}
		if o.MaxRetries != nil {
			b.settings.MaxRetries = *o.MaxRetries
		}
		if o.Timeout != nil {
			b.settings.Timeout = *o.Timeout
		}
		b.settings = b.settings.withDefaults()
	}
}

// Root is the directory workspaces and artifacts are created in.
func (r *Registry) Root() string { return r.root }

// Settings returns a backend's effective settings.
func (r *Registry) Settings(key model.ApplicationKey) (BackendSettings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[key]
	if !ok {
		return BackendSettings{}, false
	}
	return b.settings, true
}

// Enabled lists the enabled backends in display order.
func (r *Registry) Enabled() []model.ApplicationKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ApplicationKey
	for _, key := range model.AllApplicationKeys() {
		if b, ok := r.backends[key]; ok && b.settings.Enabled {
			out = append(out, key)
		}
	}
	return out
}

// Open creates the workspace for one run and constructs the adapter. When
// construction fails the workspace is removed before returning.
func (r *Registry) Open(key model.ApplicationKey, export *model.DataExport) (Exporter, error) {
	r.mu.RLock()
	b, ok := r.backends[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotRegistered, key)
	}
	if !b.settings.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrBackendDisabled, key)
	}
	if export == nil {
		return nil, errors.New("export is required")
	}

	ws, err := NewWorkspace(r.root, export.DownloadCode, string(key))
	if err != nil {
		return nil, err
	}
	exp, err := b.factory(ws)
	if err != nil {
		if cleanErr := ws.Cleanup(); cleanErr != nil {
			r.logger.Warn("workspace cleanup after failed init", "application", key, "error", cleanErr)
		}
		return nil, fmt.Errorf("init %s: %w", key, err)
	}
	return exp, nil
}

// Check runs every enabled backend's connectivity check concurrently and
// returns the failures by key. Backends without a checker are skipped.
func (r *Registry) Check(ctx context.Context) map[model.ApplicationKey]error {
	r.mu.RLock()
	type target struct {
		key     model.ApplicationKey
		checker Checker
	}
	var targets []target
	for _, key := range model.AllApplicationKeys() {
		b, ok := r.backends[key]
		if ok && b.settings.Enabled && b.checker != nil {
			targets = append(targets, target{key: key, checker: b.checker})
		}
	}
	r.mu.RUnlock()

	var (
		mu       sync.Mutex
		failures = make(map[model.ApplicationKey]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range targets {
		g.Go(func() error {
			if err := t.checker.Check(gctx); err != nil {
				mu.Lock()
				failures[t.key] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}
