package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/artifact"
	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/exporter"
	"github.com/inter-actief/courier/internal/mailer"
	"github.com/inter-actief/courier/internal/observability/statsd"
	"github.com/inter-actief/courier/internal/service"
)

// mailServiceDeps groups what buildMailService needs beyond configuration.
type mailServiceDeps struct {
	Config    *config.AppConfig
	Workflows *service.WorkflowService
	Cache     core.CacheRepository
	Metrics   *statsd.Client
	Logger    *slog.Logger
}

// buildSender picks the delivery backend. The log sender never talks to a relay.
func buildSender(cfg config.MailConfig, logger *slog.Logger) (mailer.Sender, error) {
	if cfg.Backend == "log" {
		return &mailer.LogSender{Logger: logger.With("component", "log_sender")}, nil
	}
	sender, err := mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		TLS:      cfg.SMTP.TLS,
		Timeout:  cfg.SMTP.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp sender: %w", err)
	}
	return sender, nil
}

func buildRenderer(cfg config.MailConfig) (*mailer.Renderer, error) {
	var static fs.FS
	if cfg.StaticDir != "" {
		static = os.DirFS(cfg.StaticDir)
	}
	renderer, err := mailer.NewRenderer(mailer.RendererOptions{
		Templates: mailer.TemplatesWithOverride(cfg.TemplateDir),
		Static:    static,
		StaticURL: cfg.StaticURL,
	})
	if err != nil {
		return nil, fmt.Errorf("mail renderer: %w", err)
	}
	return renderer, nil
}

func buildMailService(deps mailServiceDeps) (*service.MailService, error) {
	cfg := deps.Config.Mail
	sender, err := buildSender(cfg, deps.Logger)
	if err != nil {
		return nil, err
	}
	renderer, err := buildRenderer(cfg)
	if err != nil {
		return nil, err
	}

	opts := service.MailServiceOptions{
		Workflows: deps.Workflows,
		Renderer:  renderer,
		Sender:    sender,
		GuardTTL:  deps.Config.Cache.ReportGuardTTL,
		From:      cfg.From,
		Compose: mailer.ComposeOptions{
			InterceptTo: cfg.InterceptTo,
			ReturnPath:  cfg.ReturnPath,
		},
		Delay:  cfg.Delay,
		Logger: deps.Logger,
	}
	if deps.Cache != nil {
		opts.Cache = deps.Cache
	}
	if deps.Metrics != nil {
		opts.Metrics = deps.Metrics
	}
	mail, err := service.NewMailService(opts)
	if err != nil {
		return nil, fmt.Errorf("mail service: %w", err)
	}
	return mail, nil
}

// exportBackends is the populated registry plus the member directory, which
// doubles as the person lookup for notifications.
type exportBackends struct {
	registry  *exporter.Registry
	directory *exporter.MemberClient
}

// buildExportBackends registers every backend whose endpoint is configured and
// applies the optional overrides file on top.
func buildExportBackends(cfg config.ExportConfig, logger *slog.Logger) (exportBackends, error) {
	registry := exporter.NewRegistry(exporter.RegistryOptions{Root: cfg.Root, Logger: logger})
	out := exportBackends{registry: registry}

	settings := func(key model.ApplicationKey) exporter.BackendSettings {
		return exporter.BackendSettings{
			Enabled: exporter.DefaultEnabled(key),
			Timeout: cfg.UnitTimeout,
		}
	}
	register := func(key model.ApplicationKey, factory exporter.Factory, checker exporter.Checker) error {
		if err := registry.Register(key, factory, checker, settings(key)); err != nil {
			return fmt.Errorf("register %s: %w", key, err)
		}
		return nil
	}

	if cfg.Amelie.URL != "" {
		members, err := exporter.NewMemberClient(exporter.MemberClientConfig{
			BaseURL:      cfg.Amelie.URL,
			Token:        cfg.Amelie.Token,
			ClientID:     cfg.Amelie.ClientID,
			ClientSecret: cfg.Amelie.ClientSecret,
			TokenURL:     cfg.Amelie.TokenURL,
			Timeout:      cfg.Amelie.Timeout,
		})
		if err != nil {
			return out, fmt.Errorf("member client: %w", err)
		}
		out.directory = members
		if err := register(model.AppAmelie, exporter.NewAmelieFactory(members), members); err != nil {
			return out, err
		}
		if err := register(model.AppAmelieFiles, exporter.NewAmelieFilesFactory(members), members); err != nil {
			return out, err
		}
	}

	if cfg.Alexia.URL != "" {
		dialer, err := exporter.NewAlexiaDialer(exporter.AlexiaConfig{
			URL:          cfg.Alexia.URL,
			Username:     cfg.Alexia.Username,
			Password:     cfg.Alexia.Password,
			Organization: cfg.Alexia.Organization,
			Timeout:      cfg.Alexia.Timeout,
			Logger:       logger,
		})
		if err != nil {
			return out, fmt.Errorf("alexia dialer: %w", err)
		}
		if err := register(model.AppAlexia, exporter.NewAlexiaFactory(dialer), dialer); err != nil {
			return out, err
		}
	}

	if cfg.GitLab.Server != "" {
		gitlab, err := exporter.NewGitLabClient(exporter.GitLabConfig{
			Server:  cfg.GitLab.Server,
			Token:   cfg.GitLab.Token,
			Timeout: cfg.GitLab.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return out, fmt.Errorf("gitlab client: %w", err)
		}
		if err := register(model.AppGitLab, exporter.NewGitLabFactory(gitlab), gitlab); err != nil {
			return out, err
		}
	}

	if cfg.Homedir.URL != "" {
		hoarder, err := exporter.NewHoarderClient(exporter.HoarderConfig{
			URL:          cfg.Homedir.URL,
			AccessKey:    cfg.Homedir.AccessKey,
			BaseDir:      cfg.Homedir.BaseDir,
			PollInterval: cfg.Homedir.PollInterval,
			Timeout:      cfg.Homedir.Timeout,
		})
		if err != nil {
			return out, fmt.Errorf("hoarder client: %w", err)
		}
		if err := register(model.AppHomedir, exporter.NewHomedirFactory(hoarder), hoarder); err != nil {
			return out, err
		}
	}

	overrides, err := exporter.LoadOverrides(cfg.BackendsFile)
	if err != nil {
		return out, err
	}
	registry.Apply(overrides)

	if enabled := registry.Enabled(); len(enabled) == 0 {
		logger.Warn("no export backends enabled; export requests will be refused")
	} else {
		logger.Info("export backends registered", "enabled", enabled)
	}
	return out, nil
}

// buildArtifactStore returns the archive store selected by ARTIFACT_BACKEND.
func buildArtifactStore(ctx context.Context, cfg config.ArtifactConfig) (artifact.Store, error) {
	if cfg.IsS3() {
		store, err := artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Prefix:   cfg.Prefix,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 artifact store: %w", err)
		}
		return store, nil
	}
	store, err := artifact.NewLocalStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("local artifact store: %w", err)
	}
	return store, nil
}
