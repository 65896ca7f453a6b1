// Package failurenotifier fans alerts about dead pipeline units out to the
// configured sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/inter-actief/courier/internal/core"
	"github.com/inter-actief/courier/internal/observability/notify"
)

// SinkRegistration names a sink for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the notifier.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Guard suppresses repeat alerts for the same unit, e.g. when the reaper
	// and a worker both give up on it. Nil alerts every time.
	Guard *core.OnceGuard
}

// Service dispatches alerts to every registered sink.
type Service struct {
	logger *slog.Logger
	sinks  []SinkRegistration
	guard  *core.OnceGuard
}

// NewService drops sinks that are nil.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}
	s := &Service{logger: logger, guard: opts.Guard}
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		s.sinks = append(s.sinks, entry)
	}
	return s
}

// Notify sends alert to all sinks and waits for them. Callers only pass
// final failures; retries are not alerted.
func (s *Service) Notify(ctx context.Context, alert notify.Alert) {
	if s == nil || len(s.sinks) == 0 {
		return
	}
	if alert.Severity == "" {
		alert.Severity = notify.SeverityCritical
	}

	key := dedupeKey(alert)
	claimed, err := s.guard.Claim(ctx, key)
	if err != nil {
		// A cache outage must not swallow the alert.
		s.logger.WarnContext(ctx, "alert dedupe unavailable", "key", key, "error", err)
		claimed = true
	}
	if !claimed {
		s.logger.DebugContext(ctx, "alert already sent", "key", key, "job_id", alert.JobID)
		return
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendAlert(ctx, alert); err != nil {
				s.logger.ErrorContext(ctx, "alert delivery failed",
					"sink", entry.Name,
					"job_id", alert.JobID,
					"workflow_id", alert.WorkflowID,
					"unit_id", alert.UnitID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether any sink is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

func dedupeKey(a notify.Alert) string {
	if a.WorkflowID != "" && a.UnitID != "" {
		return a.WorkflowID + ":" + a.UnitID
	}
	return "job:" + a.JobID
}
