package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend is passed through to the client; tests use it to observe events.
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// Sentry captures alerts as Sentry events on a dedicated hub.
type Sentry struct {
	hub *sentry.Hub
}

func NewSentry(cfg SentryConfig) (*Sentry, error) {
	if cfg.DSN == "" && cfg.BeforeSend == nil {
		return nil, errors.New("sentry dsn is required")
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Sentry{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (s *Sentry) Notify(_ context.Context, a Alert) error {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(a.Severity))
		scope.SetTag("alert", a.Title)
		for k, v := range a.Fields {
			scope.SetTag(k, v)
		}
		if a.Err != nil {
			scope.SetContext("alert", sentry.Context{"message": a.Message})
			s.hub.CaptureException(a.Err)
			return
		}
		s.hub.CaptureMessage(a.Title + ": " + a.Message)
	})
	return nil
}

// Flush waits for buffered events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}

func sentryLevel(sev Severity) sentry.Level {
	if sev == SeverityCritical {
		return sentry.LevelFatal
	}
	return sentry.LevelWarning
}
