// Package alert delivers operator notifications for conditions that need
// manual intervention, such as wallet invariant violations.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Alert struct {
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
	Err      error
}

func (a Alert) sortedFieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes alerts to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, a Alert) error {
	attrs := []any{"severity", string(a.Severity), "title", a.Title}
	for _, k := range a.sortedFieldKeys() {
		attrs = append(attrs, k, a.Fields[k])
	}
	if a.Err != nil {
		attrs = append(attrs, "error", a.Err)
	}
	if a.Severity == SeverityCritical {
		l.Logger.Error("alert: "+a.Message, attrs...)
	} else {
		l.Logger.Warn("alert: "+a.Message, attrs...)
	}
	return nil
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
