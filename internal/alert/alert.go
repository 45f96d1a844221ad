// Package alert publishes terminal job failures to external channels.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"docpipeline/internal/logger"
	"docpipeline/pkg/models"
)

// Alert describes a job that ended in FAILED or ERRORED.
type Alert struct {
	DedupeKey string
	SourceID  string
	JobID     string
	State     models.JobState
	Reason    string
	Attempt   int
	At        time.Time
}

// FromRecord builds an Alert from a terminal record.
func FromRecord(rec *models.JobRecord) Alert {
	at := rec.UpdatedAt
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}
	return Alert{
		DedupeKey: rec.DedupeKey,
		SourceID:  rec.SourceID,
		JobID:     rec.JobID,
		State:     rec.State,
		Reason:    rec.Reason,
		Attempt:   rec.Attempt,
		At:        at,
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier on the "alert" component logger.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.WithComponent("alert")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, a Alert) error {
	n.log.Error().
		Str("dedupe_key", a.DedupeKey).
		Str("source_id", a.SourceID).
		Str("job_id", a.JobID).
		Str("state", a.State.String()).
		Str("reason", a.Reason).
		Int("attempt", a.Attempt).
		Time("at", a.At).
		Msg("Job ended without a result")
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
