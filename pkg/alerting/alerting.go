// Package alerting publishes fatal run failures as structured events.
//
// Tidewater never notifies people itself. A Sink hands an Alert to
// something that does: the structured log, a Kafka topic, or both.
package alerting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// Alert describes one fatal failure of an account's run.
type Alert struct {
	Time      time.Time        `json:"time"`
	RunID     string           `json:"run_id"`
	Source    string           `json:"source"`
	Account   string           `json:"account"`
	BatchID   string           `json:"batch_id,omitempty"`
	FailedIn  models.RunState  `json:"failed_in"`
	ErrorType string           `json:"error_type"`
	Message   string           `json:"message"`
	Counts    models.RunCounts `json:"counts"`
}

// FromRun builds the alert for a failed run.
func FromRun(run models.RunResult) Alert {
	return Alert{
		Time:      run.FinishedAt,
		RunID:     run.RunID,
		Source:    run.Source,
		Account:   run.Account,
		BatchID:   run.BatchID,
		FailedIn:  run.FailedIn,
		ErrorType: run.ErrorType,
		Message:   run.Error,
		Counts:    run.Counts,
	}
}

// Key identifies the account the alert is about.
func (a Alert) Key() models.AccountKey {
	return models.AccountKey{Source: a.Source, Account: a.Account}
}

// Sink receives alerts.
type Sink interface {
	Emit(ctx context.Context, alert Alert) error
	Close() error
}

// LogSink writes alerts to a zap logger at error level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "alerts"))}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, a Alert) error {
	s.logger.Error("pipeline alert",
		zap.String("run_id", a.RunID),
		zap.String("source", a.Source),
		zap.String("account", a.Account),
		zap.String("batch_id", a.BatchID),
		zap.String("failed_in", string(a.FailedIn)),
		zap.String("error_type", a.ErrorType),
		zap.String("message", a.Message),
		zap.Int("extracted", a.Counts.Extracted),
		zap.Int("errors", a.Counts.Errors),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// Multi fans an alert out to every sink. A failing sink does not stop the
// others; the first error is returned.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, a Alert) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, a); err != nil && first == nil {
			first = errors.Annotate(err, "emitting alert")
		}
	}
	return first
}

// Close implements Sink.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
