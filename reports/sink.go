// Package reports forwards detection reports to an external sink.
package reports

import (
	"context"
	"errors"
	"fmt"

	"sonic-sentinel/models"
)

type Sink interface {
	Submit(ctx context.Context, report models.Report, token string) error
}

type SubmissionErrorKind string

const (
	Network      SubmissionErrorKind = "network"
	Unauthorized SubmissionErrorKind = "unauthorized"
)

type SubmissionError struct {
	Kind SubmissionErrorKind
	Err  error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report submission %s: %v", e.Kind, e.Err)
	}
	return "report submission " + string(e.Kind)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool {
	var t *SubmissionError
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Err == nil
	}
	return false
}

var (
	ErrNetwork      = &SubmissionError{Kind: Network}
	ErrUnauthorized = &SubmissionError{Kind: Unauthorized}
)

// NopSink drops every report.
type NopSink struct{}

func (NopSink) Submit(context.Context, models.Report, string) error { return nil }

// Store is where the HTTP report endpoint keeps submitted reports.
type Store interface {
	SaveReport(report models.Report) error
}

// StoreSink writes reports straight into a local store.
type StoreSink struct {
	Store Store
}

func (s StoreSink) Submit(_ context.Context, report models.Report, _ string) error {
	return s.Store.SaveReport(report)
}
