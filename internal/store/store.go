// Package store keeps the run journal: an audit trail of pipeline runs, the
// sources each run processed and every artifact transfer.
package store

import (
	"context"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord is one pipeline invocation.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Error      string
}

// SourceRecord is the outcome of processing one source archive.
type SourceRecord struct {
	RunID      string
	Key        string
	Date       string
	Status     string
	Facilities int
	Categories int
	Reviews    int
	Error      string
}

// TransferRecord is one staged file/destination pair or a local removal.
type TransferRecord struct {
	RunID     string
	Class     string
	LocalPath string
	Dest      string
	Key       string
	Outcome   string
	Error     string
	At        time.Time
}

// Journal records pipeline activity. It is informational only; the
// object stores remain the authority for what has been processed.
type Journal interface {
	// StartRun inserts a run in the running state.
	StartRun(ctx context.Context, id string, at time.Time) error

	// FinishRun sets the final status of a run.
	FinishRun(ctx context.Context, id string, at time.Time, status string, runErr error) error

	// RecordSource appends a source outcome.
	RecordSource(ctx context.Context, rec SourceRecord) error

	// RecordTransfer appends a transfer outcome.
	RecordTransfer(ctx context.Context, rec TransferRecord) error
}

// Nop is a Journal that records nothing.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) StartRun(context.Context, string, time.Time) error { return nil }
func (Nop) FinishRun(context.Context, string, time.Time, string, error) error { return nil }
func (Nop) RecordSource(context.Context, SourceRecord) error { return nil }
func (Nop) RecordTransfer(context.Context, TransferRecord) error { return nil }
