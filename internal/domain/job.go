package domain

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a compression job. Exactly one state
// holds at any instant; the broker is the sole writer of state.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// AllStates lists every job state, in the order the stats snapshot reports them.
var AllStates = []JobState{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

// Terminal reports whether the state is final. Terminal records carry a
// result and are subject to retention eviction.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobIDPrefix is prepended to the scan identifier to form the job ID.
const JobIDPrefix = "compress-"

// JobIDFor derives the deterministic job ID for a scan. The same scan always
// maps to the same ID, which is what makes enqueue idempotent.
func JobIDFor(scanID string) string {
	return JobIDPrefix + scanID
}

// JobPayload describes the unit of work. It is immutable after creation;
// nothing in the system mutates it once the record exists.
type JobPayload struct {
	ScanID    string `json:"scan_id"`
	ProjectID string `json:"project_id"`
	FileURL   string `json:"file_url"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
}

// Validate checks the payload fields a producer must supply.
func (p *JobPayload) Validate() error {
	if p.ScanID == "" {
		return fmt.Errorf("%w: scan id cannot be empty", ErrInvalidPayload)
	}
	if p.FileURL == "" {
		return fmt.Errorf("%w: file url cannot be empty", ErrInvalidPayload)
	}
	if p.FileSize < 0 {
		return fmt.Errorf("%w: file size cannot be negative", ErrInvalidPayload)
	}
	return nil
}

// JobResult is the outcome a worker reports for a claimed job.
type JobResult struct {
	Success            bool    `json:"success"`
	CompressedFileURL  string  `json:"compressed_file_url,omitempty"`
	CompressedFileSize int64   `json:"compressed_file_size,omitempty"`
	CompressionRatio   float64 `json:"compression_ratio,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
}

// JobRecord is a unit of compression work held by the broker.
type JobRecord struct {
	ID      string     `json:"id"`
	Payload JobPayload `json:"payload"`
	State   JobState   `json:"state"`

	// Attempt counts execution attempts so far. It starts at 0 and is
	// incremented by the broker when a worker claims the record.
	Attempt int `json:"attempt"`

	// Result is set if and only if State is terminal.
	Result *JobResult `json:"result,omitempty"`

	// DelayedUntil is the due time for a delayed record; zero otherwise.
	DelayedUntil time.Time `json:"delayed_until,omitzero"`

	// ClaimedBy identifies the worker holding the record while active.
	ClaimedBy string `json:"claimed_by,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewJobRecord builds a waiting record for the payload with the
// deterministic ID derived from its scan.
func NewJobRecord(payload JobPayload, now time.Time) *JobRecord {
	return &JobRecord{
		ID:        JobIDFor(payload.ScanID),
		Payload:   payload,
		State:     StateWaiting,
		CreatedAt: now,
	}
}

// CheckInvariants verifies the structural rules every record must satisfy.
// The broker asserts them at transition points; tests lean on it too.
func (r *JobRecord) CheckInvariants() error {
	if r.ID == "" {
		return fmt.Errorf("job record has no id")
	}
	if r.State.Terminal() && r.Result == nil {
		return fmt.Errorf("job %s is %s but has no result", r.ID, r.State)
	}
	if !r.State.Terminal() && r.Result != nil {
		return fmt.Errorf("job %s is %s but carries a result", r.ID, r.State)
	}
	if r.State == StateDelayed && r.DelayedUntil.IsZero() {
		return fmt.Errorf("job %s is delayed with no due time", r.ID)
	}
	return nil
}
