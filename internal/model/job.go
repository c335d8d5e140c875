package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job in the jobs table.
// These values must match the text values stored in the database
// (jobs.status).
//
// Centralizing these here avoids scattering string literals like
// "pending" or "success" across packages.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Statuses lists every valid job status, in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusSuccess, StatusFailure, StatusCancelled}
}

// Job is a single video generation request tracked through the queue.
//
// Exactly one of Result/Error is set once the job is terminal; neither
// is set before that. Progress is only ever written by the worker
// currently holding the job's lease, and is non-decreasing while the
// job is processing except across a retry, where it resets to
// CheckpointProgress (the boundary of the last fully completed stage).
type Job struct {
	ID                 uuid.UUID       `json:"id"`
	UserID             string          `json:"userId"`
	Status             Status          `json:"status"`
	Progress           float64         `json:"progress"`
	ProgressMessage    string          `json:"progressMessage,omitempty"`
	Stage              string          `json:"stage,omitempty"`
	Priority           int32           `json:"priority"`
	Payload            json.RawMessage `json:"-"`
	Result             *Result         `json:"result,omitempty"`
	Error              *JobError       `json:"error,omitempty"`
	CancelRequested    bool            `json:"cancelRequested"`
	RetryCount         int32           `json:"retryCount"`
	CheckpointProgress float64         `json:"-"`
	LeaseToken         string          `json:"-"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

// Result holds the raw artifact fields recorded by the worker on
// success. Locators use internal storage schemes (e.g. vault://) and
// are never returned to callers directly; the resolver maps them to
// stable endpoint paths.
type Result struct {
	VideoLocator    string  `json:"videoLocator"`
	PreviewLocator  string  `json:"previewLocator,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	SizeBytes       int64   `json:"sizeBytes"`
	Resolution      string  `json:"resolution"`
}

// JobError is the classified failure recorded on a job when it reaches
// the failure state.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

func (e *JobError) Error() string { return e.Code + ": " + e.Message }

// VideoRequest is the caller-supplied payload for a generation job.
// The queue and worker treat it as opaque beyond validation; only the
// pipeline interprets it.
type VideoRequest struct {
	Script     string `json:"script"`
	VoiceID    string `json:"voiceId,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// MaxScriptLength bounds submitted scripts. Longer scripts should be
// split by the caller.
const MaxScriptLength = 20000

var validResolutions = map[string]struct{}{
	"": {}, "480p": {}, "720p": {}, "1080p": {},
}

// Validate checks required payload fields. A non-nil return means the
// submission must be rejected synchronously with no job created.
func (r *VideoRequest) Validate() error {
	if r.Script == "" {
		return &ValidationError{Field: "script", Reason: "script is required"}
	}
	if len(r.Script) > MaxScriptLength {
		return &ValidationError{Field: "script", Reason: "script exceeds maximum length"}
	}
	if _, ok := validResolutions[r.Resolution]; !ok {
		return &ValidationError{Field: "resolution", Reason: "resolution must be one of 480p, 720p, 1080p"}
	}
	return nil
}
