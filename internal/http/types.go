package http

import (
	"time"

	"reelforge/internal/model"
	"reelforge/internal/resolver"
)

// SubmitVideoRequest is the body of POST /v1/videos.
type SubmitVideoRequest struct {
	Script     string `json:"script"`
	VoiceID    string `json:"voiceId,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Priority   int32  `json:"priority,omitempty"`
}

// JobItem is the caller-visible snapshot of a job.
type JobItem struct {
	ID              string             `json:"id"`
	Status          string             `json:"status"`
	Progress        float64            `json:"progress"`
	ProgressMessage string             `json:"progressMessage,omitempty"`
	Stage           string             `json:"stage,omitempty"`
	Priority        int32              `json:"priority"`
	RetryCount      int32              `json:"retryCount"`
	CancelRequested bool               `json:"cancelRequested,omitempty"`
	Result          *resolver.Resolved `json:"result,omitempty"`
	Error           *model.JobError    `json:"error,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// SubmitVideoResponse is returned by POST /v1/videos.
type SubmitVideoResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Job     *JobItem `json:"job,omitempty"`
}

// JobStatusResponse is returned by GET /v1/videos/:id/status.
type JobStatusResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Job     *JobItem `json:"job,omitempty"`
}

// CancelResponse is returned by POST /v1/videos/:id/cancel.
type CancelResponse struct {
	Success  bool   `json:"success"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	Accepted bool   `json:"accepted"`
}

// ListVideosResponse is returned by GET /v1/videos.
type ListVideosResponse struct {
	Success bool      `json:"success"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Jobs    []JobItem `json:"jobs"`
	Total   int64     `json:"total"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Success      bool             `json:"success"`
	Code         string           `json:"code,omitempty"`
	Error        string           `json:"error,omitempty"`
	Counts       map[string]int64 `json:"counts,omitempty"`
	QueuePending int64            `json:"queuePending"`
	QueueActive  int64            `json:"queueActive"`
	QueueDelayed int64            `json:"queueDelayed"`
}
