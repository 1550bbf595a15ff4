package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PipelineJob tracks one dispatch of a session to the external worker.
type PipelineJob struct {
	ID             string
	SessionID      string
	Status         JobStatus
	ProcessedFiles int
	TotalFiles     int
	ErrorMessage   *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// PipelineResult is the worker output for one file of a job. Payload is
// opaque to this service.
type PipelineResult struct {
	JobID   string          `json:"-"`
	FileID  string          `json:"file_id"`
	Payload json.RawMessage `json:"payload"`
}

// TaskFile describes one stored file inside a TaskEnvelope.
type TaskFile struct {
	FileID      string `json:"file_id"`
	DisplayName string `json:"display_name"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageKey  string `json:"storage_key"`
}

// TaskEnvelope is the message published to the worker queue.
type TaskEnvelope struct {
	SessionID      string     `json:"session_id"`
	JobID          string     `json:"job_id"`
	CallbackURL    string     `json:"callback_url"`
	CallbackSecret string     `json:"callback_secret"`
	Brief          string     `json:"brief"`
	Files          []TaskFile `json:"files"`
}
