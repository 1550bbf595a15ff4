package httpapi

import (
	"time"

	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

type sessionView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Brief        string     `json:"brief"`
	Title        *string    `json:"title,omitempty"`
	Status       string     `json:"status"`
	TotalFiles   int        `json:"total_files"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func toSessionView(s *models.Session) *sessionView {
	if s == nil {
		return nil
	}
	return &sessionView{
		ID:           s.ID,
		Name:         s.Name,
		Brief:        s.Brief,
		Title:        s.Title,
		Status:       string(s.Status),
		TotalFiles:   s.TotalFiles,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
	}
}

type fileView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type jobView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	ProcessedFiles int        `json:"processed_files"`
	TotalFiles     int        `json:"total_files"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toJobView(j *models.PipelineJob) *jobView {
	if j == nil {
		return nil
	}
	return &jobView{
		ID:             j.ID,
		Status:         string(j.Status),
		ProcessedFiles: j.ProcessedFiles,
		TotalFiles:     j.TotalFiles,
		ErrorMessage:   j.ErrorMessage,
		CreatedAt:      j.CreatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

type detailsView struct {
	Session *sessionView `json:"session"`
	Files   []fileView   `json:"files"`
	Job     *jobView     `json:"job,omitempty"`
}

func toDetailsView(d *services.SessionDetails) detailsView {
	files := make([]fileView, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, fileView{ID: f.ID, DisplayName: f.DisplayName, MimeType: f.MimeType, SizeBytes: f.SizeBytes})
	}
	return detailsView{Session: toSessionView(d.Session), Files: files, Job: toJobView(d.Job)}
}

type eagerView struct {
	Session *sessionView            `json:"session"`
	Uploads []services.UploadTarget `json:"uploads"`
}

type confirmView struct {
	Session  *sessionView           `json:"session"`
	Failures []services.FileFailure `json:"failures,omitempty"`
}

type errorView struct {
	Error    string                 `json:"error"`
	Failures []services.FileFailure `json:"failures,omitempty"`
}
