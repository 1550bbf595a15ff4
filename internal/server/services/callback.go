package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/logging"
	"github.com/dmitrijs2005/docintake/internal/server/config"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/repomanager"
)

// Callback is one notification from the pipeline worker. It is one of
// *ProgressCallback, *CompletionCallback or *ErrorCallback.
type Callback interface {
	callback()
}

type ProgressCallback struct {
	ProcessedFiles int
}

type CompletionCallback struct {
	Results []models.PipelineResult
}

// ErrorCallback fails the job. Results, if any, are partial and kept.
type ErrorCallback struct {
	Message string
	Results []models.PipelineResult
}

func (*ProgressCallback) callback()   {}
func (*CompletionCallback) callback() {}
func (*ErrorCallback) callback()      {}

type callbackWire struct {
	Type           string                  `json:"type"`
	ProcessedFiles *int                    `json:"processed_files"`
	Message        string                  `json:"message"`
	Results        []models.PipelineResult `json:"results"`
}

// DecodeCallback parses the worker payload on its "type" discriminator.
func DecodeCallback(data []byte) (Callback, error) {
	var w callbackWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: malformed callback: %v", common.ErrorValidation, err)
	}

	for _, r := range w.Results {
		if r.FileID == "" || len(r.Payload) == 0 {
			return nil, fmt.Errorf("%w: result without file_id or payload", common.ErrorValidation)
		}
	}

	switch w.Type {
	case "progress":
		if w.ProcessedFiles == nil || *w.ProcessedFiles < 0 {
			return nil, fmt.Errorf("%w: progress needs a non-negative processed_files", common.ErrorValidation)
		}
		return &ProgressCallback{ProcessedFiles: *w.ProcessedFiles}, nil
	case "completion":
		return &CompletionCallback{Results: w.Results}, nil
	case "error":
		if w.Message == "" {
			w.Message = "pipeline error"
		}
		return &ErrorCallback{Message: w.Message, Results: w.Results}, nil
	default:
		return nil, fmt.Errorf("%w: unknown callback type %q", common.ErrorValidation, w.Type)
	}
}

// Outcome tells the worker whether its callback changed anything.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
)

type CallbackService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	secret      []byte
	log         logging.Logger
}

func NewCallbackService(db *sql.DB, rm repomanager.RepositoryManager, cfg *config.Config, log logging.Logger) *CallbackService {
	return &CallbackService{
		db:          db,
		repomanager: rm,
		secret:      []byte(cfg.CallbackSecret),
		log:         log.With("module", "callbacks"),
	}
}

// Authenticate compares the presented bearer secret in constant time.
func (s *CallbackService) Authenticate(presented string) error {
	if len(s.secret) == 0 || subtle.ConstantTimeCompare([]byte(presented), s.secret) != 1 {
		return common.ErrorUnauthorized
	}
	return nil
}

// Handle applies a callback to its job. Callbacks for a job already in a
// terminal state are acknowledged and discarded.
func (s *CallbackService) Handle(ctx context.Context, presented, jobID string, cb Callback) (Outcome, error) {
	if err := s.Authenticate(presented); err != nil {
		return "", err
	}
	if !validID(jobID) {
		return "", common.ErrorNotFound
	}

	outcome := OutcomeApplied
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		jobRepo := s.repomanager.Jobs(tx)

		job, err := jobRepo.LockByID(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			outcome = OutcomeIgnored
			return nil
		}

		switch c := cb.(type) {
		case *ProgressCallback:
			updated, err := jobRepo.UpdateProgress(ctx, jobID, c.ProcessedFiles)
			if err != nil {
				return err
			}
			if !updated {
				outcome = OutcomeIgnored
			}
			return nil
		case *CompletionCallback:
			return s.finish(ctx, tx, job, models.JobCompleted, nil, c.Results, true)
		case *ErrorCallback:
			msg := c.Message
			return s.finish(ctx, tx, job, models.JobFailed, &msg, c.Results, false)
		default:
			return fmt.Errorf("%w: unsupported callback %T", common.ErrorValidation, cb)
		}
	})
	if err != nil {
		return "", err
	}

	s.log.Info(ctx, "callback handled", "job_id", jobID, "kind", fmt.Sprintf("%T", cb), "outcome", outcome)
	return outcome, nil
}

// finish stores results and moves the job and its session to the same
// terminal state. With strict set a result for a file outside the session
// rejects the callback; otherwise such results are dropped so a failure
// report always lands.
func (s *CallbackService) finish(ctx context.Context, tx dbx.DBTX, job *models.PipelineJob, status models.JobStatus, errMsg *string, results []models.PipelineResult, strict bool) error {
	if len(results) > 0 {
		files, err := s.repomanager.Files(tx).ListBySession(ctx, job.SessionID)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(files))
		for _, f := range files {
			known[f.ID] = struct{}{}
		}
		rows := make([]models.PipelineResult, 0, len(results))
		for _, r := range results {
			if _, ok := known[r.FileID]; !ok {
				if strict {
					return fmt.Errorf("%w: result for unknown file %s", common.ErrorValidation, r.FileID)
				}
				s.log.Warn(ctx, "dropping result for unknown file", "job_id", job.ID, "file_id", r.FileID)
				continue
			}
			r.JobID = job.ID
			rows = append(rows, r)
		}
		if len(rows) > 0 {
			if err := s.repomanager.Jobs(tx).InsertResults(ctx, rows); err != nil {
				return err
			}
		}
	}

	finished, err := s.repomanager.Jobs(tx).Finish(ctx, job.ID, status, errMsg)
	if err != nil {
		return err
	}
	if !finished {
		return common.ErrorConflict
	}

	sessStatus := models.SessionCompleted
	if status == models.JobFailed {
		sessStatus = models.SessionFailed
	}
	return s.repomanager.Sessions(tx).UpdateStatus(ctx, job.SessionID, models.SessionProcessing, sessStatus, errMsg)
}
