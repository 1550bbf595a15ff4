package services

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/server/config"
	"github.com/dmitrijs2005/docintake/internal/server/filetype"
	"github.com/dmitrijs2005/docintake/internal/server/models"
)

// FileMeta is the client-declared description of one file.
type FileMeta struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// UploadTarget tells a client where to PUT the bytes of one file.
type UploadTarget struct {
	ClientID   string `json:"client_id"`
	FileID     string `json:"file_id,omitempty"`
	URL        string `json:"url"`
	StorageKey string `json:"storage_key"`
}

// Limits bounds a single batch.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxBatchBytes int64
}

func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MaxFiles:      cfg.MaxFilesPerBatch,
		MaxFileBytes:  cfg.MaxFileBytes,
		MaxBatchBytes: cfg.MaxBatchBytes,
	}
}

func validateSessionMeta(meta models.SessionMeta) error {
	if strings.TrimSpace(meta.Name) == "" {
		return &BatchError{Kind: common.ErrorValidation, Message: "session name is required"}
	}
	return nil
}

// checkBatch validates batch-wide limits and every file's metadata. It
// returns the per-file metadata errors that do not abort the batch
// (indexed like files), or a BatchError if anything must abort it. With
// strict set, every metadata error aborts.
func checkBatch(meta models.SessionMeta, files []FileMeta, lim Limits, strict bool) ([]error, error) {
	if err := validateSessionMeta(meta); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &BatchError{Kind: common.ErrorValidation, Message: "batch has no files"}
	}
	if lim.MaxFiles > 0 && len(files) > lim.MaxFiles {
		return nil, &BatchError{Kind: common.ErrorValidation, Message: "too many files in batch"}
	}

	var (
		total    int64
		failures []FileFailure
		soft     = make([]error, len(files))
		seen     = make(map[string]struct{}, len(files))
	)
	for i, f := range files {
		if f.ClientID == "" {
			failures = append(failures, FileFailure{ClientID: f.Name, Reason: "missing client id"})
			continue
		}
		if _, dup := seen[f.ClientID]; dup {
			failures = append(failures, FileFailure{ClientID: f.ClientID, Reason: "duplicate client id"})
			continue
		}
		seen[f.ClientID] = struct{}{}
		total += f.Size

		err := filetype.CheckMeta(f.Name, f.MimeType, f.Size, lim.MaxFileBytes)
		switch {
		case err == nil:
		case strict || filetype.IsBatchFatal(err):
			failures = append(failures, FileFailure{ClientID: f.ClientID, Reason: reason(err)})
		default:
			soft[i] = err
		}
	}
	if len(failures) > 0 {
		return nil, &BatchError{Kind: common.ErrorValidation, Message: "invalid file metadata", Failures: failures}
	}
	if lim.MaxBatchBytes > 0 && total > lim.MaxBatchBytes {
		return nil, &BatchError{Kind: common.ErrorValidation, Message: "batch too large"}
	}
	return soft, nil
}

// reason strips the sentinel prefix from validation errors.
func reason(err error) string {
	msg := err.Error()
	if errors.Is(err, common.ErrorValidation) {
		msg = strings.TrimPrefix(msg, common.ErrorValidation.Error()+": ")
	}
	return msg
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
