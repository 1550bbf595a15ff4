package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/logging"
	"github.com/dmitrijs2005/docintake/internal/server/config"
	"github.com/dmitrijs2005/docintake/internal/server/filetype"
	"github.com/dmitrijs2005/docintake/internal/server/fingerprint"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docintake/internal/server/storage"
)

// SessionService owns session state transitions outside the two upload
// protocols: the eager create/confirm flow, dispatch to the pipeline and
// owner-requested failure.
type SessionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	gateway     storage.Gateway
	resolver    *fingerprint.Resolver
	config      *config.Config
	limits      Limits
	log         logging.Logger
}

func NewSessionService(db *sql.DB, rm repomanager.RepositoryManager, gw storage.Gateway, cfg *config.Config, log logging.Logger) *SessionService {
	return &SessionService{
		db:          db,
		repomanager: rm,
		gateway:     gw,
		resolver:    fingerprint.NewResolver(rm.Files(db), cfg.DedupScope == config.DedupScopeGlobal),
		config:      cfg,
		limits:      LimitsFromConfig(cfg),
		log:         log.With("module", "sessions"),
	}
}

// SessionDetails is a session with its files and most recent job.
type SessionDetails struct {
	Session *models.Session
	Files   []*models.FileRecord
	Job     *models.PipelineJob
}

// EagerSession is the result of CreateEager.
type EagerSession struct {
	Session *models.Session
	Uploads []UploadTarget
}

// ConfirmResult is the result of Confirm. Failures lists the files dropped
// from the session.
type ConfirmResult struct {
	Session  *models.Session
	Failures []FileFailure
}

// owned loads a session visible to owner. Foreign sessions read as not found.
func owned(s *models.Session, err error, owner string) (*models.Session, error) {
	if err != nil {
		return nil, err
	}
	if s.OwnerID != owner {
		return nil, common.ErrorNotFound
	}
	return s, nil
}

func (s *SessionService) Get(ctx context.Context, owner, id string) (*SessionDetails, error) {
	if !validID(id) {
		return nil, common.ErrorNotFound
	}
	sess, err := s.repomanager.Sessions(s.db).GetByID(ctx, id)
	sess, err = owned(sess, err, owner)
	if err != nil {
		return nil, err
	}

	fs, err := s.repomanager.Files(s.db).ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := s.repomanager.Jobs(s.db).GetLatestBySession(ctx, id)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	return &SessionDetails{Session: sess, Files: fs, Job: job}, nil
}

// CreateEager records an uploading session and one unfingerprinted
// FileRecord per file before any bytes exist, and returns presigned URLs.
func (s *SessionService) CreateEager(ctx context.Context, owner string, meta models.SessionMeta, files []FileMeta) (*EagerSession, error) {
	if _, err := checkBatch(meta, files, s.limits, true); err != nil {
		return nil, err
	}

	sess := &models.Session{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Name:       meta.Name,
		Brief:      meta.Brief,
		Title:      meta.Title,
		Status:     models.SessionUploading,
		TotalFiles: len(files),
	}

	records := make([]*models.FileRecord, len(files))
	uploads := make([]UploadTarget, len(files))
	for i, f := range files {
		mime := filetype.Normalize(f.MimeType)
		rec := &models.FileRecord{
			ID:          uuid.NewString(),
			OwnerID:     owner,
			DedupScope:  s.resolver.ScopeKey(owner),
			DisplayName: f.Name,
			MimeType:    mime,
			SizeBytes:   f.Size,
			StorageKey:  storage.NewStorageKey(owner, f.Name),
		}
		url, err := s.gateway.PresignPut(ctx, rec.StorageKey, mime, f.Size, s.config.PresignTTL)
		if err != nil {
			return nil, err
		}
		records[i] = rec
		uploads[i] = UploadTarget{ClientID: f.ClientID, FileID: rec.ID, URL: url, StorageKey: rec.StorageKey}
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		sessRepo := s.repomanager.Sessions(tx)
		fileRepo := s.repomanager.Files(tx)

		if err := sessRepo.Create(ctx, sess); err != nil {
			return err
		}
		for _, rec := range records {
			if err := fileRepo.Create(ctx, rec); err != nil {
				return err
			}
			if err := sessRepo.LinkFile(ctx, sess.ID, rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	s.log.Info(ctx, "eager session created", "session_id", sess.ID, "files", len(files))
	return &EagerSession{Session: sess, Uploads: uploads}, nil
}

type probe struct {
	info storage.ObjectInfo
	err  error
}

// verifyObserved checks what the store reports against a record and returns
// the corrected record values, or a failure reason.
func (s *SessionService) verifyObserved(rec *models.FileRecord, p probe) (int64, string, string) {
	switch {
	case errors.Is(p.err, storage.ErrObjectNotFound):
		return 0, "", "object not uploaded"
	case p.err != nil:
		return 0, "", "storage error"
	}

	size, mime := p.info.Size, rec.MimeType
	if observed := filetype.Normalize(p.info.MimeType); observed != "" && filetype.Allowed(observed) {
		mime = observed
	}
	if err := filetype.CheckMeta(rec.DisplayName, mime, size, s.limits.MaxFileBytes); err != nil {
		return 0, "", reason(err)
	}
	return size, mime, ""
}

// Confirm reconciles an uploading session against the object store.
// Files whose object is missing or invalid are unlinked and deleted; the
// session becomes ready if anything survives and failed otherwise.
func (s *SessionService) Confirm(ctx context.Context, owner, id string) (*ConfirmResult, error) {
	if !validID(id) {
		return nil, common.ErrorNotFound
	}
	sess, err := s.repomanager.Sessions(s.db).GetByID(ctx, id)
	sess, err = owned(sess, err, owner)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionUploading {
		return nil, common.ErrorConflict
	}

	recs, err := s.repomanager.Files(s.db).ListBySession(ctx, id)
	if err != nil {
		return nil, err
	}

	probes := make([]probe, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, rec := range recs {
		g.Go(func() error {
			info, err := s.gateway.Head(gctx, rec.StorageKey)
			probes[i] = probe{info: info, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		failures  []FileFailure
		dropped   []*models.FileRecord
		survivors int
	)
	type correction struct {
		rec  *models.FileRecord
		size int64
		mime string
	}
	var corrections []correction
	for i, rec := range recs {
		size, mime, why := s.verifyObserved(rec, probes[i])
		if why != "" {
			failures = append(failures, FileFailure{ClientID: rec.ID, Reason: why})
			dropped = append(dropped, rec)
			continue
		}
		survivors++
		if size != rec.SizeBytes || mime != rec.MimeType {
			corrections = append(corrections, correction{rec: rec, size: size, mime: mime})
		}
	}

	var orphaned []string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		sessRepo := s.repomanager.Sessions(tx)
		fileRepo := s.repomanager.Files(tx)

		locked, err := sessRepo.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != models.SessionUploading {
			return common.ErrorConflict
		}

		for _, rec := range dropped {
			if err := sessRepo.UnlinkFile(ctx, id, rec.ID); err != nil {
				return err
			}
			deleted, err := fileRepo.DeleteUnreferenced(ctx, rec.ID)
			if err != nil {
				return err
			}
			if deleted {
				orphaned = append(orphaned, rec.StorageKey)
			}
		}
		for _, c := range corrections {
			if err := fileRepo.UpdateObserved(ctx, c.rec.ID, c.size, c.mime); err != nil {
				return err
			}
			c.rec.SizeBytes, c.rec.MimeType = c.size, c.mime
		}
		if err := sessRepo.SetTotalFiles(ctx, id, survivors); err != nil {
			return err
		}

		if survivors == 0 {
			msg := "no files survived verification"
			sess.Status, sess.ErrorMessage = models.SessionFailed, &msg
			return sessRepo.UpdateStatus(ctx, id, models.SessionUploading, models.SessionFailed, &msg)
		}
		sess.Status = models.SessionReady
		return sessRepo.UpdateStatus(ctx, id, models.SessionUploading, models.SessionReady, nil)
	})
	if err != nil {
		return nil, err
	}
	sess.TotalFiles = survivors

	storage.DeleteAll(ctx, s.gateway, s.log, orphaned)

	s.log.Info(ctx, "session confirmed", "session_id", id, "status", sess.Status, "dropped", len(dropped))
	return &ConfirmResult{Session: sess, Failures: failures}, nil
}

func (s *SessionService) callbackURL(jobID string) string {
	return fmt.Sprintf("%s/api/v1/pipeline/jobs/%s/callback", strings.TrimRight(s.config.CallbackBaseURL, "/"), jobID)
}

// StartProcessing moves a ready session to processing, creates its job and
// enqueues the worker task in one transaction. An enqueue failure rolls all
// of it back and is returned.
func (s *SessionService) StartProcessing(ctx context.Context, owner, id string) (*models.PipelineJob, error) {
	if !validID(id) {
		return nil, common.ErrorNotFound
	}

	var job *models.PipelineJob
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		sessRepo := s.repomanager.Sessions(tx)

		sess, err := sessRepo.LockByID(ctx, id)
		sess, err = owned(sess, err, owner)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionReady {
			return common.ErrorConflict
		}
		if err := sessRepo.UpdateStatus(ctx, id, models.SessionReady, models.SessionProcessing, nil); err != nil {
			return err
		}

		recs, err := s.repomanager.Files(tx).ListBySession(ctx, id)
		if err != nil {
			return err
		}

		job = &models.PipelineJob{
			ID:         uuid.NewString(),
			SessionID:  id,
			Status:     models.JobQueued,
			TotalFiles: len(recs),
		}
		if err := s.repomanager.Jobs(tx).Create(ctx, job); err != nil {
			return err
		}

		envelope := &models.TaskEnvelope{
			SessionID:      id,
			JobID:          job.ID,
			CallbackURL:    s.callbackURL(job.ID),
			CallbackSecret: s.config.CallbackSecret,
			Brief:          sess.Brief,
			Files:          make([]models.TaskFile, 0, len(recs)),
		}
		for _, r := range recs {
			envelope.Files = append(envelope.Files, models.TaskFile{
				FileID:      r.ID,
				DisplayName: r.DisplayName,
				MimeType:    r.MimeType,
				SizeBytes:   r.SizeBytes,
				StorageKey:  r.StorageKey,
			})
		}
		return s.repomanager.Tasks(tx).Enqueue(ctx, uuid.NewString(), envelope)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "session dispatched", "session_id", id, "job_id", job.ID)
	return job, nil
}

// Fail marks a ready session failed at its owner's request.
func (s *SessionService) Fail(ctx context.Context, owner, id, why string) (*models.Session, error) {
	if !validID(id) {
		return nil, common.ErrorNotFound
	}
	if strings.TrimSpace(why) == "" {
		why = "cancelled by owner"
	}

	var sess *models.Session
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		sessRepo := s.repomanager.Sessions(tx)

		var err error
		sess, err = sessRepo.LockByID(ctx, id)
		sess, err = owned(sess, err, owner)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionReady {
			return common.ErrorConflict
		}
		if err := sessRepo.UpdateStatus(ctx, id, models.SessionReady, models.SessionFailed, &why); err != nil {
			return err
		}
		sess.Status, sess.ErrorMessage = models.SessionFailed, &why
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
