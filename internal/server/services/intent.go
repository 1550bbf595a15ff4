package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/logging"
	"github.com/dmitrijs2005/docintake/internal/server/auth"
	"github.com/dmitrijs2005/docintake/internal/server/config"
	"github.com/dmitrijs2005/docintake/internal/server/filetype"
	"github.com/dmitrijs2005/docintake/internal/server/fingerprint"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docintake/internal/server/storage"
)

// IntentGrant is what init hands back to the client.
type IntentGrant struct {
	IntentID  string         `json:"intent_id"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Uploads   []UploadTarget `json:"uploads"`
}

// IntentService implements the client-mediated upload: no pending state is
// stored server side, the signed intent token carries all of it.
type IntentService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	gateway     storage.Gateway
	resolver    *fingerprint.Resolver
	config      *config.Config
	limits      Limits
	log         logging.Logger
}

func NewIntentService(db *sql.DB, rm repomanager.RepositoryManager, gw storage.Gateway, cfg *config.Config, log logging.Logger) *IntentService {
	return &IntentService{
		db:          db,
		repomanager: rm,
		gateway:     gw,
		resolver:    fingerprint.NewResolver(rm.Files(db), cfg.DedupScope == config.DedupScopeGlobal),
		config:      cfg,
		limits:      LimitsFromConfig(cfg),
		log:         log.With("module", "intents"),
	}
}

func (s *IntentService) secret() []byte {
	return []byte(s.config.IntentSecretKey)
}

// Init validates metadata, assigns storage keys and returns presigned URLs
// with a signed token describing the pending batch.
func (s *IntentService) Init(ctx context.Context, owner string, meta models.SessionMeta, files []FileMeta) (*IntentGrant, error) {
	if _, err := checkBatch(meta, files, s.limits, true); err != nil {
		return nil, err
	}

	claims := &auth.IntentClaims{
		RegisteredClaims: jwt.RegisteredClaims{ID: uuid.NewString(), Subject: owner},
		Session:          meta,
		Files:            make([]auth.IntentFile, len(files)),
	}
	uploads := make([]UploadTarget, len(files))
	for i, f := range files {
		mime := filetype.Normalize(f.MimeType)
		key := storage.NewStorageKey(owner, f.Name)
		url, err := s.gateway.PresignPut(ctx, key, mime, f.Size, s.config.PresignTTL)
		if err != nil {
			return nil, err
		}
		claims.Files[i] = auth.IntentFile{ClientID: f.ClientID, Name: f.Name, MimeType: mime, Size: f.Size, StorageKey: key}
		uploads[i] = UploadTarget{ClientID: f.ClientID, URL: url, StorageKey: key}
	}

	token, err := auth.SignIntent(claims, s.secret(), s.config.IntentTTL)
	if err != nil {
		return nil, fmt.Errorf("sign intent: %w", err)
	}

	s.log.Info(ctx, "intent issued", "intent_id", claims.ID, "files", len(files))
	return &IntentGrant{
		IntentID:  claims.ID,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Uploads:   uploads,
	}, nil
}

func (s *IntentService) verify(owner, token string, allowExpired bool) (*auth.IntentClaims, error) {
	claims, err := auth.VerifyIntent(token, s.secret(), allowExpired)
	if err != nil {
		return nil, err
	}
	if claims.Subject != owner {
		return nil, common.ErrorUnauthorized
	}
	return claims, nil
}

func keysOf(claims *auth.IntentClaims) []string {
	keys := make([]string, len(claims.Files))
	for i, f := range claims.Files {
		keys[i] = f.StorageKey
	}
	return keys
}

// committed returns the session already created for an intent, or nil.
func (s *IntentService) committed(ctx context.Context, db dbx.DBTX, intentID string) (*models.Session, error) {
	sess, err := s.repomanager.Sessions(db).GetByIntentID(ctx, intentID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	return sess, err
}

// Finish verifies every object named by the token and commits the batch.
// Any missing or mismatching object rejects the whole intent and deletes
// every referenced object. Replaying a finished intent returns the session
// created the first time, even after the token has expired; a first commit
// needs an unexpired token.
func (s *IntentService) Finish(ctx context.Context, owner, token string) (*models.Session, error) {
	claims, err := s.verify(owner, token, true)
	if err != nil {
		return nil, err
	}

	if sess, err := s.committed(ctx, s.db, claims.ID); err != nil || sess != nil {
		return sess, err
	}

	if _, err := s.verify(owner, token, false); err != nil {
		return nil, err
	}

	failures, err := s.probe(ctx, claims.Files)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		storage.DeleteAll(ctx, s.gateway, s.log, keysOf(claims))
		s.log.Info(ctx, "intent rejected", "intent_id", claims.ID, "failures", len(failures))
		return nil, &BatchError{Kind: common.ErrorValidation, Message: "upload verification failed", Failures: failures}
	}

	intentID := claims.ID
	sess := &models.Session{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Name:       claims.Session.Name,
		Brief:      claims.Session.Brief,
		Title:      claims.Session.Title,
		Status:     models.SessionReady,
		TotalFiles: len(claims.Files),
		IntentID:   &intentID,
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		sessRepo := s.repomanager.Sessions(tx)
		fileRepo := s.repomanager.Files(tx)

		created, err := sessRepo.CreateForIntent(ctx, sess)
		if err != nil {
			return err
		}
		if !created {
			existing, err := sessRepo.GetByIntentID(ctx, intentID)
			if err != nil {
				return err
			}
			sess = existing
			return nil
		}

		for _, f := range claims.Files {
			rec := &models.FileRecord{
				ID:          uuid.NewString(),
				OwnerID:     owner,
				DedupScope:  s.resolver.ScopeKey(owner),
				DisplayName: f.Name,
				MimeType:    f.MimeType,
				SizeBytes:   f.Size,
				StorageKey:  f.StorageKey,
			}
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
		return nil, fmt.Errorf("error committing intent: %w", err)
	}

	s.log.Info(ctx, "intent finished", "intent_id", intentID, "session_id", sess.ID)
	return sess, nil
}

// probe heads every object and returns the files that failed verification.
// Only cancellation of ctx is returned as an error.
func (s *IntentService) probe(ctx context.Context, files []auth.IntentFile) ([]FileFailure, error) {
	reasons := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, f := range files {
		g.Go(func() error {
			info, err := s.gateway.Head(gctx, f.StorageKey)
			switch {
			case errors.Is(err, storage.ErrObjectNotFound):
				reasons[i] = "object not uploaded"
			case err != nil:
				s.log.Warn(gctx, "head failed", "storage_key", f.StorageKey, "err", err)
				reasons[i] = "storage error"
			case info.Size != f.Size:
				reasons[i] = fmt.Sprintf("size mismatch: declared %d, stored %d", f.Size, info.Size)
			case info.MimeType != "" && filetype.Normalize(info.MimeType) != f.MimeType:
				reasons[i] = "mime type mismatch"
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failures []FileFailure
	for i, r := range reasons {
		if r != "" {
			failures = append(failures, FileFailure{ClientID: files[i].ClientID, Reason: r})
		}
	}
	return failures, nil
}

// Cancel deletes every object named by the token. The token may be expired
// but must be authentic. Cancelling an intent that was already finished is
// a no-op.
func (s *IntentService) Cancel(ctx context.Context, owner, token string) error {
	claims, err := s.verify(owner, token, true)
	if err != nil {
		return err
	}

	sess, err := s.committed(ctx, s.db, claims.ID)
	if err != nil {
		return err
	}
	if sess != nil {
		return nil
	}

	storage.DeleteAll(ctx, s.gateway, s.log, keysOf(claims))
	s.log.Info(ctx, "intent cancelled", "intent_id", claims.ID)
	return nil
}
