package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

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

type EventType string

const (
	EventReused    EventType = "reused"
	EventValidated EventType = "validated"
	EventDone      EventType = "done"
	EventFailed    EventType = "failed"
	// Batch-level terminal events.
	EventCommitted EventType = "committed"
	EventAbandoned EventType = "abandoned"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Event is one step of a streaming upload as seen by the client.
type Event struct {
	Type       EventType `json:"type"`
	ClientID   string    `json:"client_id,omitempty"`
	FileID     string    `json:"file_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	TotalFiles int       `json:"total_files,omitempty"`
}

// EventSink receives events in order. An Emit error means the client is gone
// and is handled as a cancellation.
type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

// PayloadSource yields the bytes of a file by client id. Files are requested
// in manifest order and at most once each; files that are skipped are never
// requested.
type PayloadSource interface {
	Payload(ctx context.Context, clientID string) (io.Reader, error)
}

// StreamFile is one file of a streaming batch. Hash is the client's
// fingerprint of the content and is used only as a dedup lookup hint.
type StreamFile struct {
	FileMeta
	Hash string `json:"hash"`
}

// StreamResult summarizes a finished streaming upload.
type StreamResult struct {
	Session  *models.Session
	Done     int
	Reused   int
	Failed   int
	Failures []FileFailure
}

// ErrBatchAbandoned is returned when no file of a batch was confirmed.
var ErrBatchAbandoned = fmt.Errorf("%w: no file was accepted", common.ErrorValidation)

type StreamService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	gateway     storage.Gateway
	resolver    *fingerprint.Resolver
	hasher      *fingerprint.Hasher
	limits      Limits
	log         logging.Logger
}

func NewStreamService(db *sql.DB, rm repomanager.RepositoryManager, gw storage.Gateway, hasher *fingerprint.Hasher, cfg *config.Config, log logging.Logger) *StreamService {
	return &StreamService{
		db:          db,
		repomanager: rm,
		gateway:     gw,
		resolver:    fingerprint.NewResolver(rm.Files(db), cfg.DedupScope == config.DedupScopeGlobal),
		hasher:      hasher,
		limits:      LimitsFromConfig(cfg),
		log:         log.With("module", "stream"),
	}
}

// attempt is the per-request state of one Upload call.
type attempt struct {
	owner    string
	sink     EventSink
	stored   []string
	reused   []*models.FileRecord
	staged   []*models.FileRecord
	result   StreamResult
	svc      *StreamService
	scopeKey string
}

func (a *attempt) emit(ctx context.Context, e Event) error {
	if err := a.sink.Emit(ctx, e); err != nil {
		return fmt.Errorf("emit %s: %w", e.Type, context.Canceled)
	}
	return nil
}

func (a *attempt) fail(ctx context.Context, clientID, why string) error {
	a.result.Failed++
	a.result.Failures = append(a.result.Failures, FileFailure{ClientID: clientID, Reason: why})
	return a.emit(ctx, Event{Type: EventFailed, ClientID: clientID, Reason: why})
}

// Upload runs the streaming protocol for one batch. Metadata errors are
// returned before any event is emitted. After that every outcome is reported
// through sink, and the returned error only mirrors the terminal event.
func (s *StreamService) Upload(ctx context.Context, owner string, meta models.SessionMeta, files []StreamFile, src PayloadSource, sink EventSink) (*StreamResult, error) {
	metas := make([]FileMeta, len(files))
	for i, f := range files {
		metas[i] = f.FileMeta
	}
	soft, err := checkBatch(meta, metas, s.limits, false)
	if err != nil {
		return nil, err
	}

	candidates := make([]fingerprint.Candidate, len(files))
	for i, f := range files {
		if soft[i] != nil {
			continue
		}
		candidates[i] = fingerprint.Candidate{Fingerprint: f.Hash, SizeBytes: f.Size, MimeType: filetype.Normalize(f.MimeType)}
	}
	matches, err := s.resolver.Resolve(ctx, owner, candidates)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	a := &attempt{owner: owner, sink: sink, svc: s, scopeKey: s.resolver.ScopeKey(owner)}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return a.cancel(ctx, err)
		}

		var stepErr error
		switch {
		case soft[i] != nil:
			stepErr = a.fail(ctx, f.ClientID, reason(soft[i]))
		case matches[i] != nil:
			a.result.Reused++
			a.reused = append(a.reused, matches[i])
			stepErr = a.emit(ctx, Event{Type: EventReused, ClientID: f.ClientID, FileID: matches[i].ID})
		default:
			stepErr = a.store(ctx, src, f)
		}
		if stepErr != nil {
			return a.cancel(ctx, stepErr)
		}
	}

	if err := ctx.Err(); err != nil {
		return a.cancel(ctx, err)
	}

	if a.result.Done+a.result.Reused == 0 {
		storage.DeleteAll(ctx, s.gateway, s.log, a.stored)
		_ = a.emit(ctx, Event{Type: EventAbandoned, Reason: ErrBatchAbandoned.Error()})
		return &a.result, &BatchError{Kind: ErrBatchAbandoned, Message: "batch abandoned", Failures: a.result.Failures}
	}

	if err := a.commit(ctx, meta); err != nil {
		storage.DeleteAll(ctx, s.gateway, s.log, a.stored)
		if ctx.Err() != nil {
			_ = a.emit(ctx, Event{Type: EventCancelled})
			return &a.result, ctx.Err()
		}
		s.log.Error(ctx, "stream commit failed", "err", err)
		_ = a.emit(ctx, Event{Type: EventError, Reason: "commit failed"})
		return &a.result, fmt.Errorf("error committing batch: %w", err)
	}

	s.log.Info(ctx, "stream batch committed", "session_id", a.result.Session.ID,
		"done", a.result.Done, "reused", a.result.Reused, "failed", a.result.Failed)
	_ = a.emit(ctx, Event{Type: EventCommitted, SessionID: a.result.Session.ID, TotalFiles: a.result.Session.TotalFiles})
	return &a.result, nil
}

// store reads, checks, hashes and stores one file. Per-file problems are
// reported as failed events; only cancellation is returned.
func (a *attempt) store(ctx context.Context, src PayloadSource, f StreamFile) error {
	s := a.svc
	mime := filetype.Normalize(f.MimeType)

	r, err := src.Payload(ctx, f.ClientID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.fail(ctx, f.ClientID, "payload missing")
	}

	data, err := io.ReadAll(io.LimitReader(r, s.limits.MaxFileBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.fail(ctx, f.ClientID, "payload unreadable")
	}
	if s.limits.MaxFileBytes > 0 && int64(len(data)) > s.limits.MaxFileBytes {
		return a.fail(ctx, f.ClientID, "file too large")
	}
	if int64(len(data)) != f.Size {
		return a.fail(ctx, f.ClientID, "size does not match declared size")
	}

	head := data
	if len(head) > filetype.SniffLen {
		head = head[:filetype.SniffLen]
	}
	if err := filetype.Sniff(mime, head); err != nil {
		return a.fail(ctx, f.ClientID, reason(err))
	}
	if err := a.emit(ctx, Event{Type: EventValidated, ClientID: f.ClientID}); err != nil {
		return err
	}

	sums, err := s.hasher.Sum(bytes.NewReader(data))
	if err != nil {
		return a.fail(ctx, f.ClientID, "hash failed")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	key := storage.NewStorageKey(a.owner, f.Name)
	if err := s.gateway.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
		if ctx.Err() != nil {
			// the put may have landed before the cancellation was observed
			a.stored = append(a.stored, key)
			return ctx.Err()
		}
		s.log.Warn(ctx, "put failed", "storage_key", key, "err", err)
		return a.fail(ctx, f.ClientID, "storage error")
	}
	a.stored = append(a.stored, key)

	rec := &models.FileRecord{
		ID:          uuid.NewString(),
		OwnerID:     a.owner,
		DedupScope:  a.scopeKey,
		DisplayName: f.Name,
		MimeType:    mime,
		SizeBytes:   sums.Size,
		StorageKey:  key,
		Fingerprint: &sums.Fingerprint,
		Digest:      &sums.Digest,
	}
	a.staged = append(a.staged, rec)
	a.result.Done++
	return a.emit(ctx, Event{Type: EventDone, ClientID: f.ClientID})
}

// cancel deletes everything this attempt stored, then reports cancellation.
func (a *attempt) cancel(ctx context.Context, cause error) (*StreamResult, error) {
	storage.DeleteAll(ctx, a.svc.gateway, a.svc.log, a.stored)
	_ = a.sink.Emit(context.WithoutCancel(ctx), Event{Type: EventCancelled})
	a.svc.log.Info(ctx, "stream batch cancelled", "stored", len(a.stored), "cause", cause)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return &a.result, cause
	}
	return &a.result, fmt.Errorf("%w: %v", context.Canceled, cause)
}

// commit creates the session and links every confirmed file in one
// transaction. Staged records go through insert-or-ignore; when another
// writer already owns the dedup key its row wins and the object stored here
// is deleted after commit.
func (a *attempt) commit(ctx context.Context, meta models.SessionMeta) error {
	s := a.svc
	sess := &models.Session{
		ID:      uuid.NewString(),
		OwnerID: a.owner,
		Name:    meta.Name,
		Brief:   meta.Brief,
		Title:   meta.Title,
		Status:  models.SessionReady,
	}

	var redundant []string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		fileRepo := s.repomanager.Files(tx)
		sessRepo := s.repomanager.Sessions(tx)

		redundant = redundant[:0]
		linked := make([]string, 0, len(a.reused)+len(a.staged))
		seen := make(map[string]struct{}, cap(linked))
		link := func(id string) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				linked = append(linked, id)
			}
		}

		for _, r := range a.reused {
			link(r.ID)
		}
		for _, rec := range a.staged {
			inserted, err := fileRepo.InsertOrIgnore(ctx, rec)
			if err != nil {
				return err
			}
			if inserted {
				link(rec.ID)
				continue
			}
			key, _ := rec.Key()
			canonical, err := fileRepo.GetByDedupKey(ctx, a.scopeKey, key)
			if err != nil {
				return err
			}
			link(canonical.ID)
			redundant = append(redundant, rec.StorageKey)
		}

		sess.TotalFiles = len(linked)
		if err := sessRepo.Create(ctx, sess); err != nil {
			return err
		}
		for _, id := range linked {
			if err := sessRepo.LinkFile(ctx, sess.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.result.Session = sess
	storage.DeleteAll(ctx, s.gateway, s.log, redundant)
	return nil
}
