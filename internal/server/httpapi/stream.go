package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

const manifestPart = "manifest"

type streamManifest struct {
	Session models.SessionMeta    `json:"session"`
	Files   []services.StreamFile `json:"files"`
}

// multipartSource serves file parts in request order. Parts the service does
// not ask for are skipped.
type multipartSource struct {
	mr *multipart.Reader
}

func (m *multipartSource) Payload(ctx context.Context, clientID string) (io.Reader, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, err := m.mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: no payload for %q", common.ErrorValidation, clientID)
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == clientID {
			return part, nil
		}
	}
}

// ndjsonSink writes one JSON object per line and flushes after each so the
// client sees progress as it happens. The 200 status goes out with the first
// event.
type ndjsonSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	enc     *json.Encoder
	started bool
}

// newNDJSONSink enables full duplex so file parts can still be read after
// the first event is written.
func newNDJSONSink(w http.ResponseWriter) *ndjsonSink {
	rc := http.NewResponseController(w)
	_ = rc.EnableFullDuplex()
	return &ndjsonSink{w: w, rc: rc, enc: json.NewEncoder(w)}
}

func (s *ndjsonSink) Emit(_ context.Context, e services.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := s.enc.Encode(e); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *ndjsonSink) wroteHeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// streamUpload expects a multipart body whose first part is the JSON manifest
// followed by one part per file, named by client id. Errors raised before the
// first event are plain JSON responses; after that the event stream carries
// the outcome.
func (h *Handler) streamUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+maxJSONBody)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: expected multipart body: %v", common.ErrorValidation, err))
		return
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != manifestPart {
		h.fail(w, r, fmt.Errorf("%w: first part must be %q", common.ErrorValidation, manifestPart))
		return
	}
	var m streamManifest
	if err := json.NewDecoder(io.LimitReader(part, maxJSONBody)).Decode(&m); err != nil {
		h.fail(w, r, fmt.Errorf("%w: malformed manifest: %v", common.ErrorValidation, err))
		return
	}

	sink := newNDJSONSink(w)
	res, err := h.stream.Upload(r.Context(), userID(r.Context()), m.Session, m.Files, &multipartSource{mr: mr}, sink)
	if err != nil {
		if !sink.wroteHeader() {
			h.fail(w, r, err)
			return
		}
		h.log.Info(r.Context(), "stream upload ended without commit", "err", err)
		return
	}
	h.log.Info(r.Context(), "stream upload committed",
		"session_id", res.Session.ID,
		"done", res.Done,
		"reused", res.Reused,
		"failed", res.Failed,
	)
}
