package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/logging"
	"github.com/dmitrijs2005/docintake/internal/server/auth"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

const (
	jwtSecret = "jwt-secret"
	owner     = "user-1"
	sessionID = "7b0c4a52-4a0f-4c39-8d5e-2f3b1c9a6e11"
)

type fakeStream struct {
	err      error
	emitted  []services.Event
	payloads map[string]string
	owner    string
	manifest []services.StreamFile
}

func (f *fakeStream) Upload(ctx context.Context, owner string, meta models.SessionMeta, files []services.StreamFile, src services.PayloadSource, sink services.EventSink) (*services.StreamResult, error) {
	f.owner = owner
	f.manifest = files
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = map[string]string{}
	for _, fm := range files {
		r, err := src.Payload(ctx, fm.ClientID)
		if err != nil {
			_ = sink.Emit(ctx, services.Event{Type: services.EventFailed, ClientID: fm.ClientID, Reason: err.Error()})
			continue
		}
		b, _ := io.ReadAll(r)
		f.payloads[fm.ClientID] = string(b)
		_ = sink.Emit(ctx, services.Event{Type: services.EventDone, ClientID: fm.ClientID})
	}
	s := &models.Session{ID: sessionID, Name: meta.Name, Status: models.SessionReady, TotalFiles: len(f.payloads)}
	_ = sink.Emit(ctx, services.Event{Type: services.EventCommitted, SessionID: s.ID, TotalFiles: s.TotalFiles})
	return &services.StreamResult{Session: s, Done: len(f.payloads)}, nil
}

type fakeIntents struct {
	finishErr error
	cancelled string
}

func (f *fakeIntents) Init(_ context.Context, _ string, _ models.SessionMeta, files []services.FileMeta) (*services.IntentGrant, error) {
	g := &services.IntentGrant{IntentID: "intent-1", Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	for _, fm := range files {
		g.Uploads = append(g.Uploads, services.UploadTarget{ClientID: fm.ClientID, URL: "memory://" + fm.ClientID})
	}
	return g, nil
}

func (f *fakeIntents) Finish(_ context.Context, _ string, _ string) (*models.Session, error) {
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	return &models.Session{ID: sessionID, Status: models.SessionReady, TotalFiles: 1}, nil
}

func (f *fakeIntents) Cancel(_ context.Context, _ string, token string) error {
	f.cancelled = token
	return nil
}

type fakeSessions struct {
	err        error
	failReason *string
}

func (f *fakeSessions) Get(_ context.Context, _ string, id string) (*services.SessionDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.SessionDetails{
		Session: &models.Session{ID: id, Name: "batch", Status: models.SessionReady, TotalFiles: 1},
		Files:   []*models.FileRecord{{ID: "file-1", DisplayName: "a.pdf", MimeType: "application/pdf", SizeBytes: 10}},
	}, nil
}

func (f *fakeSessions) CreateEager(_ context.Context, _ string, meta models.SessionMeta, files []services.FileMeta) (*services.EagerSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.EagerSession{
		Session: &models.Session{ID: sessionID, Name: meta.Name, Status: models.SessionUploading, TotalFiles: len(files)},
	}, nil
}

func (f *fakeSessions) Confirm(_ context.Context, _ string, id string) (*services.ConfirmResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.ConfirmResult{
		Session:  &models.Session{ID: id, Status: models.SessionReady},
		Failures: []services.FileFailure{{ClientID: "b", Reason: "object not uploaded"}},
	}, nil
}

func (f *fakeSessions) StartProcessing(_ context.Context, _ string, id string) (*models.PipelineJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.PipelineJob{ID: "job-1", SessionID: id, Status: models.JobQueued, TotalFiles: 2}, nil
}

func (f *fakeSessions) Fail(_ context.Context, _ string, id, reason string) (*models.Session, error) {
	f.failReason = &reason
	return &models.Session{ID: id, Status: models.SessionFailed}, nil
}

type fakeCallbacks struct {
	handled services.Callback
}

func (f *fakeCallbacks) Authenticate(presented string) error {
	if presented != "cb-secret" {
		return common.ErrorUnauthorized
	}
	return nil
}

func (f *fakeCallbacks) Handle(_ context.Context, presented, _ string, cb services.Callback) (services.Outcome, error) {
	if err := f.Authenticate(presented); err != nil {
		return "", err
	}
	f.handled = cb
	return services.OutcomeApplied, nil
}

type fixture struct {
	stream    *fakeStream
	intents   *fakeIntents
	sessions  *fakeSessions
	callbacks *fakeCallbacks
	srv       *httptest.Server
	token     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stream:    &fakeStream{},
		intents:   &fakeIntents{},
		sessions:  &fakeSessions{},
		callbacks: &fakeCallbacks{},
	}
	h := NewHandler(f.stream, f.intents, f.sessions, f.callbacks, jwtSecret, 1<<20, logging.Nop())
	f.srv = httptest.NewServer(h.Router())
	t.Cleanup(f.srv.Close)

	tok, err := auth.GenerateToken(owner, []byte(jwtSecret), time.Hour)
	require.NoError(t, err)
	f.token = tok
	return f
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader, bearerToken string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearerToken != "" {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+bearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, "application/json", bytes.NewReader(b), f.token)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuth_MissingOrBadToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, "", nil, f.token+"x")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := auth.GenerateToken(owner, []byte("other-secret"), time.Hour)
	require.NoError(t, err)
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, "", nil, other)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID, "", nil, f.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[detailsView](t, resp)
	assert.Equal(t, sessionID, got.Session.ID)
	assert.Equal(t, "ready", got.Session.Status)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "a.pdf", got.Files[0].DisplayName)
	assert.Nil(t, got.Job)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"not found", common.ErrorNotFound, http.StatusNotFound, "not found"},
		{"conflict", fmt.Errorf("session is ready: %w", common.ErrorConflict), http.StatusConflict, "session is ready: state conflict"},
		{"validation", fmt.Errorf("%w: name is required", common.ErrorValidation), http.StatusBadRequest, "validation error: name is required"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sessions.err = tt.err

			resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/process", "", nil, f.token)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.msg, decode[errorView](t, resp).Error)
		})
	}
}

func TestBatchErrorCarriesFailures(t *testing.T) {
	f := newFixture(t)
	f.sessions.err = &services.BatchError{
		Kind:     common.ErrorValidation,
		Message:  "batch rejected",
		Failures: []services.FileFailure{{ClientID: "a", Reason: "unsupported file type"}},
	}

	resp := f.postJSON(t, "/api/v1/sessions", batchRequest{Session: models.SessionMeta{Name: "x"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	got := decode[errorView](t, resp)
	assert.Equal(t, "batch rejected", got.Error)
	assert.Equal(t, []services.FileFailure{{ClientID: "a", Reason: "unsupported file type"}}, got.Failures)
}

func TestCreateAndConfirmSession(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/api/v1/sessions", batchRequest{
		Session: models.SessionMeta{Name: "batch"},
		Files:   []services.FileMeta{{ClientID: "a", Name: "a.pdf", MimeType: "application/pdf", Size: 10}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "uploading", decode[eagerView](t, resp).Session.Status)

	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/confirm", "", nil, f.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[confirmView](t, resp)
	assert.Equal(t, "ready", got.Session.Status)
	assert.Len(t, got.Failures, 1)
}

func TestCreateSession_UnknownField(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions", "application/json", strings.NewReader(`{"session":{"name":"x"},"extra":1}`), f.token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessSession(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/process", "", nil, f.token)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	got := decode[jobView](t, resp)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, 2, got.TotalFiles)
}

func TestFailSession_EmptyBodyUsesDefaultReason(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+sessionID+"/fail", "", nil, f.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, f.sessions.failReason)
	assert.Equal(t, "", *f.sessions.failReason)

	resp = f.postJSON(t, "/api/v1/sessions/"+sessionID+"/fail", failRequest{Reason: "wrong files"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wrong files", *f.sessions.failReason)
}

func TestIntentRoutes(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/api/v1/uploads/intents", batchRequest{
		Session: models.SessionMeta{Name: "batch"},
		Files:   []services.FileMeta{{ClientID: "a", Name: "a.pdf", MimeType: "application/pdf", Size: 10}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	grant := decode[services.IntentGrant](t, resp)
	assert.Equal(t, "intent-1", grant.IntentID)
	require.Len(t, grant.Uploads, 1)

	resp = f.postJSON(t, "/api/v1/uploads/intents/finish", tokenRequest{Token: grant.Token})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, sessionID, decode[sessionView](t, resp).ID)

	resp = f.postJSON(t, "/api/v1/uploads/intents/cancel", tokenRequest{Token: "tok-2"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "tok-2", f.intents.cancelled)
}

func TestFinishIntent_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.intents.finishErr = common.ErrTokenExpired

	resp := f.postJSON(t, "/api/v1/uploads/intents/finish", tokenRequest{Token: "old"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func multipartBody(t *testing.T, manifest any, parts [][2]string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if manifest != nil {
		w, err := mw.CreateFormField(manifestPart)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(manifest))
	}
	for _, p := range parts {
		w, err := mw.CreateFormFile(p[0], p[0]+".bin")
		require.NoError(t, err)
		_, err = w.Write([]byte(p[1]))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), &buf
}

func readEvents(t *testing.T, r io.Reader) []services.Event {
	t.Helper()
	var out []services.Event
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var e services.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestStreamUpload_EventsAndPayloads(t *testing.T) {
	f := newFixture(t)
	m := streamManifest{
		Session: models.SessionMeta{Name: "batch"},
		Files: []services.StreamFile{
			{FileMeta: services.FileMeta{ClientID: "a", Name: "a.txt", MimeType: "text/plain", Size: 5}},
			{FileMeta: services.FileMeta{ClientID: "b", Name: "b.txt", MimeType: "text/plain", Size: 5}},
		},
	}
	ct, body := multipartBody(t, m, [][2]string{{"a", "hello"}, {"stray", "zzz"}, {"b", "world"}})

	resp := f.do(t, http.MethodPost, "/api/v1/uploads/stream", ct, body, f.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, services.EventDone, events[0].Type)
	assert.Equal(t, services.EventDone, events[1].Type)
	assert.Equal(t, services.EventCommitted, events[2].Type)
	assert.Equal(t, 2, events[2].TotalFiles)

	assert.Equal(t, owner, f.stream.owner)
	assert.Equal(t, map[string]string{"a": "hello", "b": "world"}, f.stream.payloads)
}

func TestStreamUpload_MissingPartFailsThatFile(t *testing.T) {
	f := newFixture(t)
	m := streamManifest{
		Session: models.SessionMeta{Name: "batch"},
		Files: []services.StreamFile{
			{FileMeta: services.FileMeta{ClientID: "a", Name: "a.txt", MimeType: "text/plain", Size: 5}},
			{FileMeta: services.FileMeta{ClientID: "b", Name: "b.txt", MimeType: "text/plain", Size: 5}},
		},
	}
	ct, body := multipartBody(t, m, [][2]string{{"a", "hello"}})

	resp := f.do(t, http.MethodPost, "/api/v1/uploads/stream", ct, body, f.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, services.EventFailed, events[1].Type)
	assert.Equal(t, "b", events[1].ClientID)
}

func TestStreamUpload_RejectedBeforeStreaming(t *testing.T) {
	f := newFixture(t)
	f.stream.err = &services.BatchError{
		Kind:     common.ErrorValidation,
		Message:  "batch rejected",
		Failures: []services.FileFailure{{ClientID: "a", Reason: "file too large"}},
	}
	ct, body := multipartBody(t, streamManifest{Session: models.SessionMeta{Name: "x"}}, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/uploads/stream", ct, body, f.token)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, decode[errorView](t, resp).Failures, 1)
}

func TestStreamUpload_BadEnvelope(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/uploads/stream", "application/json", strings.NewReader(`{}`), f.token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ct, body := multipartBody(t, nil, [][2]string{{"a", "hello"}})
	resp = f.do(t, http.MethodPost, "/api/v1/uploads/stream", ct, body, f.token)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, f.stream.manifest)
}

func TestCallback(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/pipeline/jobs/job-1/callback"

	resp := f.do(t, http.MethodPost, path, "application/json", strings.NewReader(`{"type":"progress","processed_files":1}`), "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, f.callbacks.handled)

	resp = f.do(t, http.MethodPost, path, "application/json", strings.NewReader(`{"type":"bogus"}`), "cb-secret")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, path, "application/json", strings.NewReader(`{"type":"progress","processed_files":1}`), "cb-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, services.OutcomeApplied, decode[outcomeView](t, resp).Outcome)
	require.IsType(t, &services.ProgressCallback{}, f.callbacks.handled)
}

func TestCallback_NoUserTokenNeeded(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/pipeline/jobs/job-1/callback", "application/json",
		strings.NewReader(`{"type":"completion","results":[{"file_id":"f1","payload":{"ok":true}}]}`), "cb-secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
