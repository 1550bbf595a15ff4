package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/server/config"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/files"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/tasks"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MaxFilesPerBatch = 5
	cfg.MaxFileBytes = 1 << 16
	cfg.MaxBatchBytes = 1 << 18
	cfg.CallbackBaseURL = "http://intake.local/"
	cfg.CallbackSecret = "cb-secret"
	cfg.IntentSecretKey = "intent-secret"
	return cfg
}

func strPtr(s string) *string { return &s }

// --- in-memory store shared by the fake repositories ---

type resultKey struct{ job, file string }

type fakeStore struct {
	mu       sync.Mutex
	files    map[string]*models.FileRecord
	sessions map[string]*models.Session
	links    map[string][]string
	jobs     map[string]*models.PipelineJob
	results  map[resultKey]models.PipelineResult
	tasks    []*models.TaskEnvelope

	findErr          error
	findCalls        int
	createSessionErr error
	enqueueErr       error
	// onInsertOrIgnore runs before each InsertOrIgnore, outside the lock.
	onInsertOrIgnore func(f *models.FileRecord)
	// onCreateForIntent runs before each CreateForIntent, outside the lock.
	onCreateForIntent func(s *models.Session)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		files:    map[string]*models.FileRecord{},
		sessions: map[string]*models.Session{},
		links:    map[string][]string{},
		jobs:     map[string]*models.PipelineJob{},
		results:  map[resultKey]models.PipelineResult{},
	}
}

func (st *fakeStore) addFile(f *models.FileRecord) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *f
	st.files[f.ID] = &cp
}

func (st *fakeStore) addSession(s *models.Session, fileIDs ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *s
	st.sessions[s.ID] = &cp
	st.links[s.ID] = append(st.links[s.ID], fileIDs...)
}

func (st *fakeStore) addJob(j *models.PipelineJob) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *j
	st.jobs[j.ID] = &cp
}

func (st *fakeStore) session(id string) *models.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		cp := *s
		return &cp
	}
	return nil
}

func (st *fakeStore) job(id string) *models.PipelineJob {
	st.mu.Lock()
	defer st.mu.Unlock()
	if j, ok := st.jobs[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (st *fakeStore) linked(sessionID string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.links[sessionID]...)
}

func (st *fakeStore) counts() (files, sessions int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.files), len(st.sessions)
}

func (st *fakeStore) resultCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.results)
}

// --- files ---

type fakeFiles struct{ st *fakeStore }

func (r *fakeFiles) FindByFingerprints(ctx context.Context, scope string, fps []string) ([]*models.FileRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.findCalls++
	if r.st.findErr != nil {
		return nil, r.st.findErr
	}
	want := map[string]bool{}
	for _, fp := range fps {
		want[fp] = true
	}
	var out []*models.FileRecord
	for _, f := range r.st.files {
		if f.DedupScope == scope && f.Fingerprint != nil && want[*f.Fingerprint] {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeFiles) byKey(scope string, key models.DedupKey) *models.FileRecord {
	for _, f := range r.st.files {
		if k, ok := f.Key(); ok && f.DedupScope == scope && k == key {
			return f
		}
	}
	return nil
}

func (r *fakeFiles) InsertOrIgnore(ctx context.Context, f *models.FileRecord) (bool, error) {
	if r.st.onInsertOrIgnore != nil {
		r.st.onInsertOrIgnore(f)
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	key, _ := f.Key()
	if r.byKey(f.DedupScope, key) != nil {
		return false, nil
	}
	cp := *f
	r.st.files[f.ID] = &cp
	return true, nil
}

func (r *fakeFiles) GetByDedupKey(ctx context.Context, scope string, key models.DedupKey) (*models.FileRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	f := r.byKey(scope, key)
	if f == nil {
		return nil, common.ErrorNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeFiles) Create(ctx context.Context, f *models.FileRecord) error {
	r.st.addFile(f)
	return nil
}

func (r *fakeFiles) UpdateObserved(ctx context.Context, id string, size int64, mime string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	f, ok := r.st.files[id]
	if !ok {
		return common.ErrorNotFound
	}
	f.SizeBytes, f.MimeType = size, mime
	return nil
}

func (r *fakeFiles) ListBySession(ctx context.Context, sessionID string) ([]*models.FileRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*models.FileRecord
	for _, id := range r.st.links[sessionID] {
		cp := *r.st.files[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeFiles) DeleteUnreferenced(ctx context.Context, id string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, ids := range r.st.links {
		for _, fid := range ids {
			if fid == id {
				return false, nil
			}
		}
	}
	if _, ok := r.st.files[id]; !ok {
		return false, nil
	}
	delete(r.st.files, id)
	return true, nil
}

// --- sessions ---

type fakeSessions struct{ st *fakeStore }

func (r *fakeSessions) Create(ctx context.Context, s *models.Session) error {
	if r.st.createSessionErr != nil {
		return r.st.createSessionErr
	}
	s.CreatedAt = time.Now()
	r.st.addSession(s)
	return nil
}

func (r *fakeSessions) CreateForIntent(ctx context.Context, s *models.Session) (bool, error) {
	if r.st.onCreateForIntent != nil {
		r.st.onCreateForIntent(s)
	}
	if r.st.createSessionErr != nil {
		return false, r.st.createSessionErr
	}
	if _, err := r.GetByIntentID(ctx, *s.IntentID); err == nil {
		return false, nil
	}
	s.CreatedAt = time.Now()
	r.st.addSession(s)
	return true, nil
}

func (r *fakeSessions) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if s := r.st.session(id); s != nil {
		return s, nil
	}
	return nil, common.ErrorNotFound
}

func (r *fakeSessions) GetByIntentID(ctx context.Context, intentID string) (*models.Session, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, s := range r.st.sessions {
		if s.IntentID != nil && *s.IntentID == intentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *fakeSessions) LockByID(ctx context.Context, id string) (*models.Session, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeSessions) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, errMsg *string) error {
	if !models.CanTransition(from, to) {
		return common.ErrorConflict
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok || s.Status != from {
		return common.ErrorConflict
	}
	s.Status, s.ErrorMessage = to, errMsg
	return nil
}

func (r *fakeSessions) SetTotalFiles(ctx context.Context, id string, total int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.TotalFiles = total
	return nil
}

func (r *fakeSessions) LinkFile(ctx context.Context, sessionID, fileID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, id := range r.st.links[sessionID] {
		if id == fileID {
			return nil
		}
	}
	r.st.links[sessionID] = append(r.st.links[sessionID], fileID)
	return nil
}

func (r *fakeSessions) UnlinkFile(ctx context.Context, sessionID, fileID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	ids := r.st.links[sessionID]
	for i, id := range ids {
		if id == fileID {
			r.st.links[sessionID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// --- jobs ---

type fakeJobs struct{ st *fakeStore }

func (r *fakeJobs) Create(ctx context.Context, j *models.PipelineJob) error {
	r.st.addJob(j)
	return nil
}

func (r *fakeJobs) LockByID(ctx context.Context, id string) (*models.PipelineJob, error) {
	if j := r.st.job(id); j != nil {
		return j, nil
	}
	return nil, common.ErrorNotFound
}

func (r *fakeJobs) GetLatestBySession(ctx context.Context, sessionID string) (*models.PipelineJob, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, j := range r.st.jobs {
		if j.SessionID == sessionID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *fakeJobs) UpdateProgress(ctx context.Context, id string, processed int) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	j, ok := r.st.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	j.Status = models.JobRunning
	if processed > j.ProcessedFiles {
		j.ProcessedFiles = min(processed, j.TotalFiles)
	}
	return true, nil
}

func (r *fakeJobs) Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error) {
	if !status.Terminal() {
		return false, common.ErrorConflict
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	j, ok := r.st.jobs[id]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	j.Status, j.ErrorMessage = status, errMsg
	return true, nil
}

func (r *fakeJobs) InsertResults(ctx context.Context, results []models.PipelineResult) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, res := range results {
		k := resultKey{res.JobID, res.FileID}
		if _, ok := r.st.results[k]; !ok {
			r.st.results[k] = res
		}
	}
	return nil
}

// --- tasks ---

type fakeTasks struct{ st *fakeStore }

func (r *fakeTasks) Enqueue(ctx context.Context, id string, env *models.TaskEnvelope) error {
	if r.st.enqueueErr != nil {
		return r.st.enqueueErr
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.tasks = append(r.st.tasks, env)
	return nil
}

// --- repo manager ---

type fakeRepoManager struct{ st *fakeStore }

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Files(db dbx.DBTX) files.Repository           { return &fakeFiles{m.st} }
func (m *fakeRepoManager) Sessions(db dbx.DBTX) sessions.Repository     { return &fakeSessions{m.st} }
func (m *fakeRepoManager) Jobs(db dbx.DBTX) jobs.Repository             { return &fakeJobs{m.st} }
func (m *fakeRepoManager) Tasks(db dbx.DBTX) tasks.Repository           { return &fakeTasks{m.st} }
