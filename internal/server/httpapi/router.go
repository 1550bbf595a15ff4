package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrijs2005/docintake/internal/logging"
	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

type StreamUploader interface {
	Upload(ctx context.Context, owner string, meta models.SessionMeta, files []services.StreamFile, src services.PayloadSource, sink services.EventSink) (*services.StreamResult, error)
}

type IntentManager interface {
	Init(ctx context.Context, owner string, meta models.SessionMeta, files []services.FileMeta) (*services.IntentGrant, error)
	Finish(ctx context.Context, owner, token string) (*models.Session, error)
	Cancel(ctx context.Context, owner, token string) error
}

type SessionManager interface {
	Get(ctx context.Context, owner, id string) (*services.SessionDetails, error)
	CreateEager(ctx context.Context, owner string, meta models.SessionMeta, files []services.FileMeta) (*services.EagerSession, error)
	Confirm(ctx context.Context, owner, id string) (*services.ConfirmResult, error)
	StartProcessing(ctx context.Context, owner, id string) (*models.PipelineJob, error)
	Fail(ctx context.Context, owner, id, reason string) (*models.Session, error)
}

type CallbackProcessor interface {
	Authenticate(presented string) error
	Handle(ctx context.Context, presented, jobID string, cb services.Callback) (services.Outcome, error)
}

// Handler serves every route. maxUpload bounds the body of a streaming upload.
type Handler struct {
	stream    StreamUploader
	intents   IntentManager
	sessions  SessionManager
	callbacks CallbackProcessor
	jwtSecret []byte
	maxUpload int64
	log       logging.Logger
}

func NewHandler(st StreamUploader, im IntentManager, sm SessionManager, cp CallbackProcessor, secretKey string, maxBatchBytes int64, l logging.Logger) *Handler {
	return &Handler{
		stream:    st,
		intents:   im,
		sessions:  sm,
		callbacks: cp,
		jwtSecret: []byte(secretKey),
		maxUpload: maxBatchBytes,
		log:       l.With("module", "http"),
	}
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pipeline/jobs/{id}/callback", h.handleCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Post("/uploads/stream", h.streamUpload)
			r.Post("/uploads/intents", h.initIntent)
			r.Post("/uploads/intents/finish", h.finishIntent)
			r.Post("/uploads/intents/cancel", h.cancelIntent)

			r.Post("/sessions", h.createSession)
			r.Get("/sessions/{id}", h.getSession)
			r.Post("/sessions/{id}/confirm", h.confirmSession)
			r.Post("/sessions/{id}/process", h.processSession)
			r.Post("/sessions/{id}/fail", h.failSession)
		})
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Info(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
