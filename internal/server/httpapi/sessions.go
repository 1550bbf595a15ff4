package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/docintake/internal/server/models"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

type batchRequest struct {
	Session models.SessionMeta  `json:"session"`
	Files   []services.FileMeta `json:"files"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

// fail logs unexpected errors before mapping them to a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusOf(err) == http.StatusInternalServerError {
		h.log.Error(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, err)
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.sessions.CreateEager(r.Context(), userID(r.Context()), req.Session, req.Files)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eagerView{Session: toSessionView(res.Session), Uploads: res.Uploads})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	d, err := h.sessions.Get(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsView(d))
}

func (h *Handler) confirmSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Confirm(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmView{Session: toSessionView(res.Session), Failures: res.Failures})
}

func (h *Handler) processSession(w http.ResponseWriter, r *http.Request) {
	job, err := h.sessions.StartProcessing(r.Context(), userID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobView(job))
}

// failSession accepts an empty body, in which case the default reason applies.
func (h *Handler) failSession(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, err)
		return
	}
	s, err := h.sessions.Fail(r.Context(), userID(r.Context()), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(s))
}
