package httpapi

import (
	"net/http"
)

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) initIntent(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	grant, err := h.intents.Init(r.Context(), userID(r.Context()), req.Session, req.Files)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handler) finishIntent(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.intents.Finish(r.Context(), userID(r.Context()), req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(s))
}

func (h *Handler) cancelIntent(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.intents.Cancel(r.Context(), userID(r.Context()), req.Token); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
