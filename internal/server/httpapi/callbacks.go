package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/server/services"
)

// maxCallbackBody bounds a worker callback; completion callbacks carry one
// result payload per file.
const maxCallbackBody = 16 << 20

type outcomeView struct {
	Outcome services.Outcome `json:"outcome"`
}

// handleCallback is authenticated by the shared callback secret, not by a
// user token.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := h.callbacks.Authenticate(bearer(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody+1))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: read body: %v", common.ErrorValidation, err))
		return
	}
	if len(body) > maxCallbackBody {
		h.fail(w, r, fmt.Errorf("%w: callback body too large", common.ErrorValidation))
		return
	}
	cb, err := services.DecodeCallback(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.callbacks.Handle(r.Context(), bearer(r), chi.URLParam(r, "id"), cb)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView{Outcome: out})
}
