package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/server/auth"
)

type ctxKey string

const userIDKey ctxKey = "userID"

func bearer(r *http.Request) string {
	h := r.Header.Get(common.AuthorizationHeaderName)
	if !strings.HasPrefix(h, common.BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, common.BearerPrefix))
}

// requireUser resolves the access token to a principal id.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			writeError(w, common.ErrorUnauthorized)
			return
		}
		userID, err := auth.GetUserIDFromToken(token, h.jwtSecret)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
