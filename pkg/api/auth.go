package api

import (
	"context"
	"net/http"

	"github.com/aixcc-finals/capi-scoring/pkg/types"
)

type contextKey string

const teamContextKey contextKey = "team"

// withAuth requires valid basic-auth credentials (token-uuid:token-secret)
// and stashes the resolved TeamToken in the request context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		token, err := s.Auth.Verify(r.Context(), id, secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), teamContextKey, token)
		next(w, r.WithContext(ctx))
	}
}

// withAdmin requires valid basic-auth credentials belonging to an admin token.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		if !teamFromContext(r.Context()).IsAdmin {
			writeError(w, http.StatusForbidden, "admin credentials required")
			return
		}
		next(w, r)
	})
}

func teamFromContext(ctx context.Context) *types.TeamToken {
	t, _ := ctx.Value(teamContextKey).(*types.TeamToken)
	return t
}
