package web

import (
	"net/http"
	"strings"
)

// invalidTokenMessage is the exact 401 message clients key on.
const invalidTokenMessage = "Token is invalid or expired."

// withAuth requires a valid bearer token. Minted tokens carry the
// shared key as a fourth dot-separated segment; anything past the
// three JWT segments is dropped before validation.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			s.errorResponse(w, http.StatusUnauthorized, invalidTokenMessage)
			return
		}

		if parts := strings.Split(tok, "."); len(parts) > 3 {
			tok = strings.Join(parts[:3], ".")
		}

		if _, err := s.tokens.Validate(tok); err != nil {
			s.errorResponse(w, http.StatusUnauthorized, invalidTokenMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}
