package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Error codes for requests the API refuses before they reach the engine.
const (
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeForbidden    = "FORBIDDEN"
)

var (
	errNoToken      = errors.New("mutating endpoints are disabled: no api token configured")
	errUnauthorized = errors.New("missing or invalid bearer token")
)

// staticToken validates a single shared bearer token.
type staticToken string

func (s staticToken) validate(token string) error {
	if s == "" {
		return errNoToken
	}
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return errUnauthorized
	}
	return nil
}

// bearerToken returns the credential of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireToken guards routes that change state. Without a configured token
// they answer 403; with one, a request must present it.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.token.validate(bearerToken(r))
		switch {
		case errors.Is(err, errNoToken):
			s.writeError(w, http.StatusForbidden, ErrCodeForbidden, err.Error(), nil)
			return
		case err != nil:
			s.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("Rejected unauthenticated request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="converge"`)
			s.writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
