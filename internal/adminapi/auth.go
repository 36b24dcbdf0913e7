package adminapi

import (
	"crypto/subtle"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorize checks the static admin bearer token. An empty configured
// token means the admin routes are disabled outright.
func (s *Server) authorize(authHeader string) *authError {
	if s.cfg.Token == "" {
		return &authError{status: 404, code: "not_found", message: "admin api disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) != 1 {
		return &authError{status: 401, code: "unauthorized", message: "invalid admin token"}
	}
	return nil
}
