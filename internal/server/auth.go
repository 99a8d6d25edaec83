package server

import (
	"net/http"

	"github.com/fabfab/kbrag/internal/apperr"
)

// Authenticator resolves an inbound request to a user id. The spec places
// the real auth system out of scope; DevAuthenticator stands in for it.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// DevAuthenticator trusts an X-User-Id header, for local development and
// tests. Production deployments supply a real bearer-token Authenticator.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		return "", apperr.New(apperr.KindPermissionDenied, "missing X-User-Id header")
	}
	return userID, nil
}
