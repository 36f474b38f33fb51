package server

import (
	"fmt"
	"slices"

	"github.com/giantswarm/bank-consent/pkce"
)

// validateRequestedScopes checks the scopes of a new authorization request
// and returns them without duplicates.
func (s *Server) validateRequestedScopes(scopes []string) ([]string, error) {
	if err := pkce.ValidateScopes(scopes, true); err != nil {
		return nil, err
	}
	scopes = normalizeScopes(scopes)

	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return scopes, nil
	}
	for _, reqScope := range scopes {
		if !slices.Contains(s.Config.SupportedScopes, reqScope) {
			return nil, fmt.Errorf("%w: unsupported scope %q", pkce.ErrInvalidScope, reqScope)
		}
	}
	return scopes, nil
}

// checkScopesRequested requires granted to be a non-empty subset of requested.
func checkScopesRequested(granted, requested []string) error {
	if len(granted) == 0 {
		return fmt.Errorf("%w: no scope granted", ErrScopeNotRequested)
	}
	for _, g := range granted {
		if !slices.Contains(requested, g) {
			return fmt.Errorf("%w: %q", ErrScopeNotRequested, g)
		}
	}
	return nil
}

// normalizeScopes drops duplicates while keeping first-seen order.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	return out
}
