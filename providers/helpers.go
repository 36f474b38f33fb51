package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/bank-consent/security"
)

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config, so the
// exchange helpers work with any configured endpoint.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE performs a single code exchange attempt with the PKCE
// verifier over httpClient. The returned error is the raw oauth2 error; pass
// it to ClassifyExchangeError before it leaves the provider, since
// oauth2.RetrieveError embeds the response body.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code string, verifier security.Secret) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if !verifier.IsZero() {
		opts = append(opts, oauth2.VerifierOption(verifier.Reveal()))
	}

	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	return config.Exchange(ctx, code, opts...)
}

// ExchangeError describes a failed code exchange without echoing the
// provider response body, the code or the verifier.
type ExchangeError struct {
	// Err is one of ErrAuthorizationCodeInvalid, ErrClientAuthenticationFailed
	// or ErrTokenExchangeFailed.
	Err error

	// Status is the HTTP status of the last token endpoint response, 0 when
	// none was received.
	Status int

	// Code is the OAuth error code returned by the provider (e.g. invalid_grant)
	Code string

	// Attempts is the number of requests sent to the token endpoint.
	Attempts int

	// Transient is true when the last failure was worth retrying.
	Transient bool
}

func (e *ExchangeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	}
	return b.String()
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// ClassifyExchangeError maps an error from a single exchange attempt.
//
//   - network errors, timeouts, 5xx and 429 are transient
//   - invalid_client and 401 are ErrClientAuthenticationFailed
//   - any other 4xx is ErrAuthorizationCodeInvalid
//   - anything else, such as a response without access_token, is a malformed
//     response and ErrTokenExchangeFailed
func ClassifyExchangeError(err error) *ExchangeError {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		code := SanitizeErrorCode(retrieveErr.ErrorCode)

		switch {
		case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
			return &ExchangeError{Err: ErrTokenExchangeFailed, Status: status, Code: code, Transient: true}
		case code == "invalid_client" || status == http.StatusUnauthorized:
			return &ExchangeError{Err: ErrClientAuthenticationFailed, Status: status, Code: code}
		default:
			return &ExchangeError{Err: ErrAuthorizationCodeInvalid, Status: status, Code: code}
		}
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) {
		return &ExchangeError{Err: ErrTokenExchangeFailed, Transient: true}
	}

	return &ExchangeError{Err: ErrTokenExchangeFailed}
}

// IsMalformedResponse reports whether e describes a response that arrived but
// could not be used.
func (e *ExchangeError) IsMalformedResponse() bool {
	return errors.Is(e.Err, ErrTokenExchangeFailed) && !e.Transient && e.Status == 0
}

// SanitizeErrorCode keeps an OAuth error code only when it has the RFC 6749
// shape, so provider-controlled text never reaches logs verbatim.
func SanitizeErrorCode(code string) string {
	if code == "" || len(code) > 64 {
		return ""
	}
	for _, ch := range code {
		if (ch < 'a' || ch > 'z') && ch != '_' {
			return ""
		}
	}
	return code
}

// GrantedScopes returns the scopes from the token response "scope" field, or
// nil when the provider omitted it. Callers fall back to the requested scopes.
func GrantedScopes(token *oauth2.Token) []string {
	if token == nil {
		return nil
	}
	raw, ok := token.Extra("scope").(string)
	if !ok {
		return nil
	}
	return strings.Fields(raw)
}

// NewTokenPair wraps an oauth2 token in a TokenPair.
func NewTokenPair(token *oauth2.Token) *TokenPair {
	return &TokenPair{
		AccessToken:  security.NewSecret(token.AccessToken),
		RefreshToken: security.NewSecret(token.RefreshToken),
		TokenType:    token.Type(),
		Expiry:       token.Expiry,
		Scopes:       GrantedScopes(token),
	}
}
