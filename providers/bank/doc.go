// Package bank implements the providers.Provider interface for an upstream
// bank data provider speaking OAuth2 Authorization Code with PKCE.
//
// The token exchange posts the code, redirect URI, verifier and client
// credentials in the form body (oauth2.AuthStyleInParams) and retries
// network errors, timeouts, 5xx and 429 responses with bounded exponential
// backoff:
//
//	provider, err := bank.NewProvider(&bank.Config{
//	    AuthorizationEndpoint: "https://bank.example/oauth/authorize",
//	    TokenEndpoint:         "https://bank.example/oauth/token",
//	    ClientID:              "client-id",
//	    ClientSecret:          security.NewSecret("client-secret"),
//	    RedirectURI:           "https://app.example/callback",
//	    RetryLimit:            3,
//	})
//
// Rejected codes (any 4xx) and client authentication failures are permanent
// and returned after a single attempt.
package bank
