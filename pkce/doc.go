// Package pkce generates the random secrets used by the authorization
// handshake and derives PKCE (RFC 7636) challenges and authorization URLs
// from them.
//
// Only the S256 method is supported. The plain method exposes the verifier on
// the front channel and is never emitted.
//
//	gen := pkce.NewGenerator(nil) // crypto/rand
//	verifier, err := gen.GenerateVerifier()
//	if err != nil {
//	    return err // pkce.ErrEntropyUnavailable: do not fall back
//	}
//	authURL, err := pkce.BuildAuthorizationURL(pkce.AuthURLParams{
//	    BaseURL:     "https://bank.example/authorize",
//	    ClientID:    "client-1",
//	    RedirectURI: "https://app.example/callback",
//	    Scopes:      []string{"accounts", "transactions"},
//	    State:       nonce,
//	    Challenge:   pkce.BuildChallenge(verifier),
//	})
package pkce
