// Package server implements the consent broker core.
//
// It tracks authorization requests (state nonce, PKCE verifier, expiry),
// completes callbacks by exchanging the code with the provider outside every
// store lock, and keeps the consent ledger: grant records with scopes, a TTL,
// lazy expiry on read, revocation and a retention sweeper. Every lifecycle
// step is emitted to the security.Auditor.
//
// The Server type delegates to specialized modules:
//   - Provider integration (providers package)
//   - Request and grant storage (storage package)
//   - Redaction, audit and rate limiting (security package)
//   - Verifier, nonce and challenge generation (pkce package)
//
// Example usage:
//
//	provider, _ := bank.NewProvider(&bank.Config{...})
//	store := memory.New(memory.Config{})
//
//	srv, err := server.New(provider, store, &server.Config{
//	    ConsentTTL: 90 * 24 * time.Hour,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.SetAuditor(security.NewAuditor(security.AuditorConfig{Logger: logger}))
//
//	auth, _ := srv.StartAuthorization(ctx, "user-42", []string{"accounts", "transactions"})
//	// redirect the user to auth.URL; on callback:
//	grant, err := srv.HandleCallback(ctx, code, state)
package server
