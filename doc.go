// Package consent brokers bank-data consent over the OAuth 2.0 authorization
// code flow with PKCE.
//
// A Service issues authorization requests (state nonce plus S256 challenge),
// completes the bank's callback by exchanging the code with the kept
// verifier, and records the result in a consent ledger with a fixed
// lifetime, revocation and background retention sweeps. Every lifecycle step
// is written to an audit sink; tokens, verifiers and client secrets never
// appear in logs, audit records or error messages.
//
//	svc, err := consent.New(&consent.Config{
//	    Provider: consent.ProviderConfig{
//	        AuthorizationEndpoint: "https://auth.bank.example/authorize",
//	        TokenEndpoint:         "https://auth.bank.example/token",
//	        ClientID:              "client-id",
//	        RedirectURI:           "https://app.example/callback",
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	svc.Start(ctx)
//	defer svc.Shutdown(context.Background())
//
//	http.ListenAndServe(":8080", consent.NewHandler(svc).Routes())
package consent
