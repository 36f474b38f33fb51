// Package providers defines the upstream bank provider interface and the
// token types shared by the exchange client and the consent ledger.
//
// Implementations are provided in subpackages:
//   - providers/bank: OAuth2 Authorization Code + PKCE client with retrying
//     token exchange
//   - providers/mock: function-field mock for tests
//
// Token material is carried as security.Secret; TokenPair.Summary gives the
// redacted view used in logs. Exchange failures are reported as
// *ExchangeError wrapping ErrAuthorizationCodeInvalid,
// ErrClientAuthenticationFailed or ErrTokenExchangeFailed, and never contain
// the provider response body.
package providers
