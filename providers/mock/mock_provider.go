// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(req providers.AuthorizationRequest) (string, error)

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string, verifier security.Secret, redirectURI string) (*providers.TokenPair, error)

	// FetchResourceFunc is called when FetchResource() is invoked
	FetchResourceFunc func(ctx context.Context, accessToken security.Secret, resourceURL string) ([]byte, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(req providers.AuthorizationRequest) (string, error) {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s&code_challenge=%s&code_challenge_method=S256",
				req.State, req.CodeChallenge), nil
		},
		ExchangeCodeFunc: func(ctx context.Context, code string, verifier security.Secret, redirectURI string) (*providers.TokenPair, error) {
			return &providers.TokenPair{
				AccessToken:  security.NewSecret("mock-access-token"),
				RefreshToken: security.NewSecret("mock-refresh-token"),
				TokenType:    "Bearer",
			}, nil
		},
		FetchResourceFunc: func(ctx context.Context, accessToken security.Secret, resourceURL string) ([]byte, error) {
			return []byte(`{}`), nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release the lock before calling the user function, which may call
	// other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL returns the authorization URL for a request
func (m *MockProvider) AuthorizationURL(req providers.AuthorizationRequest) (string, error) {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://mock.example.com/authorize?state=" + req.State, nil
	}
	return fn(req)
}

// ExchangeCode exchanges an authorization code for tokens
func (m *MockProvider) ExchangeCode(ctx context.Context, code string, verifier security.Secret, redirectURI string) (*providers.TokenPair, error) {
	m.mu.Lock()
	m.CallCounts["ExchangeCode"]++
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return fn(ctx, code, verifier, redirectURI)
}

// FetchResource fetches a resource with an access token
func (m *MockProvider) FetchResource(ctx context.Context, accessToken security.Secret, resourceURL string) ([]byte, error) {
	m.mu.Lock()
	m.CallCounts["FetchResource"]++
	fn := m.FetchResourceFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("FetchResourceFunc not configured")
	}
	return fn(ctx, accessToken, resourceURL)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
