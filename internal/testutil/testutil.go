package testutil

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/security"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime = security.ManualClock

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return security.NewManualClock(t)
}

// ErrEntropyExhausted is returned by FailingReader once its budget is spent
var ErrEntropyExhausted = errors.New("test entropy exhausted")

// FailingReader serves random bytes until Budget bytes have been read and
// fails afterwards. A zero Budget fails immediately.
type FailingReader struct {
	mu     sync.Mutex
	Budget int
}

// Read implements io.Reader.
func (r *FailingReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Budget <= 0 {
		return 0, ErrEntropyExhausted
	}
	n := min(len(p), r.Budget)
	if _, err := rand.Read(p[:n]); err != nil {
		return 0, err
	}
	r.Budget -= n
	return n, nil
}

// ShortReader returns at most N bytes in total and then io.EOF.
func ShortReader(n int) io.Reader {
	return io.LimitReader(rand.Reader, int64(n))
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// LogBuffer is a concurrency-safe buffer for capturing log output
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewCapturingLogger returns a debug-level JSON logger writing to a LogBuffer.
func NewCapturingLogger() (*slog.Logger, *LogBuffer) {
	buf := &LogBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestTokenPair creates a token pair with random tokens
func GenerateTestTokenPair() *providers.TokenPair {
	return &providers.TokenPair{
		AccessToken:  security.NewSecret("at-" + GenerateRandomString(32)),
		RefreshToken: security.NewSecret("rt-" + GenerateRandomString(32)),
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

// TokenResponse is one scripted token endpoint reply
type TokenResponse struct {
	Status int
	Body   map[string]any
}

// Success returns a 200 reply carrying accessToken and the given scopes.
func Success(accessToken string, scopes ...string) TokenResponse {
	body := map[string]any{
		"access_token":  accessToken,
		"refresh_token": "refresh-" + accessToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	}
	if len(scopes) > 0 {
		body["scope"] = strings.Join(scopes, " ")
	}
	return TokenResponse{Status: http.StatusOK, Body: body}
}

// Failure returns an OAuth error reply.
func Failure(status int, code string) TokenResponse {
	return TokenResponse{Status: status, Body: map[string]any{"error": code}}
}

// TokenEndpoint is an httptest token endpoint that replays scripted replies
// and records the forms it received. The last reply repeats once the script
// runs out.
type TokenEndpoint struct {
	*httptest.Server

	mu        sync.Mutex
	responses []TokenResponse
	forms     []url.Values
}

// NewTokenEndpoint starts a token endpoint. Call Close when done.
func NewTokenEndpoint(responses ...TokenResponse) *TokenEndpoint {
	te := &TokenEndpoint{responses: responses}
	te.Server = httptest.NewServer(http.HandlerFunc(te.serve))
	return te
}

func (te *TokenEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	te.mu.Lock()
	te.forms = append(te.forms, r.PostForm)
	resp := Failure(http.StatusInternalServerError, "server_error")
	if len(te.responses) > 0 {
		resp = te.responses[0]
		if len(te.responses) > 1 {
			te.responses = te.responses[1:]
		}
	}
	te.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp.Body)
}

// Requests returns the forms received so far.
func (te *TokenEndpoint) Requests() []url.Values {
	te.mu.Lock()
	defer te.mu.Unlock()
	out := make([]url.Values, len(te.forms))
	copy(out, te.forms)
	return out
}

// Hits returns the number of requests received.
func (te *TokenEndpoint) Hits() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	return len(te.forms)
}
