package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/bank-consent/internal/testutil"
	"github.com/giantswarm/bank-consent/providers"
	"github.com/giantswarm/bank-consent/providers/mock"
	"github.com/giantswarm/bank-consent/security"
	"github.com/giantswarm/bank-consent/storage/memory"
)

var (
	testStart  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testScopes = []string{"accounts", "transactions"}
)

const testSubject = "user-42"

type testEnv struct {
	srv      *Server
	store    *memory.Store
	clock    *testutil.MockTime
	sink     *security.MemorySink
	auditor  *security.Auditor
	provider *mock.MockProvider
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	return newTestEnvWithProvider(t, cfg, mock.NewMockProvider())
}

func newTestEnvWithProvider(t *testing.T, cfg *Config, provider providers.Provider) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(testStart)
	store := memory.New(memory.Config{Clock: clock, Logger: testutil.DiscardLogger()})
	sink := security.NewMemorySink()
	auditor := security.NewAuditor(security.AuditorConfig{
		Sink:             sink,
		Clock:            clock,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
		Logger:           testutil.DiscardLogger(),
	})
	t.Cleanup(auditor.Close)

	srv, err := New(provider, store, cfg, testutil.DiscardLogger())
	require.NoError(t, err)
	srv.SetClock(clock)
	srv.SetAuditor(auditor)

	env := &testEnv{srv: srv, store: store, clock: clock, sink: sink, auditor: auditor}
	if m, ok := provider.(*mock.MockProvider); ok {
		env.provider = m
	}
	return env
}

// issue starts an authorization for testSubject and fails the test on error.
func (e *testEnv) issue(t *testing.T) string {
	t.Helper()
	req, err := e.srv.Issue(context.Background(), testSubject, testScopes)
	require.NoError(t, err)
	return req.StateNonce
}

// grant runs a full callback for testSubject.
func (e *testEnv) grant(t *testing.T) string {
	t.Helper()
	state := e.issue(t)
	g, err := e.srv.HandleCallback(context.Background(), "code-"+state, state)
	require.NoError(t, err)
	return g.ID
}

func (e *testEnv) count(kind security.EventKind) int {
	return e.sink.Count(kind)
}
