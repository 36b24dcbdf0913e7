package relayqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sendCall struct {
	name  string
	token string
}

// fakeTransport scripts per-call outcomes through sendFn/authFn and
// records every call. A nil sendFn always succeeds.
type fakeTransport struct {
	mu        sync.Mutex
	sendFn    func(call int, name string, data map[string]any, token string) (map[string]any, error)
	authFn    func(call int, creds Credentials) (string, error)
	sends     []sendCall
	authCalls int
}

func (f *fakeTransport) Send(ctx context.Context, name string, data map[string]any, token string) (map[string]any, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sendCall{name: name, token: token})
	call := len(f.sends)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return fn(call, name, data, token)
}

func (f *fakeTransport) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	f.mu.Lock()
	f.authCalls++
	call := f.authCalls
	fn := f.authFn
	f.mu.Unlock()
	if fn == nil {
		return "tok_refreshed", nil
	}
	return fn(call, creds)
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) sentNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.sends))
	for i, call := range f.sends {
		names[i] = call.name
	}
	return names
}

func (f *fakeTransport) sentTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := make([]string, len(f.sends))
	for i, call := range f.sends {
		tokens[i] = call.token
	}
	return tokens
}

func (f *fakeTransport) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

// readyState returns a ConnState that has already hydrated from storage
// with credentials and a token, online and reachable.
func readyState() *ConnState {
	state := NewConnState()
	state.SetCredentials(Credentials{Login: "user", Password: "pass"})
	state.SetAuthToken("tok_old")
	state.MarkStorageRead()
	return state
}
