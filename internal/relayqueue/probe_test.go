package relayqueue

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestProbeMarksBackendReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Reading keeps the connection alive and answers pings.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	state := NewConnState()
	state.SetBackendReachable(false)
	probe, err := NewReachabilityProbe(wsURL(server), 5*time.Millisecond, state, nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	probe.Start()
	defer probe.Close()

	waitUntil(t, 2*time.Second, state.IsBackendReachable, "probe never marked the backend reachable")
}

func TestProbeMarksBackendUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := wsURL(server)
	server.Close()

	state := NewConnState()
	probe, err := NewReachabilityProbe(url, 5*time.Millisecond, state, nil)
	if err != nil {
		t.Fatalf("new probe: %v", err)
	}
	probe.Start()
	defer probe.Close()

	waitUntil(t, 2*time.Second, func() bool { return !state.IsBackendReachable() }, "probe never marked the backend unreachable")
}

func TestProbeValidation(t *testing.T) {
	if _, err := NewReachabilityProbe("", 0, NewConnState(), nil); err == nil {
		t.Fatal("empty url accepted")
	}
	if _, err := NewReachabilityProbe("ws://127.0.0.1:1", 0, nil, nil); err == nil {
		t.Fatal("nil state accepted")
	}
}
