package relayqueue

import "sync"

// Credentials is the stored login pair exchanged for a session token.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (c Credentials) Empty() bool {
	return c.Login == "" && c.Password == ""
}

// ConnState is the process-wide connectivity and credential record.
// It is mutated only through setters, read by both dispatchers before
// every send, and broadcasts every change through an edge-triggered
// channel so a waiting dispatcher wakes on offline→online transitions
// instead of polling.
type ConnState struct {
	mu               sync.Mutex
	offline          bool
	backendReachable bool
	storageRead      bool
	creds            Credentials
	authToken        string
	authenticating   bool
	changed          chan struct{}
}

func NewConnState() *ConnState {
	return &ConnState{
		backendReachable: true,
		changed:          make(chan struct{}),
	}
}

// Changed returns a channel closed on the next state mutation. Callers
// must re-fetch it after every wake-up.
func (s *ConnState) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *ConnState) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *ConnState) IsOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

func (s *ConnState) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == offline {
		return
	}
	s.offline = offline
	s.signalLocked()
}

func (s *ConnState) IsBackendReachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendReachable
}

func (s *ConnState) SetBackendReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backendReachable == reachable {
		return
	}
	s.backendReachable = reachable
	s.signalLocked()
}

// HasReadRequiredData reports whether credentials and session records
// have been hydrated from storage. Both dispatchers block until true.
func (s *ConnState) HasReadRequiredData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storageRead
}

func (s *ConnState) MarkStorageRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storageRead {
		return
	}
	s.storageRead = true
	s.signalLocked()
}

// ResetStorageRead simulates a cold start: dispatchers stall until the
// next MarkStorageRead.
func (s *ConnState) ResetStorageRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.storageRead {
		return
	}
	s.storageRead = false
	s.signalLocked()
}

func (s *ConnState) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *ConnState) SetCredentials(creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == creds {
		return
	}
	s.creds = creds
	s.signalLocked()
}

func (s *ConnState) AuthToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authToken
}

func (s *ConnState) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authToken == token {
		return
	}
	s.authToken = token
	s.signalLocked()
}

func (s *ConnState) IsAuthenticating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticating
}

func (s *ConnState) SetAuthenticating(authenticating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticating == authenticating {
		return
	}
	s.authenticating = authenticating
	s.signalLocked()
}

// CanDispatch gates every send attempt: storage hydrated, not offline,
// backend reachable.
func (s *ConnState) CanDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storageRead && !s.offline && s.backendReachable
}
