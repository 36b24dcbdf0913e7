package relayqueue

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentworkforce/relayqueue/internal/metrics"
)

// Options configures a Pipeline. Store and Transport are required;
// everything else defaults.
type Options struct {
	Store     DurableStore
	Transport Transport
	State     *ConnState
	Logger    *zap.Logger

	// ProcessRequestDelay is the ephemeral dispatcher's tick interval.
	ProcessRequestDelay time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxDeadLetters      int

	// OnTokenRefreshed runs after every successful reauthentication,
	// typically to persist the token back to the session record.
	OnTokenRefreshed func(token string)

	// DisableDispatchers skips starting the dispatch goroutines; tests
	// drive the components directly.
	DisableDispatchers bool
}

// Pipeline is the offline-tolerant, order-preserving request pipeline.
// Writes are durably queued and replayed in submission order; reads and
// side effects ride the ephemeral path behind pending writes.
type Pipeline struct {
	store     DurableStore
	transport Transport
	state     *ConnState
	logger    *zap.Logger
	auth      *Authenticator
	backoff   *Backoff
	results   *resultTable
	durable   *durableDispatcher
	ephemeral *ephemeralDispatcher

	schemaMu sync.RWMutex
	schemas  map[string]*jsonschema.Schema

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Transport == nil {
		return nil, ErrInvalidInput
	}
	state := opts.State
	if state == nil {
		state = NewConnState()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	results := newResultTable()
	auth := NewAuthenticator(opts.Transport, state, logger, opts.OnTokenRefreshed)
	backoff := NewBackoff(opts.BackoffBase, opts.BackoffMax)
	durable := newDurableDispatcher(opts.Store, opts.Transport, state, auth, backoff, results, opts.MaxDeadLetters, logger)
	ephemeral := newEphemeralDispatcher(opts.Transport, state, auth, durable, opts.ProcessRequestDelay, logger)

	p := &Pipeline{
		store:     opts.Store,
		transport: opts.Transport,
		state:     state,
		logger:    logger,
		auth:      auth,
		backoff:   backoff,
		results:   results,
		durable:   durable,
		ephemeral: ephemeral,
		schemas:   map[string]*jsonschema.Schema{},
		closed:    make(chan struct{}),
	}
	if !opts.DisableDispatchers {
		durable.start()
		ephemeral.start()
	}
	return p, nil
}

// Write durably enqueues a mutating command. The returned channel
// yields the terminal outcome; it is orphaned (never written) if the
// process restarts before the entry resolves.
func (p *Pipeline) Write(name string, data map[string]any) (<-chan Result, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	cmd, err := newCommand(name, data, KindWrite, RetryPolicy{ShouldRetry: true})
	if err != nil {
		return nil, err
	}
	if err := p.validatePayload(cmd.Name, cmd.Data); err != nil {
		return nil, err
	}
	entry := QueueEntry{
		ID:         cmd.ID,
		Name:       cmd.Name,
		Data:       cmd.Data,
		EnqueuedAt: time.Now().UTC(),
	}
	// Registered before the append: the dispatcher may pick the entry
	// up the instant it lands in the store.
	p.results.register(cmd.ID, cmd.done)
	if _, err := p.store.Append(entry); err != nil {
		p.results.unregister(cmd.ID)
		return nil, err
	}
	metrics.WritesEnqueued.Inc()
	p.durable.kick()
	return cmd.done, nil
}

// Read enqueues a non-durable query. One attempt, no retry, not
// persisted.
func (p *Pipeline) Read(name string, data map[string]any) (<-chan Result, error) {
	return p.enqueueEphemeral(name, data, KindRead, RetryPolicy{})
}

// MakeRequestWithSideEffects enqueues a non-durable command with an
// explicit retry policy.
func (p *Pipeline) MakeRequestWithSideEffects(name string, data map[string]any, policy RetryPolicy) (<-chan Result, error) {
	return p.enqueueEphemeral(name, data, KindSideEffect, policy)
}

func (p *Pipeline) enqueueEphemeral(name string, data map[string]any, kind Kind, policy RetryPolicy) (<-chan Result, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	cmd, err := newCommand(name, data, kind, policy)
	if err != nil {
		return nil, err
	}
	if err := p.validatePayload(cmd.Name, cmd.Data); err != nil {
		return nil, err
	}
	metrics.EphemeralEnqueued.Inc()
	p.ephemeral.enqueue(cmd)
	return cmd.done, nil
}

// RegisterSchema attaches a JSON schema to a command name. Subsequent
// submissions of that command are validated before enqueueing.
func (p *Pipeline) RegisterSchema(name string, schema []byte) error {
	name = strings.TrimSpace(name)
	if name == "" || len(schema) == 0 {
		return ErrInvalidInput
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	resource := "relayqueue://schemas/" + name + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return err
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return err
	}
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	p.schemas[name] = compiled
	return nil
}

func (p *Pipeline) validatePayload(name string, data map[string]any) error {
	p.schemaMu.RLock()
	schema, ok := p.schemas[name]
	p.schemaMu.RUnlock()
	if !ok {
		return nil
	}
	var doc any = map[string]any{}
	if data != nil {
		doc = data
	}
	return schema.Validate(doc)
}

// PendingWrites lists the durable entries still awaiting a terminal
// outcome, in insertion order.
func (p *Pipeline) PendingWrites() ([]QueueEntry, error) {
	return p.store.ReadAll()
}

// DurableActive reports whether the durable dispatcher currently holds
// the logical connection or has work queued.
func (p *Pipeline) DurableActive() bool {
	return p.durable.Busy()
}

func (p *Pipeline) DispatchPhase() DispatchState {
	return p.durable.Phase()
}

func (p *Pipeline) DeadLetters() []DeadLetter {
	return p.durable.DeadLetters()
}

func (p *Pipeline) LastFatalAuthError() error {
	return p.durable.LastFatal()
}

func (p *Pipeline) IsOffline() bool {
	return p.state.IsOffline()
}

func (p *Pipeline) IsAuthenticating() bool {
	return p.state.IsAuthenticating()
}

func (p *Pipeline) IsBackendReachable() bool {
	return p.state.IsBackendReachable()
}

func (p *Pipeline) HasReadRequiredData() bool {
	return p.state.HasReadRequiredData()
}

// TokenExpiry reports the current session token's expiry claim, when
// the token is a JWT.
func (p *Pipeline) TokenExpiry() (time.Time, bool) {
	return TokenExpiry(p.state.AuthToken())
}

// State exposes the connectivity record for the storage subscription
// and tests.
func (p *Pipeline) State() *ConnState {
	return p.state
}

// ClearQueues empties both queues without sending: unsent ephemeral
// entries are cancelled and every pending durable entry is dropped.
// Used by the full-logout and reset paths.
func (p *Pipeline) ClearQueues() error {
	p.ephemeral.clear()
	p.results.clear()
	return p.store.Clear()
}

func (p *Pipeline) checkOpen() error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops both dispatchers and closes the store. An in-flight
// durable send runs to its outcome or parks for the next process.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.ephemeral.stop()
		p.durable.stop()
		err = p.store.Close()
	})
	return err
}
