package relayqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relayqueue/internal/metrics"
)

// DispatchState is the durable dispatcher's current phase, exposed for
// the inspection surface.
type DispatchState string

const (
	StateIdle                    DispatchState = "idle"
	StateWaitingForPrerequisites DispatchState = "waiting_for_prerequisites"
	StateSending                 DispatchState = "sending"
	StateWaitingForRetry         DispatchState = "waiting_for_retry"
	StateAuthenticating          DispatchState = "authenticating"
	StateStopped                 DispatchState = "stopped"
)

// DeadLetter records a write dropped after a permanent failure.
type DeadLetter struct {
	Entry    QueueEntry `json:"entry"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failedAt"`
}

// resultTable maps durable command IDs to the result channels their
// callers hold. Entries restored from storage after a restart have no
// channel; their outcome is delivered to nobody, by design.
type resultTable struct {
	mu    sync.Mutex
	chans map[string]chan Result
}

func newResultTable() *resultTable {
	return &resultTable{chans: map[string]chan Result{}}
}

func (t *resultTable) register(id string, ch chan Result) {
	if id == "" || ch == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chans[id] = ch
}

func (t *resultTable) unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chans, id)
}

func (t *resultTable) deliver(id string, res Result) {
	t.mu.Lock()
	ch, ok := t.chans[id]
	if ok {
		delete(t.chans, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (t *resultTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chans = map[string]chan Result{}
}

// durableDispatcher drains the durable store strictly in insertion
// order with at most one send in flight. An entry leaves the store only
// on success or a permanent rejection; transient failures park the
// dispatcher in a backoff wait with the entry still at the head, and
// auth expiry triggers the reauthentication protocol followed by a
// resend of the same entry.
type durableDispatcher struct {
	store     DurableStore
	transport Transport
	state     *ConnState
	auth      *Authenticator
	backoff   *Backoff
	results   *resultTable
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu             sync.Mutex
	phase          DispatchState
	lastFatal      error
	deadLetters    []DeadLetter
	maxDeadLetters int
}

func newDurableDispatcher(store DurableStore, transport Transport, state *ConnState, auth *Authenticator, backoff *Backoff, results *resultTable, maxDeadLetters int, logger *zap.Logger) *durableDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxDeadLetters <= 0 {
		maxDeadLetters = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &durableDispatcher{
		store:          store,
		transport:      transport,
		state:          state,
		auth:           auth,
		backoff:        backoff,
		results:        results,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		wake:           make(chan struct{}, 1),
		phase:          StateIdle,
		maxDeadLetters: maxDeadLetters,
	}
}

func (d *durableDispatcher) start() {
	d.wg.Add(1)
	go d.run()
}

func (d *durableDispatcher) stop() {
	d.cancel()
	d.wg.Wait()
}

// kick wakes the dispatch loop after an append.
func (d *durableDispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *durableDispatcher) Phase() DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *durableDispatcher) setPhase(phase DispatchState) {
	d.mu.Lock()
	d.phase = phase
	d.mu.Unlock()
}

// Busy reports whether the durable path currently holds (or is about to
// hold) the logical connection. The ephemeral dispatcher defers its
// tick while this is true.
func (d *durableDispatcher) Busy() bool {
	switch d.Phase() {
	case StateSending, StateAuthenticating, StateWaitingForRetry:
		return true
	}
	entries, err := d.store.ReadAll()
	if err != nil {
		return false
	}
	return len(entries) > 0
}

func (d *durableDispatcher) LastFatal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFatal
}

// clearFatal runs once the queue proves healthy again, so the
// inspection surface stops reporting a recovered auth failure.
func (d *durableDispatcher) clearFatal() {
	d.mu.Lock()
	d.lastFatal = nil
	d.mu.Unlock()
}

func (d *durableDispatcher) DeadLetters() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

func (d *durableDispatcher) recordDeadLetter(entry QueueEntry, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadLetters = append(d.deadLetters, DeadLetter{
		Entry:    entry,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if len(d.deadLetters) > d.maxDeadLetters {
		d.deadLetters = d.deadLetters[len(d.deadLetters)-d.maxDeadLetters:]
	}
}

func (d *durableDispatcher) run() {
	defer d.wg.Done()
	for {
		if d.ctx.Err() != nil {
			return
		}
		// Captured before any gate check so a transition landing
		// between the check and the wait still closes this channel.
		change := d.state.Changed()
		entries, err := d.store.ReadAll()
		if err != nil {
			d.logger.Error("durable store read failed", zap.Error(err))
			if !d.sleep(time.Second) {
				return
			}
			continue
		}
		metrics.DurableDepth.Set(float64(len(entries)))
		if len(entries) == 0 {
			d.setPhase(StateIdle)
			if !d.waitForChange(change) {
				return
			}
			continue
		}

		d.setPhase(StateWaitingForPrerequisites)
		if !d.state.CanDispatch() {
			if !d.waitForChange(change) {
				return
			}
			continue
		}

		head := entries[0]
		d.setPhase(StateSending)
		payload, err := d.transport.Send(d.ctx, head.Name, head.Data, d.state.AuthToken())
		if d.ctx.Err() != nil {
			// Shutdown mid-send: the entry stays in the store for the
			// next process.
			return
		}

		switch {
		case err == nil:
			if removeErr := d.store.Remove(head.Index); removeErr != nil {
				d.logger.Error("durable entry remove failed", zap.Uint64("index", head.Index), zap.Error(removeErr))
			}
			d.backoff.Reset()
			d.clearFatal()
			metrics.DurableSendOK.Inc()
			d.results.deliver(head.ID, Result{Payload: payload})

		case IsAuthExpired(err):
			d.setPhase(StateAuthenticating)
			if _, authErr := d.auth.Refresh(d.ctx); authErr != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.mu.Lock()
				d.lastFatal = authErr
				d.phase = StateStopped
				d.mu.Unlock()
				d.logger.Error("durable queue stopped: reauthentication failed", zap.Error(authErr))
				// Manual intervention: wait for new credentials or a
				// connectivity change before trying again.
				if !d.waitForChange(change) {
					return
				}
			} else {
				d.clearFatal()
			}
			// Resend the same head entry with the refreshed token.

		case IsTransient(err):
			wait := d.backoff.NextWait()
			metrics.DurableSendRetried.Inc()
			d.logger.Warn("durable send failed, retrying",
				zap.String("name", head.Name),
				zap.Uint64("index", head.Index),
				zap.Int("attempt", d.backoff.Attempts()),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			d.setPhase(StateWaitingForRetry)
			if !d.waitRetry(wait) {
				return
			}

		default:
			// Permanent rejection: drop this entry, surface the
			// failure, keep draining the rest of the queue.
			if removeErr := d.store.Remove(head.Index); removeErr != nil {
				d.logger.Error("durable entry remove failed", zap.Uint64("index", head.Index), zap.Error(removeErr))
			}
			d.backoff.Reset()
			metrics.DurableDeadLettered.Inc()
			d.recordDeadLetter(head, err.Error())
			d.logger.Error("durable send rejected permanently",
				zap.String("name", head.Name),
				zap.Uint64("index", head.Index),
				zap.Error(err),
			)
			d.results.deliver(head.ID, Result{Err: err})
		}
	}
}

// waitForChange blocks until the store gains an entry, the connectivity
// state mutates, or shutdown. Returns false on shutdown. The change
// channel must be captured before the condition it guards was last
// evaluated; a transition in between leaves it already closed, so the
// wait degrades to a spurious wake-up instead of a stall.
func (d *durableDispatcher) waitForChange(change <-chan struct{}) bool {
	select {
	case <-d.ctx.Done():
		return false
	case <-d.wake:
		return true
	case <-change:
		return true
	}
}

// waitRetry waits out the backoff window. An explicit offline
// transition ends the wait early and parks the dispatcher in Stopped;
// the prerequisite gate resumes it on the next online transition, which
// also re-triggers the send immediately.
func (d *durableDispatcher) waitRetry(wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-d.state.Changed():
			if d.state.IsOffline() {
				d.setPhase(StateStopped)
				return true
			}
		}
	}
}

func (d *durableDispatcher) sleep(wait time.Duration) bool {
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
