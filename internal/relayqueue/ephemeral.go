package relayqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relayqueue/internal/metrics"
)

const (
	defaultProcessRequestDelay = time.Second
	maxSideEffectAttempts      = 3
)

// ephemeralDispatcher is the delayed, batched sender for non-durable
// commands. It drains its in-memory list on a fixed-delay tick, firing
// each command at most once (side effects that opted into retry get a
// bounded number of extra ticks on transient failure). The tick defers
// entirely while the durable dispatcher holds the logical connection:
// pending writes always go first.
type ephemeralDispatcher struct {
	transport Transport
	state     *ConnState
	auth      *Authenticator
	durable   *durableDispatcher
	tick      time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pending []Command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEphemeralDispatcher(transport Transport, state *ConnState, auth *Authenticator, durable *durableDispatcher, tick time.Duration, logger *zap.Logger) *ephemeralDispatcher {
	if tick <= 0 {
		tick = defaultProcessRequestDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ephemeralDispatcher{
		transport: transport,
		state:     state,
		auth:      auth,
		durable:   durable,
		tick:      tick,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (d *ephemeralDispatcher) start() {
	d.wg.Add(1)
	go d.run()
}

func (d *ephemeralDispatcher) stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *ephemeralDispatcher) enqueue(cmd Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, cmd)
}

// clear discards all queued entries without sending them.
func (d *ephemeralDispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
}

func (d *ephemeralDispatcher) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *ephemeralDispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.flush()
		}
	}
}

func (d *ephemeralDispatcher) flush() {
	if d.size() == 0 {
		return
	}
	// Block until credentials/session are hydrated from storage.
	if !d.state.HasReadRequiredData() {
		return
	}
	offline := d.state.IsOffline()
	// Writes own the connection; reads wait for the next tick after the
	// durable queue drains.
	if !offline && d.durable != nil && d.durable.Busy() {
		return
	}

	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	var requeue []Command
	for i := range batch {
		cmd := &batch[i]
		if d.ctx.Err() != nil {
			return
		}
		if offline && !cmd.Retry.ForceNetworkRequest {
			// The ephemeral path never waits for connectivity: fail
			// the attempt locally instead of holding the command.
			metrics.EphemeralSendFailed.Inc()
			cmd.deliver(Result{Err: &TransientError{Class: FailureNetwork, Message: "client is offline"}})
			continue
		}
		if d.sendOnce(cmd) {
			requeue = append(requeue, *cmd)
		}
	}
	if len(requeue) > 0 {
		d.mu.Lock()
		d.pending = append(requeue, d.pending...)
		d.mu.Unlock()
	}
}

// sendOnce fires one attempt and reports whether the command should
// ride the next tick (a retryable side effect after a transient
// failure). Every other outcome is terminal and delivered immediately.
func (d *ephemeralDispatcher) sendOnce(cmd *Command) (retry bool) {
	cmd.attempts++
	payload, err := d.transport.Send(d.ctx, cmd.Name, cmd.Data, d.state.AuthToken())
	if IsAuthExpired(err) {
		// Pause this queue, refresh the session, then re-issue the
		// triggering command with the new token.
		if _, authErr := d.auth.Refresh(d.ctx); authErr != nil {
			metrics.EphemeralSendFailed.Inc()
			cmd.deliver(Result{Err: authErr})
			return false
		}
		payload, err = d.transport.Send(d.ctx, cmd.Name, cmd.Data, d.state.AuthToken())
	}
	if err == nil {
		metrics.EphemeralSendOK.Inc()
		cmd.deliver(Result{Payload: payload})
		return false
	}
	if cmd.Kind == KindSideEffect && cmd.Retry.ShouldRetry && IsTransient(err) && cmd.attempts < maxSideEffectAttempts {
		d.logger.Warn("side-effect send failed, will retry next tick",
			zap.String("name", cmd.Name),
			zap.Int("attempt", cmd.attempts),
			zap.Error(err),
		)
		return true
	}
	metrics.EphemeralSendFailed.Inc()
	cmd.deliver(Result{Err: err})
	return false
}
