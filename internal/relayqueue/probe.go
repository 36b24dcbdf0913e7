package relayqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeDialTimeout     = 5 * time.Second
)

// ReachabilityProbe keeps isBackendReachable current by periodically
// opening a websocket against the relay endpoint and pinging it. State
// changes propagate through the edge-triggered connectivity channel, so
// a recovering backend wakes the durable dispatcher without polling.
type ReachabilityProbe struct {
	url      string
	interval time.Duration
	state    *ConnState
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReachabilityProbe(url string, interval time.Duration, state *ConnState, logger *zap.Logger) (*ReachabilityProbe, error) {
	if url == "" || state == nil {
		return nil, ErrInvalidInput
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReachabilityProbe{
		url:      url,
		interval: interval,
		state:    state,
		logger:   logger,
	}, nil
}

func (p *ReachabilityProbe) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *ReachabilityProbe) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *ReachabilityProbe) run(ctx context.Context) {
	defer p.wg.Done()
	p.check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *ReachabilityProbe) check(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, probeDialTimeout)
	defer cancel()

	reachable := false
	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err == nil {
		// Ping only resolves while a reader is consuming the peer's
		// pong; CloseRead runs that reader.
		pingCtx := conn.CloseRead(dialCtx)
		reachable = conn.Ping(pingCtx) == nil
		_ = conn.Close(websocket.StatusNormalClosure, "probe complete")
	}
	if ctx.Err() != nil {
		return
	}
	if reachable != p.state.IsBackendReachable() {
		p.logger.Info("backend reachability changed", zap.Bool("reachable", reachable))
	}
	p.state.SetBackendReachable(reachable)
}
