package relayqueue

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/agentworkforce/relayqueue/internal/metrics"
)

type authAttempt struct {
	done  chan struct{}
	token string
	err   error
}

// Authenticator exchanges stored credentials for a fresh session token.
// It is single-flight: a trigger arriving while an attempt is in flight
// awaits that attempt's resolution instead of issuing a second one, so
// two dispatchers hitting auth expiry at once cannot clobber each
// other's token.
type Authenticator struct {
	transport Transport
	state     *ConnState
	logger    *zap.Logger
	onToken   func(token string)

	mu      sync.Mutex
	pending *authAttempt
}

func NewAuthenticator(transport Transport, state *ConnState, logger *zap.Logger, onToken func(string)) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		transport: transport,
		state:     state,
		logger:    logger,
		onToken:   onToken,
	}
}

// Refresh obtains a new session token, collapsing concurrent callers
// into the in-flight attempt. On success the token is written to the
// connectivity state before any caller observes the result. Any failure
// is fatal for the triggering queue and reported as an *AuthError.
func (a *Authenticator) Refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	if att := a.pending; att != nil {
		a.mu.Unlock()
		return a.await(ctx, att)
	}
	att := &authAttempt{done: make(chan struct{})}
	a.pending = att
	a.state.SetAuthenticating(true)
	a.mu.Unlock()

	metrics.ReauthAttempts.Inc()
	creds := a.state.Credentials()
	var token string
	var err error
	if creds.Empty() {
		err = &AuthError{Message: "no stored credentials"}
	} else {
		token, err = a.transport.Authenticate(ctx, creds)
	}
	if err != nil {
		if _, ok := err.(*AuthError); !ok {
			err = &AuthError{Message: "reauthentication failed", Cause: err}
		}
	}

	if err == nil {
		a.state.SetAuthToken(token)
		if a.onToken != nil {
			a.onToken(token)
		}
		if expiry, ok := TokenExpiry(token); ok {
			a.logger.Info("session token refreshed", zap.Time("expires_at", expiry))
		} else {
			a.logger.Info("session token refreshed")
		}
	} else {
		metrics.ReauthFailures.Inc()
		a.logger.Error("reauthentication failed", zap.Error(err))
	}

	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
	a.state.SetAuthenticating(false)

	att.token, att.err = token, err
	close(att.done)
	return token, err
}

func (a *Authenticator) await(ctx context.Context, att *authAttempt) (string, error) {
	select {
	case <-att.done:
		return att.token, att.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TokenExpiry reports the expiry claim of a JWT session token. Tokens
// that are not JWTs (or carry no exp claim) return ok=false; the
// pipeline treats them as opaque.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expires, err := parsed.Claims.GetExpirationTime()
	if err != nil || expires == nil {
		return time.Time{}, false
	}
	return expires.Time, true
}
