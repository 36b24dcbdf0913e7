package relayqueue

import (
	"strings"

	"github.com/google/uuid"
)

// Kind classifies an outbound operation. Writes are durable and
// replayed in order; reads and side effects take the ephemeral path.
type Kind string

const (
	KindWrite      Kind = "write"
	KindRead       Kind = "read"
	KindSideEffect Kind = "side_effect"
)

// RetryPolicy is caller-declared retry metadata for side-effect
// commands. Writes are always retryable; reads never are.
type RetryPolicy struct {
	ShouldRetry bool
	// ForceNetworkRequest sends the command even while the client is
	// marked offline, instead of failing it locally.
	ForceNetworkRequest bool
}

// Result is delivered to the channel returned at submission. Durable
// entries persist only replayable data; a handler attached before a
// process restart is intentionally orphaned.
type Result struct {
	Payload map[string]any
	Err     error
}

// Command is immutable once enqueued.
type Command struct {
	ID    string
	Name  string
	Kind  Kind
	Data  map[string]any
	Retry RetryPolicy

	attempts int
	done     chan Result
}

func newCommand(name string, data map[string]any, kind Kind, retry RetryPolicy) (Command, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Command{}, ErrInvalidInput
	}
	return Command{
		ID:    uuid.NewString(),
		Name:  name,
		Kind:  kind,
		Data:  data,
		Retry: retry,
		done:  make(chan Result, 1),
	}, nil
}

// Persistable reports whether the command belongs in the durable store.
func (c Command) Persistable() bool {
	return c.Kind == KindWrite
}

// Retryable reports whether a transient failure may be retried.
func (c Command) Retryable() bool {
	switch c.Kind {
	case KindWrite:
		return true
	case KindSideEffect:
		return c.Retry.ShouldRetry
	default:
		return false
	}
}

func (c Command) deliver(res Result) {
	if c.done == nil {
		return
	}
	select {
	case c.done <- res:
	default:
	}
}
