package mqttingest

import (
	"sync"

	"github.com/rs/zerolog"
)

// ConnectionState describes where the broker session is in its lifecycle.
// Transport failures surface only as state transitions, never as errors
// raised past the client boundary.
type ConnectionState int

const (
	// StateDisconnected is the initial and final state.
	StateDisconnected ConnectionState = iota
	// StateConnecting covers the initial connect and every reconnect attempt.
	StateConnecting
	// StateConnected means the session is live and subscriptions are active.
	StateConnected
	// StateDegraded means the session was lost and reconnection is in progress.
	StateDegraded
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// stateTracker makes transitions observable to tests and health reporting.
type stateTracker struct {
	mu       sync.Mutex
	current  ConnectionState
	watchers []chan ConnectionState
	logger   zerolog.Logger
}

func newStateTracker(logger zerolog.Logger) *stateTracker {
	return &stateTracker{current: StateDisconnected, logger: logger}
}

func (t *stateTracker) set(next ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next == t.current {
		return
	}
	t.logger.Info().
		Str("from", t.current.String()).
		Str("to", next.String()).
		Msg("Broker connection state changed.")
	t.current = next
	for _, w := range t.watchers {
		select {
		case w <- next:
		default:
			// A slow watcher misses intermediate transitions but will observe
			// the current state via State().
		}
	}
}

func (t *stateTracker) get() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *stateTracker) watch() <-chan ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ConnectionState, 16)
	t.watchers = append(t.watchers, ch)
	return ch
}
