// Package flow maps tunnel application datagrams to local UDP/TCP
// conversations on the App Connector and re-encapsulates backend responses
// toward the Agent.
package flow

import (
	"sync"
	"time"

	"github.com/quicgate/quicgate/internal/protocol"
)

// State tracks a TCP flow's lifecycle. UDP flows are stateless and sit in
// StateEstablished for their whole life.
type State int

const (
	// StateSynReceived means the opening SYN arrived and admission passed.
	StateSynReceived State = iota
	// StateConnecting means the non-blocking backend connect is in flight.
	StateConnecting
	// StateEstablished means both sides can exchange data.
	StateEstablished
	// StateDraining means one side finished and buffered response bytes are
	// still being delivered within the drain window.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// flowBase carries what UDP and TCP flows share: the exact 5-tuple identity
// and the activity clock the idle sweeper reads.
type flowBase struct {
	key protocol.FlowKey

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

func newFlowBase(key protocol.FlowKey, state State) flowBase {
	return flowBase{key: key, state: state, lastActivity: time.Now()}
}

// Key returns the flow's 5-tuple.
func (f *flowBase) Key() protocol.FlowKey {
	return f.key
}

// State returns the current lifecycle state.
func (f *flowBase) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *flowBase) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *flowBase) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *flowBase) idleFor(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Sub(f.lastActivity)
}
