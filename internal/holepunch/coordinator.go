package holepunch

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/quicgate/quicgate/internal/logging"
)

// Coordinator timing.
const (
	// OverallTimeout bounds the whole punch attempt, gathering included.
	OverallTimeout = 10 * time.Second

	// SignalingTimeout bounds the candidate exchange.
	SignalingTimeout = 5 * time.Second

	// DefaultStartDelay staggers the coordinated check start so the first
	// probes from both sides cross inside freshly opened NAT bindings.
	DefaultStartDelay = 100 * time.Millisecond
)

// State of the punch attempt.
type State int

const (
	StateIdle State = iota
	StateGathering
	StateSignaling
	StateWaitingToStart
	StateChecking
	StateConnected
	StateFailed
	StateFallbackRelay
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGathering:
		return "gathering"
	case StateSignaling:
		return "signaling"
	case StateWaitingToStart:
		return "waiting_to_start"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateFallbackRelay:
		return "fallback_relay"
	default:
		return "unknown"
	}
}

// Result of a finished punch attempt. When Direct is false the caller keeps
// the relayed path; a failed punch is never an error surfaced to users.
type Result struct {
	Direct     bool
	RemoteAddr netip.AddrPort
	Reason     string
}

// Coordinator drives one hole-punch session for one side. It is poll-driven:
// the owning runtime feeds it received signaling and binding datagrams and
// drains outgoing ones, so it plugs into any event loop without goroutines
// of its own. Not safe for concurrent use.
type Coordinator struct {
	state       State
	sessionID   string
	serviceID   string
	controlling bool
	log         *slog.Logger

	local  []Candidate
	remote []Candidate
	checks *CheckList

	startedAt  time.Time
	checkStart time.Time

	relayAddr    netip.AddrPort
	observedAddr netip.AddrPort
	workingAddr  netip.AddrPort

	outSignals [][]byte
}

// NewCoordinator creates a coordinator. The Agent is the controlling side
// and supplies the session id; the Connector adopts the id from the offer.
func NewCoordinator(sessionID, serviceID string, controlling bool, log *slog.Logger) *Coordinator {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Coordinator{
		state:       StateIdle,
		sessionID:   sessionID,
		serviceID:   serviceID,
		controlling: controlling,
		log: log.With(logging.KeyComponent, "holepunch",
			logging.KeySessionID, sessionID, logging.KeyService, serviceID),
		checks: NewCheckList(controlling),
	}
}

// State returns the current punch state.
func (c *Coordinator) State() State { return c.state }

// SessionID returns the session correlation id.
func (c *Coordinator) SessionID() string { return c.sessionID }

// WorkingAddr returns the verified direct address, if any.
func (c *Coordinator) WorkingAddr() netip.AddrPort { return c.workingAddr }

// SetRelayAddr supplies the relay address for the fallback candidate.
func (c *Coordinator) SetRelayAddr(addr netip.AddrPort) { c.relayAddr = addr }

// SetObservedAddr supplies the relay-observed public address from the
// address-discovery notice.
func (c *Coordinator) SetObservedAddr(addr netip.AddrPort) { c.observedAddr = addr }

// StartGathering collects candidates from local addresses plus the observed
// and relay addresses, then moves to signaling.
func (c *Coordinator) StartGathering(localAddrs []netip.AddrPort, now time.Time) {
	c.state = StateGathering
	c.startedAt = now

	c.local = GatherHostCandidates(localAddrs, false)
	if len(localAddrs) > 0 {
		base := localAddrs[0]
		if c.observedAddr.IsValid() {
			if srflx, ok := ReflexiveCandidate(c.observedAddr, base); ok {
				c.local = append(c.local, srflx)
			}
		}
		if c.relayAddr.IsValid() {
			c.local = append(c.local, RelayCandidate(c.relayAddr, base))
		}
	}
	SortByPriority(c.local)

	c.log.Debug("candidates gathered", logging.KeyCount, len(c.local))
	c.state = StateSignaling
}

// CandidateOffer builds the controlling side's offer to send through the
// relay. Returns nil outside the signaling state.
func (c *Coordinator) CandidateOffer() ([]byte, error) {
	if c.state != StateSignaling {
		return nil, nil
	}
	return EncodeMessage(&Message{
		Type:       MessageOffer,
		SessionID:  c.sessionID,
		ServiceID:  c.serviceID,
		Candidates: c.local,
	})
}

// ProcessSignal consumes one signaling message received via the relay.
func (c *Coordinator) ProcessSignal(buf []byte, now time.Time) error {
	m, _, err := DecodeMessage(buf)
	if err != nil {
		return err
	}
	return c.ProcessMessage(m, now)
}

// ProcessMessage consumes an already decoded signaling message.
func (c *Coordinator) ProcessMessage(m *Message, now time.Time) error {
	if m.Type != MessageError && m.SessionID != c.sessionID {
		return ErrSessionMismatch
	}

	switch m.Type {
	case MessageOffer:
		c.remote = m.Candidates
		if !c.controlling {
			answer, err := EncodeMessage(&Message{
				Type:       MessageAnswer,
				SessionID:  c.sessionID,
				Candidates: c.local,
			})
			if err != nil {
				return err
			}
			c.outSignals = append(c.outSignals, answer)
		}

	case MessageAnswer:
		c.remote = m.Candidates

	case MessageStart:
		if len(m.Candidates) > 0 {
			c.remote = m.Candidates
		}
		c.checkStart = now.Add(time.Duration(m.StartDelayMS) * time.Millisecond)
		c.state = StateWaitingToStart

	case MessageResult:
		if m.Success {
			c.workingAddr = m.WorkingAddr
			c.state = StateConnected
		} else {
			c.state = StateFallbackRelay
		}

	case MessageError:
		if m.SessionID == c.sessionID {
			return fmt.Errorf("signaling error: %s: %s", m.Code, m.Reason)
		}

	default:
		return fmt.Errorf("signaling message type %q", m.Type)
	}

	return nil
}

// PollSignal drains one queued outgoing signaling message, nil when empty.
func (c *Coordinator) PollSignal() []byte {
	if len(c.outSignals) == 0 {
		return nil
	}
	out := c.outSignals[0]
	c.outSignals = c.outSignals[1:]
	return out
}

// ShouldStartChecking reports whether connectivity checks may begin: either
// the coordinated start time arrived, or both candidate sets are known and
// no explicit start signal is expected.
func (c *Coordinator) ShouldStartChecking(now time.Time) bool {
	switch c.state {
	case StateWaitingToStart:
		return !now.Before(c.checkStart)
	case StateSignaling:
		return len(c.local) > 0 && len(c.remote) > 0
	default:
		return false
	}
}

// StartChecking forms the pair list and begins probing.
func (c *Coordinator) StartChecking(now time.Time) {
	if len(c.local) == 0 || len(c.remote) == 0 {
		c.state = StateFailed
		return
	}
	c.checks = NewCheckList(c.controlling)
	c.checks.AddPairs(c.local, c.remote)
	c.checks.Start(now)
	c.state = StateChecking
	c.log.Debug("connectivity checks started", logging.KeyCount, c.checks.PairCount())
}

// PollBindingRequest returns the next binding datagram to send and its
// destination, or nil when pacing holds or checking is not active.
func (c *Coordinator) PollBindingRequest(now time.Time) ([]byte, netip.AddrPort) {
	if c.state != StateChecking {
		return nil, netip.AddrPort{}
	}
	req, addr := c.checks.NextRequest(now)
	if req == nil {
		return nil, netip.AddrPort{}
	}
	return req.Encode(), addr
}

// ProcessBinding consumes a binding datagram received from a peer address.
// For a request it returns the encoded response to send back; for a
// response it updates the check list and possibly completes the punch.
func (c *Coordinator) ProcessBinding(from netip.AddrPort, buf []byte) ([]byte, error) {
	req, resp, err := DecodeBinding(buf)
	if err != nil {
		return nil, err
	}

	if req != nil {
		reply := BindingResponse{
			TransactionID: req.TransactionID,
			Success:       true,
			Mapped:        from,
		}
		return reply.Encode()
	}

	if pair := c.checks.HandleResponse(resp); pair != nil && pair.State == CheckSucceeded {
		if best := c.checks.BestSucceeded(); best != nil {
			c.workingAddr = best.Remote.Address
			c.state = StateConnected
			c.log.Info("direct path verified",
				logging.KeyRemoteAddr, c.workingAddr.String())
		}
	}
	return nil, nil
}

// OnTimeout advances timers: retransmit exhaustion, the check window and
// the overall punch deadline. Call it from the owning loop's tick.
func (c *Coordinator) OnTimeout(now time.Time) {
	if c.state == StateChecking {
		c.checks.HandleTimeouts(now)
		if c.checks.TimedOut(now) && !c.checks.Succeeded() {
			c.state = StateFailed
		} else if c.checks.Complete() {
			if best := c.checks.BestSucceeded(); best != nil {
				c.workingAddr = best.Remote.Address
				c.state = StateConnected
			} else {
				c.state = StateFailed
			}
		}
	}

	if !c.startedAt.IsZero() && now.Sub(c.startedAt) >= OverallTimeout &&
		c.state != StateConnected {
		c.state = StateFailed
	}
}

// ResultMessage builds the result report to send through the relay.
func (c *Coordinator) ResultMessage() ([]byte, error) {
	return EncodeMessage(&Message{
		Type:        MessageResult,
		SessionID:   c.sessionID,
		Success:     c.state == StateConnected,
		WorkingAddr: c.workingAddr,
	})
}

// Result summarizes the attempt for path selection.
func (c *Coordinator) Result() Result {
	switch c.state {
	case StateConnected:
		if c.workingAddr.IsValid() {
			return Result{Direct: true, RemoteAddr: c.workingAddr}
		}
		return Result{Reason: "connected without a working address"}
	case StateFailed, StateFallbackRelay:
		return Result{Reason: "all connectivity checks failed"}
	default:
		return Result{Reason: "punch not complete: " + c.state.String()}
	}
}

// LocalCandidates exposes the gathered candidates.
func (c *Coordinator) LocalCandidates() []Candidate { return c.local }

// RemoteCandidates exposes the peer's candidates.
func (c *Coordinator) RemoteCandidates() []Candidate { return c.remote }
