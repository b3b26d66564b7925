package holepunch

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestCoordinatorSignalingFlow(t *testing.T) {
	session := NewSessionID()
	now := time.Now()

	agent := NewCoordinator(session, "echo", true, nil)
	agent.SetObservedAddr(ap(t, "203.0.113.50:50000"))
	agent.StartGathering([]netip.AddrPort{ap(t, "192.168.1.100:50000")}, now)

	connector := NewCoordinator(session, "echo", false, nil)
	connector.SetRelayAddr(ap(t, "198.51.100.1:4433"))
	connector.StartGathering([]netip.AddrPort{ap(t, "192.168.2.100:50000")}, now)

	if agent.State() != StateSignaling || connector.State() != StateSignaling {
		t.Fatalf("states after gathering: %v, %v", agent.State(), connector.State())
	}
	// Host + reflexive on the agent side, host + relay on the connector.
	if len(agent.LocalCandidates()) != 2 || len(connector.LocalCandidates()) != 2 {
		t.Fatalf("candidate counts: %d, %d",
			len(agent.LocalCandidates()), len(connector.LocalCandidates()))
	}

	offer, err := agent.CandidateOffer()
	if err != nil || offer == nil {
		t.Fatalf("CandidateOffer: %v", err)
	}
	if err := connector.ProcessSignal(offer, now); err != nil {
		t.Fatalf("connector ProcessSignal(offer): %v", err)
	}

	answer := connector.PollSignal()
	if answer == nil {
		t.Fatal("connector queued no answer")
	}
	if err := agent.ProcessSignal(answer, now); err != nil {
		t.Fatalf("agent ProcessSignal(answer): %v", err)
	}

	if len(agent.RemoteCandidates()) == 0 || len(connector.RemoteCandidates()) == 0 {
		t.Fatal("candidate exchange incomplete")
	}
	if !agent.ShouldStartChecking(now) {
		t.Error("agent should be ready to check once both sides are known")
	}
}

func TestCoordinatorSessionMismatch(t *testing.T) {
	now := time.Now()
	c := NewCoordinator(NewSessionID(), "echo", false, nil)
	c.StartGathering([]netip.AddrPort{ap(t, "192.168.2.100:50000")}, now)

	offer, err := EncodeMessage(&Message{
		Type: MessageOffer, SessionID: NewSessionID(), ServiceID: "echo",
	})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if err := c.ProcessSignal(offer, now); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("err = %v, want ErrSessionMismatch", err)
	}
}

func TestCoordinatorStartMessageSchedulesChecks(t *testing.T) {
	now := time.Now()
	c := NewCoordinator(NewSessionID(), "echo", true, nil)
	c.StartGathering([]netip.AddrPort{ap(t, "192.168.1.100:50000")}, now)

	start, err := EncodeMessage(&Message{
		Type:         MessageStart,
		SessionID:    c.SessionID(),
		StartDelayMS: 100,
		Candidates:   []Candidate{HostCandidate(ap(t, "192.168.2.100:50000"))},
	})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if err := c.ProcessSignal(start, now); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	if c.State() != StateWaitingToStart {
		t.Fatalf("state = %v, want waiting_to_start", c.State())
	}
	if c.ShouldStartChecking(now) {
		t.Error("checks must wait out the start delay")
	}
	if !c.ShouldStartChecking(now.Add(100 * time.Millisecond)) {
		t.Error("checks should start once the delay elapsed")
	}
}

func TestCoordinatorPunchBothSides(t *testing.T) {
	session := NewSessionID()
	now := time.Now()

	agent := NewCoordinator(session, "echo", true, nil)
	agent.StartGathering([]netip.AddrPort{ap(t, "192.168.1.100:50000")}, now)
	connector := NewCoordinator(session, "echo", false, nil)
	connector.StartGathering([]netip.AddrPort{ap(t, "192.168.2.100:50000")}, now)

	offer, _ := agent.CandidateOffer()
	if err := connector.ProcessSignal(offer, now); err != nil {
		t.Fatalf("ProcessSignal(offer): %v", err)
	}
	if err := agent.ProcessSignal(connector.PollSignal(), now); err != nil {
		t.Fatalf("ProcessSignal(answer): %v", err)
	}

	agent.StartChecking(now)
	connector.StartChecking(now)

	agentAddr := ap(t, "192.168.1.100:50000")
	connAddr := ap(t, "192.168.2.100:50000")

	// Pump binding datagrams between the two until the agent settles.
	for i := 0; i < 50 && agent.State() != StateConnected; i++ {
		now = now.Add(PaceInterval)
		if buf, _ := agent.PollBindingRequest(now); buf != nil {
			reply, err := connector.ProcessBinding(agentAddr, buf)
			if err != nil {
				t.Fatalf("connector ProcessBinding: %v", err)
			}
			if reply != nil {
				if _, err := agent.ProcessBinding(connAddr, reply); err != nil {
					t.Fatalf("agent ProcessBinding: %v", err)
				}
			}
		}
	}

	if agent.State() != StateConnected {
		t.Fatalf("agent state = %v, want connected", agent.State())
	}
	if agent.WorkingAddr() != connAddr {
		t.Errorf("working addr = %v, want %v", agent.WorkingAddr(), connAddr)
	}

	res := agent.Result()
	if !res.Direct || res.RemoteAddr != connAddr {
		t.Errorf("result = %+v", res)
	}

	// The agent reports the outcome; the connector adopts it.
	report, err := agent.ResultMessage()
	if err != nil {
		t.Fatalf("ResultMessage: %v", err)
	}
	if err := connector.ProcessSignal(report, now); err != nil {
		t.Fatalf("connector ProcessSignal(result): %v", err)
	}
	if connector.State() != StateConnected {
		t.Errorf("connector state = %v, want connected", connector.State())
	}
}

func TestCoordinatorChecksFailWithoutPeer(t *testing.T) {
	now := time.Now()
	c := NewCoordinator(NewSessionID(), "echo", true, nil)
	c.StartGathering([]netip.AddrPort{ap(t, "192.168.1.100:50000")}, now)

	answer, _ := EncodeMessage(&Message{
		Type:       MessageAnswer,
		SessionID:  c.SessionID(),
		Candidates: []Candidate{HostCandidate(ap(t, "192.168.2.100:50000"))},
	})
	if err := c.ProcessSignal(answer, now); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}
	c.StartChecking(now)

	// Drain every scheduled request without ever answering.
	for i := 0; i < 20; i++ {
		now = now.Add(MaxRTO)
		c.PollBindingRequest(now)
	}
	c.OnTimeout(now.Add(CheckTimeout))

	if c.State() != StateFailed {
		t.Fatalf("state = %v, want failed", c.State())
	}
	if res := c.Result(); res.Direct {
		t.Error("failed punch must fall back to relay")
	}
}

func TestCoordinatorOverallDeadline(t *testing.T) {
	now := time.Now()
	c := NewCoordinator(NewSessionID(), "echo", true, nil)
	c.StartGathering([]netip.AddrPort{ap(t, "192.168.1.100:50000")}, now)

	c.OnTimeout(now.Add(OverallTimeout))
	if c.State() != StateFailed {
		t.Errorf("state = %v, want failed after overall deadline", c.State())
	}
}

func TestCoordinatorEmptyCandidatesFailFast(t *testing.T) {
	now := time.Now()
	c := NewCoordinator(NewSessionID(), "echo", true, nil)
	c.StartGathering(nil, now)
	c.StartChecking(now)
	if c.State() != StateFailed {
		t.Errorf("state = %v, want failed with no candidates", c.State())
	}
}
