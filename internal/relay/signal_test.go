package relay

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/quicgate/quicgate/internal/authz"
	"github.com/quicgate/quicgate/internal/holepunch"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/registry"
)

type fakeConn struct {
	id       string
	identity *authz.Identity

	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) ID() string                { return c.id }
func (c *fakeConn) Identity() *authz.Identity { return c.identity }
func (c *fakeConn) SendDatagram(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

// signals decodes every signaling message sent to the conn.
func (c *fakeConn) signals(t *testing.T) []*holepunch.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []*holepunch.Message
	for _, frame := range c.sent {
		payload, err := protocol.DecodeSignal(frame)
		if err != nil {
			continue
		}
		msg, _, err := holepunch.DecodeMessage(payload)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func identityWith(t *testing.T, cn string, sans ...string) *authz.Identity {
	t.Helper()
	id, err := authz.ExtractIdentity(&x509.Certificate{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: sans,
	})
	if err != nil {
		t.Fatalf("ExtractIdentity: %v", err)
	}
	return id
}

func newTestSignalRelay(t *testing.T) (*signalRelay, *registry.Registry, *fakeConn) {
	t.Helper()
	reg := registry.New(logging.NopLogger())
	sr := newSignalRelay(reg, logging.NopLogger())

	connector := &fakeConn{
		id:       "connector-1",
		identity: identityWith(t, "connector-1", "connector.echo.ztna"),
	}
	if reply := reg.Register(connector, "echo"); !reply.Ack {
		t.Fatalf("connector registration nacked: %+v", reply)
	}
	return sr, reg, connector
}

func offerFrame(t *testing.T, session string) []byte {
	t.Helper()
	msg := &holepunch.Message{
		Type:      holepunch.MessageOffer,
		SessionID: session,
		ServiceID: "echo",
		Candidates: []holepunch.Candidate{
			holepunch.HostCandidate(netip.MustParseAddrPort("192.168.1.100:50000")),
		},
	}
	payload, err := holepunch.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	frame, err := protocol.EncodeSignal(payload)
	if err != nil {
		t.Fatalf("EncodeSignal: %v", err)
	}
	return frame
}

func TestSignalOfferForwardsToOwner(t *testing.T) {
	sr, _, connector := newTestSignalRelay(t)
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1", "agent.echo.ztna")}

	session := holepunch.NewSessionID()
	if err := sr.HandleSignal(agent, offerFrame(t, session)); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}

	msgs := connector.signals(t)
	if len(msgs) != 1 || msgs[0].Type != holepunch.MessageOffer {
		t.Fatalf("connector signals = %+v, want one offer", msgs)
	}
	if msgs[0].SessionID != session || msgs[0].ServiceID != "echo" {
		t.Errorf("forwarded offer = %+v", msgs[0])
	}
	if sr.Count() != 1 {
		t.Errorf("session count = %d, want 1", sr.Count())
	}
}

func TestSignalOfferWithoutConnector(t *testing.T) {
	reg := registry.New(logging.NopLogger())
	sr := newSignalRelay(reg, logging.NopLogger())
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1")}

	if err := sr.HandleSignal(agent, offerFrame(t, holepunch.NewSessionID())); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	msgs := agent.signals(t)
	if len(msgs) != 1 || msgs[0].Type != holepunch.MessageError {
		t.Fatalf("agent signals = %+v, want one error", msgs)
	}
	if msgs[0].Code != holepunch.ErrCodeNoConnector {
		t.Errorf("error code = %v, want no_connector_available", msgs[0].Code)
	}
	if sr.Count() != 0 {
		t.Error("failed offer must not leave a session behind")
	}
}

func TestSignalAnswerStartsBothSides(t *testing.T) {
	sr, _, connector := newTestSignalRelay(t)
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1", "agent.echo.ztna")}

	session := holepunch.NewSessionID()
	if err := sr.HandleSignal(agent, offerFrame(t, session)); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}

	answer := &holepunch.Message{
		Type:      holepunch.MessageAnswer,
		SessionID: session,
		Candidates: []holepunch.Candidate{
			holepunch.HostCandidate(netip.MustParseAddrPort("192.168.2.100:50000")),
		},
	}
	payload, _ := holepunch.EncodeMessage(answer)
	frame, _ := protocol.EncodeSignal(payload)
	if err := sr.HandleSignal(connector, frame); err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}

	agentMsgs := agent.signals(t)
	if len(agentMsgs) != 1 || agentMsgs[0].Type != holepunch.MessageStart {
		t.Fatalf("agent signals = %+v, want one start", agentMsgs)
	}
	// The agent learns the connector's candidates, and vice versa.
	if agentMsgs[0].Candidates[0].Address.String() != "192.168.2.100:50000" {
		t.Errorf("agent peer candidates = %+v", agentMsgs[0].Candidates)
	}

	connMsgs := connector.signals(t)
	start := connMsgs[len(connMsgs)-1]
	if start.Type != holepunch.MessageStart {
		t.Fatalf("connector last signal = %+v, want start", start)
	}
	if start.Candidates[0].Address.String() != "192.168.1.100:50000" {
		t.Errorf("connector peer candidates = %+v", start.Candidates)
	}
	if start.StartDelayMS == 0 {
		t.Error("start delay must be shared and nonzero")
	}
}

func TestSignalResultForwardsAndEndsSession(t *testing.T) {
	sr, _, connector := newTestSignalRelay(t)
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1", "agent.echo.ztna")}

	session := holepunch.NewSessionID()
	if err := sr.HandleSignal(agent, offerFrame(t, session)); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}

	result := &holepunch.Message{
		Type:        holepunch.MessageResult,
		SessionID:   session,
		Success:     true,
		WorkingAddr: netip.MustParseAddrPort("203.0.113.9:50000"),
	}
	payload, _ := holepunch.EncodeMessage(result)
	frame, _ := protocol.EncodeSignal(payload)
	if err := sr.HandleSignal(agent, frame); err != nil {
		t.Fatalf("HandleSignal(result): %v", err)
	}

	msgs := connector.signals(t)
	last := msgs[len(msgs)-1]
	if last.Type != holepunch.MessageResult || !last.Success {
		t.Errorf("connector last signal = %+v, want successful result", last)
	}
	if sr.Count() != 0 {
		t.Error("result must end the session")
	}
}

func TestSignalSessionExpiry(t *testing.T) {
	sr, _, _ := newTestSignalRelay(t)
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1", "agent.echo.ztna")}

	session := holepunch.NewSessionID()
	if err := sr.HandleSignal(agent, offerFrame(t, session)); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	sr.Sweep(time.Now())
	if sr.Count() != 1 {
		t.Fatal("fresh session swept too early")
	}

	sr.Sweep(time.Now().Add(holepunch.SignalingTimeout + time.Second))
	if sr.Count() != 0 {
		t.Fatal("expired session not swept")
	}

	msgs := agent.signals(t)
	last := msgs[len(msgs)-1]
	if last.Type != holepunch.MessageError || last.Code != holepunch.ErrCodeSessionTimeout {
		t.Errorf("agent last signal = %+v, want session timeout error", last)
	}
}

func TestSignalDropConn(t *testing.T) {
	sr, _, _ := newTestSignalRelay(t)
	agent := &fakeConn{id: "agent-1", identity: identityWith(t, "agent-1", "agent.echo.ztna")}

	if err := sr.HandleSignal(agent, offerFrame(t, holepunch.NewSessionID())); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	sr.DropConn(agent)
	if sr.Count() != 0 {
		t.Error("sessions must die with their connection")
	}
}
