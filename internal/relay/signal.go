package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quicgate/quicgate/internal/holepunch"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
	"github.com/quicgate/quicgate/internal/registry"
)

// signalSession pairs an Agent with the Connector serving the requested
// service for one hole-punch attempt.
type signalSession struct {
	id              string
	serviceID       string
	agent           registry.Conn
	connector       registry.Conn
	agentCandidates []holepunch.Candidate
	createdAt       time.Time
}

func (s *signalSession) expired(now time.Time) bool {
	return now.Sub(s.createdAt) > holepunch.SignalingTimeout
}

// signalRelay routes hole-punch signaling messages between the correct
// Agent/Connector pairs, keyed by session id. The relay never inspects
// candidates beyond forwarding them; the endpoints run the checks.
type signalRelay struct {
	log *slog.Logger
	reg *registry.Registry

	mu       sync.Mutex
	sessions map[string]*signalSession
}

func newSignalRelay(reg *registry.Registry, log *slog.Logger) *signalRelay {
	return &signalRelay{
		log:      log.With(logging.KeyComponent, "signal"),
		reg:      reg,
		sessions: make(map[string]*signalSession),
	}
}

// HandleSignal processes one FrameSignal datagram from a relay connection.
func (sr *signalRelay) HandleSignal(from registry.Conn, frame []byte) error {
	payload, err := protocol.DecodeSignal(frame)
	if err != nil {
		return err
	}
	msg, _, err := holepunch.DecodeMessage(payload)
	if err != nil {
		return err
	}

	switch msg.Type {
	case holepunch.MessageOffer:
		return sr.handleOffer(from, msg)
	case holepunch.MessageAnswer:
		return sr.handleAnswer(from, msg)
	case holepunch.MessageResult:
		return sr.forwardToPeer(from, msg, true)
	case holepunch.MessageError:
		return sr.forwardToPeer(from, msg, true)
	default:
		return fmt.Errorf("%w: signaling type %q", protocol.ErrUnknownFrameType, msg.Type)
	}
}

// handleOffer opens a session and forwards the Agent's candidates to the
// Connector serving the requested service.
func (sr *signalRelay) handleOffer(from registry.Conn, msg *holepunch.Message) error {
	owner, ok := sr.reg.Owner(msg.ServiceID)
	if !ok {
		sr.log.Debug("offer for unserved service",
			logging.KeyService, msg.ServiceID,
			logging.KeySessionID, msg.SessionID)
		return sendSignal(from, holepunch.ErrorMessage(
			msg.SessionID, holepunch.ErrCodeNoConnector, msg.ServiceID))
	}

	sr.mu.Lock()
	sr.sessions[msg.SessionID] = &signalSession{
		id:              msg.SessionID,
		serviceID:       msg.ServiceID,
		agent:           from,
		connector:       owner,
		agentCandidates: msg.Candidates,
		createdAt:       time.Now(),
	}
	sr.mu.Unlock()

	sr.log.Info("signaling session opened",
		logging.KeySessionID, msg.SessionID,
		logging.KeyService, msg.ServiceID)
	return sendSignal(owner, msg)
}

// handleAnswer completes the candidate exchange and tells both sides to
// start punching after a shared delay.
func (sr *signalRelay) handleAnswer(from registry.Conn, msg *holepunch.Message) error {
	sr.mu.Lock()
	sess, ok := sr.sessions[msg.SessionID]
	if ok {
		sess.connector = from
	}
	sr.mu.Unlock()

	if !ok {
		return sendSignal(from, holepunch.ErrorMessage(
			msg.SessionID, holepunch.ErrCodeSessionNotFound, "no such session"))
	}

	delay := uint64(holepunch.DefaultStartDelay / time.Millisecond)
	toAgent := &holepunch.Message{
		Type:         holepunch.MessageStart,
		SessionID:    sess.id,
		StartDelayMS: delay,
		Candidates:   msg.Candidates,
	}
	toConnector := &holepunch.Message{
		Type:         holepunch.MessageStart,
		SessionID:    sess.id,
		StartDelayMS: delay,
		Candidates:   sess.agentCandidates,
	}

	if err := sendSignal(sess.agent, toAgent); err != nil {
		return err
	}
	return sendSignal(sess.connector, toConnector)
}

// forwardToPeer relays a message to the other side of its session.
// remove drops the session afterward; results and errors end it.
func (sr *signalRelay) forwardToPeer(from registry.Conn, msg *holepunch.Message, remove bool) error {
	sr.mu.Lock()
	sess, ok := sr.sessions[msg.SessionID]
	if ok && remove {
		delete(sr.sessions, msg.SessionID)
	}
	sr.mu.Unlock()

	if !ok {
		return sendSignal(from, holepunch.ErrorMessage(
			msg.SessionID, holepunch.ErrCodeSessionNotFound, "no such session"))
	}

	peer := sess.agent
	if from.ID() == sess.agent.ID() {
		peer = sess.connector
	}
	if peer == nil {
		return nil
	}
	return sendSignal(peer, msg)
}

// DropConn removes every session touching a closed connection.
func (sr *signalRelay) DropConn(conn registry.Conn) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	for id, sess := range sr.sessions {
		if sess.agent.ID() == conn.ID() ||
			(sess.connector != nil && sess.connector.ID() == conn.ID()) {
			delete(sr.sessions, id)
		}
	}
}

// Sweep removes expired sessions, notifying the waiting Agent.
func (sr *signalRelay) Sweep(now time.Time) {
	var stale []*signalSession
	sr.mu.Lock()
	for id, sess := range sr.sessions {
		if sess.expired(now) {
			delete(sr.sessions, id)
			stale = append(stale, sess)
		}
	}
	sr.mu.Unlock()

	for _, sess := range stale {
		sr.log.Debug("signaling session expired", logging.KeySessionID, sess.id)
		_ = sendSignal(sess.agent, holepunch.ErrorMessage(
			sess.id, holepunch.ErrCodeSessionTimeout, "signaling timed out"))
	}
}

// Count reports tracked sessions, for the metrics gauge.
func (sr *signalRelay) Count() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.sessions)
}

func sendSignal(conn registry.Conn, msg *holepunch.Message) error {
	payload, err := holepunch.EncodeMessage(msg)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeSignal(payload)
	if err != nil {
		return err
	}
	return conn.SendDatagram(frame)
}
