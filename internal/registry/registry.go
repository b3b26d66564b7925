// Package registry arbitrates which Connector serves which service id and
// routes application datagrams between Agents and Connectors on the relay.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/quicgate/quicgate/internal/authz"
	"github.com/quicgate/quicgate/internal/logging"
	"github.com/quicgate/quicgate/internal/protocol"
)

var (
	// ErrUnknownService is returned when no live connection serves or
	// targets the requested service id.
	ErrUnknownService = errors.New("unknown service")

	// ErrUnauthorized is returned when the sender's certificate identity
	// does not permit the requested service.
	ErrUnauthorized = errors.New("unauthorized for service")
)

// Conn is the registry's view of one relay connection.
type Conn interface {
	// ID uniquely identifies the connection for the registry's lifetime.
	ID() string
	// Identity is the certificate-derived authorization state.
	Identity() *authz.Identity
	// SendDatagram queues one application datagram on the connection.
	SendDatagram([]byte) error
}

// Registry tracks service ownership (Connectors) and service targets
// (Agents). Safe for concurrent use; the relay calls it from per-connection
// receive loops.
type Registry struct {
	log *slog.Logger

	mu sync.Mutex
	// owners maps service id to the Connector serving it.
	owners map[string]Conn
	// ownedBy maps a Connector's conn id to the services it owns.
	ownedBy map[string]map[string]struct{}
	// agents maps service id to the Agents targeting it, keyed by conn id.
	agents map[string]map[string]Conn
	// targets maps an Agent's conn id to the services it targets.
	targets map[string]map[string]struct{}
}

// New returns an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Registry{
		log:     log,
		owners:  make(map[string]Conn),
		ownedBy: make(map[string]map[string]struct{}),
		agents:  make(map[string]map[string]Conn),
		targets: make(map[string]map[string]struct{}),
	}
}

// Register processes one registration frame and returns the reply to send.
//
// The registration wire format carries no role; the role is resolved from the
// sender's certificate identity. Certificates with explicit grants are
// unambiguous. Legacy allow-all certificates claim an unowned service as its
// Connector and target an owned one as an Agent, which matches the start
// order of pre-SAN deployments.
func (r *Registry) Register(conn Conn, serviceID string) *protocol.RegistrationReply {
	if serviceID == "" || len(serviceID) > protocol.MaxServiceIDLen {
		return &protocol.RegistrationReply{Status: protocol.NackBadServiceID, ServiceID: serviceID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	role := r.roleForLocked(conn, serviceID)
	if !conn.Identity().IsAuthorized(role, serviceID) {
		r.log.Warn("registration rejected",
			logging.KeyService, serviceID,
			logging.KeyConnID, conn.ID(),
			logging.KeyRole, string(role),
			logging.KeyStatus, protocol.NackStatusName(protocol.NackUnauthorized))
		return &protocol.RegistrationReply{Status: protocol.NackUnauthorized, ServiceID: serviceID}
	}

	if role == authz.RoleAgent {
		return r.registerAgentLocked(conn, serviceID)
	}
	return r.registerConnectorLocked(conn, serviceID)
}

// roleForLocked resolves the sender's role for this registration.
func (r *Registry) roleForLocked(conn Conn, serviceID string) authz.Role {
	id := conn.Identity()
	if !id.AllowAll() {
		// Explicit grants decide. A certificate granting both roles for the
		// same service registers as the Connector: serving is the stronger
		// claim and agents reach services without registering grants twice.
		if id.IsAuthorized(authz.RoleConnector, serviceID) {
			return authz.RoleConnector
		}
		return authz.RoleAgent
	}

	owner, owned := r.owners[serviceID]
	if owned && owner.ID() != conn.ID() {
		return authz.RoleAgent
	}
	return authz.RoleConnector
}

func (r *Registry) registerConnectorLocked(conn Conn, serviceID string) *protocol.RegistrationReply {
	prior, owned := r.owners[serviceID]
	if owned && prior.ID() == conn.ID() {
		// Duplicate of an active registration: confirm, change nothing.
		return &protocol.RegistrationReply{Ack: true, Status: protocol.AckRegistered, ServiceID: serviceID}
	}

	status := protocol.AckRegistered
	if owned {
		r.log.Warn("service owner replaced",
			logging.KeyService, serviceID,
			logging.KeyConnID, conn.ID(),
			"prior_conn_id", prior.ID())
		r.removeOwnershipLocked(prior.ID(), serviceID)
		status = protocol.AckReplacedPrior
	}

	r.owners[serviceID] = conn
	if r.ownedBy[conn.ID()] == nil {
		r.ownedBy[conn.ID()] = make(map[string]struct{})
	}
	r.ownedBy[conn.ID()][serviceID] = struct{}{}

	r.log.Info("connector registered",
		logging.KeyService, serviceID,
		logging.KeyConnID, conn.ID())
	return &protocol.RegistrationReply{Ack: true, Status: status, ServiceID: serviceID}
}

func (r *Registry) registerAgentLocked(conn Conn, serviceID string) *protocol.RegistrationReply {
	if r.agents[serviceID] == nil {
		r.agents[serviceID] = make(map[string]Conn)
	}
	if _, dup := r.agents[serviceID][conn.ID()]; !dup {
		r.agents[serviceID][conn.ID()] = conn
		if r.targets[conn.ID()] == nil {
			r.targets[conn.ID()] = make(map[string]struct{})
		}
		r.targets[conn.ID()][serviceID] = struct{}{}
		r.log.Info("agent registered",
			logging.KeyService, serviceID,
			logging.KeyConnID, conn.ID())
	}
	return &protocol.RegistrationReply{Ack: true, Status: protocol.AckRegistered, ServiceID: serviceID}
}

func (r *Registry) removeOwnershipLocked(connID, serviceID string) {
	if owned := r.ownedBy[connID]; owned != nil {
		delete(owned, serviceID)
		if len(owned) == 0 {
			delete(r.ownedBy, connID)
		}
	}
}

// Unregister removes every registration belonging to the connection. Called
// when a relay connection closes for any reason.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for serviceID := range r.ownedBy[conn.ID()] {
		if owner, ok := r.owners[serviceID]; ok && owner.ID() == conn.ID() {
			delete(r.owners, serviceID)
			r.log.Info("connector unregistered",
				logging.KeyService, serviceID,
				logging.KeyConnID, conn.ID())
		}
	}
	delete(r.ownedBy, conn.ID())

	for serviceID := range r.targets[conn.ID()] {
		if set := r.agents[serviceID]; set != nil {
			delete(set, conn.ID())
			if len(set) == 0 {
				delete(r.agents, serviceID)
			}
		}
	}
	delete(r.targets, conn.ID())
}

// RouteDatagram forwards one encoded routed-datagram frame. The frame is
// forwarded byte-for-byte: the relay never rewrites application payloads.
//
// Agents route toward the service's Connector; the Connector routes back to
// every Agent targeting the service.
func (r *Registry) RouteDatagram(from Conn, serviceID string, frame []byte) error {
	r.mu.Lock()
	owner, owned := r.owners[serviceID]
	fromOwner := owned && owner.ID() == from.ID()

	var dests []Conn
	if fromOwner {
		for _, agent := range r.agents[serviceID] {
			dests = append(dests, agent)
		}
	} else if owned {
		dests = append(dests, owner)
	}
	r.mu.Unlock()

	if !fromOwner {
		if !from.Identity().IsAuthorized(authz.RoleAgent, serviceID) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, serviceID)
		}
		if !owned {
			return fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
		}
	} else if len(dests) == 0 {
		return fmt.Errorf("%w: no agent for %s", ErrUnknownService, serviceID)
	}

	var errs *multierror.Error
	for _, dest := range dests {
		if err := dest.SendDatagram(frame); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("forwarding to %s: %w", dest.ID(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Owner returns the Connector connection serving a service id, if any.
func (r *Registry) Owner(serviceID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[serviceID]
	return owner, ok
}

// Counts reports registered connector services and agent targets, for
// metrics and the status endpoint.
func (r *Registry) Counts() (connectors, agents int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.agents {
		agents += len(set)
	}
	return len(r.owners), agents
}
