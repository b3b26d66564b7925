// Package authz derives service-level authorization from the client
// certificate presented during the mTLS handshake.
//
// SAN convention (DNS entries):
//
//	agent.<service>.ztna     -> authorized as agent for <service>
//	connector.<service>.ztna -> authorized as connector for <service>
//	agent.*.ztna             -> wildcard agent (all services)
//	connector.*.ztna         -> wildcard connector (all services)
//
// A certificate carrying no recognizable ZTNA SAN entries authorizes
// everything, so fleets that have not yet been re-issued keep working.
package authz

import (
	"crypto/x509"
	"errors"
	"strings"
)

// sanSuffix terminates every ZTNA authorization SAN.
const sanSuffix = ".ztna"

// Role distinguishes the two client kinds on relay connections.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleConnector Role = "connector"
)

// ErrNoCommonName is returned when the client certificate subject carries no
// Common Name to identify the client by.
var ErrNoCommonName = errors.New("certificate has no Common Name")

// Identity is the authorization state of one connection. It is computed once
// from the handshake certificate and never re-derived per datagram.
type Identity struct {
	// CommonName is the certificate subject CN, used for logging.
	CommonName string

	// services holds "role:service" grants. nil means the certificate had
	// no ZTNA SAN entries and everything is allowed.
	services map[string]struct{}
}

// ExtractIdentity derives an Identity from the leaf certificate.
func ExtractIdentity(cert *x509.Certificate) (*Identity, error) {
	if cert.Subject.CommonName == "" {
		return nil, ErrNoCommonName
	}

	var services map[string]struct{}
	for _, dns := range cert.DNSNames {
		key, ok := parseSAN(dns)
		if !ok {
			continue
		}
		if services == nil {
			services = make(map[string]struct{})
		}
		services[key] = struct{}{}
	}

	return &Identity{CommonName: cert.Subject.CommonName, services: services}, nil
}

// AllowAll reports whether the certificate carried no ZTNA SAN entries.
func (id *Identity) AllowAll() bool {
	return id.services == nil
}

// IsAuthorized reports whether this identity may act in the given role for
// the given service: allow-all, an exact grant, or a role wildcard.
func (id *Identity) IsAuthorized(role Role, serviceID string) bool {
	if id.services == nil {
		return true
	}
	if _, ok := id.services[string(role)+":"+serviceID]; ok {
		return true
	}
	_, ok := id.services[string(role)+":*"]
	return ok
}

// HasRole reports whether any explicit grant names the role. Allow-all
// identities report false for both roles.
func (id *Identity) HasRole(role Role) bool {
	prefix := string(role) + ":"
	for key := range id.services {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Grants returns the number of explicit grants parsed from the certificate.
func (id *Identity) Grants() int {
	return len(id.services)
}

// parseSAN parses one SAN DNS entry into a "role:service" grant key.
// Entries outside the ZTNA convention are ignored, not rejected: ordinary
// hostname SANs are expected on dual-purpose certificates.
func parseSAN(dns string) (string, bool) {
	dns = strings.ToLower(dns)
	if !strings.HasSuffix(dns, sanSuffix) {
		return "", false
	}

	prefix := dns[:len(dns)-len(sanSuffix)]
	role, service, ok := strings.Cut(prefix, ".")
	if !ok || service == "" {
		return "", false
	}

	switch Role(role) {
	case RoleAgent, RoleConnector:
		return role + ":" + service, true
	default:
		return "", false
	}
}
