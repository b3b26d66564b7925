package authz

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"testing"
)

func testCert(cn string, sans ...string) *x509.Certificate {
	return &x509.Certificate{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: sans,
	}
}

func TestExtractIdentityNoCommonName(t *testing.T) {
	_, err := ExtractIdentity(testCert("", "agent.web.ztna"))
	if !errors.Is(err, ErrNoCommonName) {
		t.Errorf("error = %v, want ErrNoCommonName", err)
	}
}

func TestExtractIdentityNoSANs(t *testing.T) {
	id, err := ExtractIdentity(testCert("legacy-client"))
	if err != nil {
		t.Fatalf("ExtractIdentity: %v", err)
	}
	if !id.AllowAll() {
		t.Error("identity without ZTNA SANs should allow all")
	}
	if !id.IsAuthorized(RoleAgent, "anything") || !id.IsAuthorized(RoleConnector, "anything") {
		t.Error("allow-all identity denied a service")
	}
}

func TestExtractIdentityIgnoresOrdinarySANs(t *testing.T) {
	// Hostname SANs on a dual-purpose certificate are not ZTNA grants.
	id, err := ExtractIdentity(testCert("server", "relay.example.com", "*.example.com"))
	if err != nil {
		t.Fatalf("ExtractIdentity: %v", err)
	}
	if !id.AllowAll() {
		t.Error("identity with only hostname SANs should allow all")
	}
}

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		name    string
		sans    []string
		role    Role
		service string
		want    bool
	}{
		{"exact agent grant", []string{"agent.web.ztna"}, RoleAgent, "web", true},
		{"exact grant wrong service", []string{"agent.web.ztna"}, RoleAgent, "db", false},
		{"exact grant wrong role", []string{"agent.web.ztna"}, RoleConnector, "web", false},
		{"connector grant", []string{"connector.db.ztna"}, RoleConnector, "db", true},
		{"agent wildcard", []string{"agent.*.ztna"}, RoleAgent, "anything", true},
		{"agent wildcard not connector", []string{"agent.*.ztna"}, RoleConnector, "anything", false},
		{"multiple grants", []string{"agent.web.ztna", "agent.db.ztna"}, RoleAgent, "db", true},
		{"mixed roles", []string{"agent.web.ztna", "connector.web.ztna"}, RoleConnector, "web", true},
		{"case insensitive", []string{"Agent.Web.ZTNA"}, RoleAgent, "web", true},
		{"empty service in san ignored", []string{"agent..ztna", "agent.web.ztna"}, RoleAgent, "web", true},
		{"unknown role san ignored", []string{"observer.web.ztna", "agent.web.ztna"}, RoleAgent, "web", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ExtractIdentity(testCert("client", tt.sans...))
			if err != nil {
				t.Fatalf("ExtractIdentity: %v", err)
			}
			if got := id.IsAuthorized(tt.role, tt.service); got != tt.want {
				t.Errorf("IsAuthorized(%s, %q) = %v, want %v", tt.role, tt.service, got, tt.want)
			}
		})
	}
}

func TestMalformedSANsDenyAll(t *testing.T) {
	// Entries that end in .ztna but parse to nothing leave the explicit-grant
	// set empty. That must not fall back to allow-all.
	id, err := ExtractIdentity(testCert("client", "agent.web.ztna", "agent.db.ztna"))
	if err != nil {
		t.Fatalf("ExtractIdentity: %v", err)
	}
	if id.AllowAll() {
		t.Fatal("identity with grants reported allow-all")
	}
	if id.IsAuthorized(RoleAgent, "payments") {
		t.Error("ungranted service was authorized")
	}
	if got := id.Grants(); got != 2 {
		t.Errorf("Grants = %d, want 2", got)
	}
}
