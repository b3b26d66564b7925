// Package holepunch negotiates a direct path between Agent and Connector,
// exchanging address candidates through the relay and probing them with
// paced connectivity checks. When no direct path beats the relay, traffic
// silently stays relayed.
package holepunch

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
)

// Candidate type preferences from RFC 8445 section 5.1.2.1.
const (
	hostTypePref  uint32 = 126
	prflxTypePref uint32 = 110
	srflxTypePref uint32 = 100
	relayTypePref uint32 = 0

	ipv4LocalPref uint32 = 65535
	ipv6LocalPref uint32 = 65534

	// Single component: the datagram path.
	componentID uint32 = 1
)

// CandidateType classifies where a candidate address came from.
type CandidateType uint8

const (
	// CandidateHost is a local interface address.
	CandidateHost CandidateType = iota
	// CandidateServerReflexive is the public address the relay observed.
	CandidateServerReflexive
	// CandidatePeerReflexive is discovered during connectivity checks.
	CandidatePeerReflexive
	// CandidateRelay is the relay itself, the guaranteed fallback.
	CandidateRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateHost:
		return hostTypePref
	case CandidateServerReflexive:
		return srflxTypePref
	case CandidatePeerReflexive:
		return prflxTypePref
	default:
		return relayTypePref
	}
}

// Candidate is one address hypothesis for direct connectivity.
type Candidate struct {
	Type     CandidateType  `json:"type"`
	Address  netip.AddrPort `json:"address"`
	Priority uint32         `json:"priority"`
	// Foundation groups candidates sharing a base address and type, used
	// to unfreeze related pairs together.
	Foundation string `json:"foundation"`
	// Related is the base address behind a reflexive or relay candidate.
	Related netip.AddrPort `json:"related,omitempty"`
}

// NewCandidate builds a candidate with its RFC 8445 priority computed.
func NewCandidate(t CandidateType, addr netip.AddrPort, related netip.AddrPort) Candidate {
	return Candidate{
		Type:       t,
		Address:    addr,
		Priority:   Priority(t.typePreference(), localPreference(addr), componentID),
		Foundation: fmt.Sprintf("%s_%s", t, addr.Addr()),
		Related:    related,
	}
}

// HostCandidate wraps a local interface address.
func HostCandidate(addr netip.AddrPort) Candidate {
	return NewCandidate(CandidateHost, addr, netip.AddrPort{})
}

// ReflexiveCandidate wraps the relay-observed public address. Returns false
// when the observed address equals the base, meaning there is no NAT and the
// host candidate already covers it.
func ReflexiveCandidate(observed, base netip.AddrPort) (Candidate, bool) {
	if observed.Addr() == base.Addr() {
		return Candidate{}, false
	}
	return NewCandidate(CandidateServerReflexive, observed, base), true
}

// RelayCandidate wraps the relay address as the fallback path.
func RelayCandidate(relay, base netip.AddrPort) Candidate {
	return NewCandidate(CandidateRelay, relay, base)
}

// Priority computes the RFC 8445 section 5.1.2.1 candidate priority:
// (typePref << 24) | (localPref << 8) | (256 - componentID).
func Priority(typePref, localPref, component uint32) uint32 {
	if typePref > 126 {
		typePref = 126
	}
	if localPref > 65535 {
		localPref = 65535
	}
	if component < 1 {
		component = 1
	} else if component > 256 {
		component = 256
	}
	return typePref<<24 | localPref<<8 | (256 - component)
}

func localPreference(addr netip.AddrPort) uint32 {
	if addr.Addr().Unmap().Is4() {
		return ipv4LocalPref
	}
	return ipv6LocalPref
}

// PairPriority computes the candidate-pair priority from RFC 8445 section
// 6.1.2.3: 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0), where G is the
// controlling side's candidate priority and D the controlled side's.
func PairPriority(local, remote uint32, controlling bool) uint64 {
	g, d := uint64(local), uint64(remote)
	if !controlling {
		g, d = d, g
	}
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	var tie uint64
	if g > d {
		tie = 1
	}
	return (1<<32)*lo + 2*hi + tie
}

// GatherHostCandidates wraps local addresses as host candidates, skipping
// loopback unless asked to keep it (tests punch across loopback).
func GatherHostCandidates(addrs []netip.AddrPort, includeLoopback bool) []Candidate {
	out := make([]Candidate, 0, len(addrs))
	for _, a := range addrs {
		if !includeLoopback && a.Addr().IsLoopback() {
			continue
		}
		out = append(out, HostCandidate(a))
	}
	return out
}

// LocalAddrPorts lists this host's IPv4 interface addresses paired with the
// punch socket's port, the raw material for host candidate gathering.
func LocalAddrPorts(port uint16) ([]netip.AddrPort, error) {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("listing interface addresses: %w", err)
	}

	var out []netip.AddrPort
	for _, a := range ifAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if !ip.Is4() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out, nil
}

// SortByPriority orders candidates highest priority first.
func SortByPriority(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Priority > cs[j].Priority })
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s priority %d", c.Type, c.Address, c.Priority)
}
