package holepunch

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/quicgate/quicgate/internal/protocol"
)

// Connectivity-check wire parameters.
const (
	// TransactionIDLen is the size of a binding transaction id.
	TransactionIDLen = 12

	// InitialRTO is the first retransmit timeout, doubling up to MaxRTO.
	InitialRTO = 100 * time.Millisecond
	MaxRTO     = 1600 * time.Millisecond

	// MaxRetransmits bounds sends per pair before the check fails.
	MaxRetransmits = 5

	// CheckTimeout bounds the whole connectivity-check phase.
	CheckTimeout = 5 * time.Second

	// PaceInterval spaces binding requests across pairs.
	PaceInterval = 20 * time.Millisecond

	bindingRequestTag  = 0x01
	bindingResponseTag = 0x02
	bindingRequestLen  = 1 + TransactionIDLen + 8 + 1
	bindingResponseLen = 1 + TransactionIDLen + 1 + 4 + 2
)

// TransactionID correlates a binding response with its request.
type TransactionID [TransactionIDLen]byte

// NewTransactionID draws a fresh id from the CSPRNG. Predictable ids would
// let an off-path attacker fake check results.
func NewTransactionID() TransactionID {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return id
}

// BindingRequest probes one candidate pair for reachability.
type BindingRequest struct {
	TransactionID TransactionID
	Priority      uint64
	// UseCandidate nominates the pair once the controlling side settles.
	UseCandidate bool
}

// BindingResponse confirms (or denies) reachability for a request.
type BindingResponse struct {
	TransactionID TransactionID
	Success       bool
	// Mapped is the source address the responder saw, a peer-reflexive
	// discovery for the requester.
	Mapped netip.AddrPort
}

// Encode serializes the request: [0x01][txid:12][priority:u64 BE][use:u8].
func (r *BindingRequest) Encode() []byte {
	buf := make([]byte, bindingRequestLen)
	buf[0] = bindingRequestTag
	copy(buf[1:], r.TransactionID[:])
	binary.BigEndian.PutUint64(buf[1+TransactionIDLen:], r.Priority)
	if r.UseCandidate {
		buf[bindingRequestLen-1] = 1
	}
	return buf
}

// Encode serializes the response: [0x02][txid:12][success:u8][ip:4][port:2].
func (r *BindingResponse) Encode() ([]byte, error) {
	addr := r.Mapped.Addr().Unmap()
	if r.Mapped.IsValid() && !addr.Is4() {
		return nil, fmt.Errorf("%w: binding response requires IPv4", protocol.ErrMalformedFrame)
	}

	buf := make([]byte, bindingResponseLen)
	buf[0] = bindingResponseTag
	copy(buf[1:], r.TransactionID[:])
	if r.Success {
		buf[1+TransactionIDLen] = 1
	}
	if r.Mapped.IsValid() {
		ip := addr.As4()
		copy(buf[2+TransactionIDLen:], ip[:])
		binary.BigEndian.PutUint16(buf[bindingResponseLen-2:], r.Mapped.Port())
	}
	return buf, nil
}

// DecodeBinding parses a binding datagram into a request or response.
// Exactly one of the returns is non-nil on success.
func DecodeBinding(buf []byte) (*BindingRequest, *BindingResponse, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("%w: empty binding message", protocol.ErrMalformedFrame)
	}

	switch buf[0] {
	case bindingRequestTag:
		if len(buf) != bindingRequestLen {
			return nil, nil, fmt.Errorf("%w: binding request length %d", protocol.ErrMalformedFrame, len(buf))
		}
		req := &BindingRequest{
			Priority:     binary.BigEndian.Uint64(buf[1+TransactionIDLen:]),
			UseCandidate: buf[bindingRequestLen-1] == 1,
		}
		copy(req.TransactionID[:], buf[1:])
		return req, nil, nil

	case bindingResponseTag:
		if len(buf) != bindingResponseLen {
			return nil, nil, fmt.Errorf("%w: binding response length %d", protocol.ErrMalformedFrame, len(buf))
		}
		resp := &BindingResponse{Success: buf[1+TransactionIDLen] == 1}
		copy(resp.TransactionID[:], buf[1:])
		ip := netip.AddrFrom4([4]byte(buf[2+TransactionIDLen : 6+TransactionIDLen]))
		port := binary.BigEndian.Uint16(buf[bindingResponseLen-2:])
		if ip.IsUnspecified() && port == 0 {
			resp.Mapped = netip.AddrPort{}
		} else {
			resp.Mapped = netip.AddrPortFrom(ip, port)
		}
		return nil, resp, nil

	default:
		return nil, nil, fmt.Errorf("%w: binding tag 0x%02x", protocol.ErrUnknownFrameType, buf[0])
	}
}
