// Package token implements the relay's stateless-retry tokens: encrypted
// proof that a client address completed a round trip before the relay commits
// state to the connection.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MaxTokenAge is the freshness window. A token issued MaxTokenAge or longer
// ago is rejected even if it decrypts cleanly.
const MaxTokenAge = 60 * time.Second

const (
	keyLen      = 32 // AES-256
	nonceLen    = 12
	maxODCIDLen = 20
)

var (
	// ErrInvalidToken covers decryption failures and structural damage. The
	// caller cannot distinguish tampering from corruption, and must not try.
	ErrInvalidToken = errors.New("invalid retry token")

	// ErrTokenExpired is returned for tokens older than MaxTokenAge.
	ErrTokenExpired = errors.New("retry token expired")

	// ErrAddressMismatch is returned when the observed source address is not
	// the address the token was minted for.
	ErrAddressMismatch = errors.New("retry token address mismatch")

	// ErrTokenReplayed is returned for a token that already admitted a
	// connection. Tokens are single-use.
	ErrTokenReplayed = errors.New("retry token already used")
)

// Minter mints and validates retry tokens under a process-lifetime key.
// Safe for concurrent use.
type Minter struct {
	aead cipher.AEAD
	key  [keyLen]byte

	mu   sync.Mutex
	used map[[nonceLen]byte]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewMinter derives the token key from secret via HKDF-SHA256. A nil secret
// generates a fresh random one, which is the production path: tokens never
// need to outlive the process.
func NewMinter(secret []byte) (*Minter, error) {
	if secret == nil {
		secret = make([]byte, keyLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}

	m := &Minter{
		used: make(map[[nonceLen]byte]time.Time),
		now:  time.Now,
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("quicgate retry token v1"))
	if _, err := io.ReadFull(kdf, m.key[:]); err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}

	block, err := aes.NewCipher(m.key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing token cipher: %w", err)
	}
	m.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing token AEAD: %w", err)
	}

	return m, nil
}

// TransportKey returns the derived key for handing to the QUIC transport's
// built-in retry machinery. Same key, so either layer can validate.
func (m *Minter) TransportKey() [keyLen]byte {
	return m.key
}

// Mint issues a token binding the client address and the original destination
// connection id to the current time.
//
// Plaintext layout: [issued:u64 unix-nano BE][ip:4][port:2][odcid_len:u8][odcid].
func (m *Minter) Mint(addr netip.AddrPort, odcid []byte) ([]byte, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("%w: non-IPv4 client address", ErrInvalidToken)
	}
	if len(odcid) > maxODCIDLen {
		return nil, fmt.Errorf("%w: odcid length %d", ErrInvalidToken, len(odcid))
	}

	plain := make([]byte, 8+4+2+1+len(odcid))
	binary.BigEndian.PutUint64(plain[0:8], uint64(m.now().UnixNano()))
	ip := addr.Addr().As4()
	copy(plain[8:12], ip[:])
	binary.BigEndian.PutUint16(plain[12:14], addr.Port())
	plain[14] = uint8(len(odcid))
	copy(plain[15:], odcid)

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating token nonce: %w", err)
	}

	return m.aead.Seal(nonce, nonce, plain, nil), nil
}

// Validate decrypts a token and checks freshness, address binding and
// single-use. On success the original destination connection id is returned
// and the token is consumed: a second Validate of the same token fails.
func (m *Minter) Validate(tok []byte, addr netip.AddrPort) ([]byte, error) {
	if len(tok) < nonceLen+1 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}

	var nonce [nonceLen]byte
	copy(nonce[:], tok[:nonceLen])

	plain, err := m.aead.Open(nil, nonce[:], tok[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(plain) < 15 {
		return nil, fmt.Errorf("%w: short payload", ErrInvalidToken)
	}

	issued := time.Unix(0, int64(binary.BigEndian.Uint64(plain[0:8])))
	now := m.now()
	if age := now.Sub(issued); age >= MaxTokenAge || age < 0 {
		return nil, fmt.Errorf("%w: issued %s ago", ErrTokenExpired, now.Sub(issued))
	}

	boundIP := netip.AddrFrom4([4]byte{plain[8], plain[9], plain[10], plain[11]})
	boundPort := binary.BigEndian.Uint16(plain[12:14])
	presented := netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if bound := netip.AddrPortFrom(boundIP, boundPort); bound != presented {
		return nil, fmt.Errorf("%w: minted for %s, presented from %s", ErrAddressMismatch, bound, addr)
	}

	odcidLen := int(plain[14])
	if len(plain) != 15+odcidLen {
		return nil, fmt.Errorf("%w: odcid length mismatch", ErrInvalidToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.used[nonce]; seen {
		return nil, ErrTokenReplayed
	}
	m.used[nonce] = issued
	m.sweepLocked(now)

	odcid := make([]byte, odcidLen)
	copy(odcid, plain[15:])
	return odcid, nil
}

// sweepLocked drops consumed-token entries past the freshness window. Expired
// tokens fail the age check anyway, so the cache only needs to cover the
// window itself.
func (m *Minter) sweepLocked(now time.Time) {
	if len(m.used) < 1024 {
		return
	}
	for n, issued := range m.used {
		if now.Sub(issued) >= MaxTokenAge {
			delete(m.used, n)
		}
	}
}
