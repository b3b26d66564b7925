package token

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func newTestMinter(t *testing.T) *Minter {
	t.Helper()
	m, err := NewMinter([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return m
}

func TestMintValidateRoundTrip(t *testing.T) {
	m := newTestMinter(t)
	addr := netip.MustParseAddrPort("198.51.100.4:52000")
	odcid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	tok, err := m.Mint(addr, odcid)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	got, err := m.Validate(tok, addr)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !bytes.Equal(got, odcid) {
		t.Errorf("odcid = %x, want %x", got, odcid)
	}
}

func TestValidateAcceptsMappedAddress(t *testing.T) {
	m := newTestMinter(t)
	odcid := []byte{0x01, 0x02, 0x03, 0x04}

	tok, err := m.Mint(netip.MustParseAddrPort("198.51.100.4:52000"), odcid)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// A dual-stack socket reports the same peer as a 4-in-6 mapped address.
	mapped := netip.MustParseAddrPort("[::ffff:198.51.100.4]:52000")
	got, err := m.Validate(tok, mapped)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !bytes.Equal(got, odcid) {
		t.Errorf("odcid = %x, want %x", got, odcid)
	}
}

func TestValidateSingleUse(t *testing.T) {
	m := newTestMinter(t)
	addr := netip.MustParseAddrPort("198.51.100.4:52000")

	tok, err := m.Mint(addr, []byte{0xAA})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := m.Validate(tok, addr); err != nil {
		t.Fatalf("first Validate: %v", err)
	}
	if _, err := m.Validate(tok, addr); !errors.Is(err, ErrTokenReplayed) {
		t.Errorf("second Validate error = %v, want ErrTokenReplayed", err)
	}
}

func TestValidateAddressMismatch(t *testing.T) {
	m := newTestMinter(t)

	tok, err := m.Mint(netip.MustParseAddrPort("198.51.100.4:52000"), []byte{0xAA})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tests := []struct {
		name string
		addr netip.AddrPort
	}{
		{"different ip", netip.MustParseAddrPort("198.51.100.5:52000")},
		{"different port", netip.MustParseAddrPort("198.51.100.4:52001")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Validate(tok, tt.addr); !errors.Is(err, ErrAddressMismatch) {
				t.Errorf("error = %v, want ErrAddressMismatch", err)
			}
		})
	}
}

func TestValidateFreshnessWindow(t *testing.T) {
	m := newTestMinter(t)
	addr := netip.MustParseAddrPort("198.51.100.4:52000")

	base := time.Now()
	m.now = func() time.Time { return base }

	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
	}{
		{"59s old passes", 59 * time.Second, nil},
		{"exactly 60s rejected", 60 * time.Second, ErrTokenExpired},
		{"61s rejected", 61 * time.Second, ErrTokenExpired},
		{"clock skew into the future rejected", -time.Second, ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.now = func() time.Time { return base }
			tok, err := m.Mint(addr, []byte{0x01})
			if err != nil {
				t.Fatalf("Mint: %v", err)
			}

			m.now = func() time.Time { return base.Add(tt.age) }
			_, err = m.Validate(tok, addr)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate: %v, want success", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	m := newTestMinter(t)
	addr := netip.MustParseAddrPort("198.51.100.4:52000")

	tok, err := m.Mint(addr, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	flipped := append([]byte(nil), tok...)
	flipped[len(flipped)-1] ^= 0x01
	if _, err := m.Validate(flipped, addr); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("tampered token error = %v, want ErrInvalidToken", err)
	}

	if _, err := m.Validate(tok[:8], addr); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("truncated token error = %v, want ErrInvalidToken", err)
	}

	other, err := NewMinter([]byte("other-secret"))
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	if _, err := other.Validate(tok, addr); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("cross-minter token error = %v, want ErrInvalidToken", err)
	}
}

func TestMintRejectsBadInputs(t *testing.T) {
	m := newTestMinter(t)

	if _, err := m.Mint(netip.MustParseAddrPort("[2001:db8::1]:443"), nil); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("IPv6 mint error = %v, want ErrInvalidToken", err)
	}
	if _, err := m.Mint(netip.MustParseAddrPort("198.51.100.4:1"), make([]byte, 21)); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("oversized odcid error = %v, want ErrInvalidToken", err)
	}
}

func TestTransportKeyStableForMinter(t *testing.T) {
	m1, err := NewMinter([]byte("same"))
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	m2, err := NewMinter([]byte("same"))
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	if m1.TransportKey() != m2.TransportKey() {
		t.Error("same secret derived different transport keys")
	}

	m3, err := NewMinter(nil)
	if err != nil {
		t.Fatalf("NewMinter(nil): %v", err)
	}
	if m3.TransportKey() == m1.TransportKey() {
		t.Error("random secret collided with fixed secret")
	}
}
