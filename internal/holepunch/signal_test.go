package holepunch

import (
	"errors"
	"testing"
)

func sampleCandidates(t *testing.T) []Candidate {
	t.Helper()
	srflx, _ := ReflexiveCandidate(ap(t, "203.0.113.50:50000"), ap(t, "192.168.1.100:50000"))
	return []Candidate{
		HostCandidate(ap(t, "192.168.1.100:50000")),
		srflx,
	}
}

func TestSignalRoundTrip(t *testing.T) {
	session := NewSessionID()
	tests := []struct {
		name string
		msg  *Message
	}{
		{"offer", &Message{
			Type: MessageOffer, SessionID: session,
			ServiceID: "echo", Candidates: sampleCandidates(t),
		}},
		{"answer", &Message{
			Type: MessageAnswer, SessionID: session, Candidates: sampleCandidates(t),
		}},
		{"start", &Message{
			Type: MessageStart, SessionID: session,
			StartDelayMS: 100, Candidates: sampleCandidates(t),
		}},
		{"result", &Message{
			Type: MessageResult, SessionID: session,
			Success: true, WorkingAddr: ap(t, "203.0.113.50:50000"),
		}},
		{"error", ErrorMessage(session, ErrCodeServiceNotFound, "no such service")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			got, consumed, err := DecodeMessage(buf)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if consumed != len(buf) {
				t.Errorf("consumed %d, want %d", consumed, len(buf))
			}
			if got.Type != tt.msg.Type || got.SessionID != tt.msg.SessionID {
				t.Errorf("decoded %+v, want %+v", got, tt.msg)
			}
			if len(got.Candidates) != len(tt.msg.Candidates) {
				t.Errorf("candidates = %d, want %d", len(got.Candidates), len(tt.msg.Candidates))
			}
			if got.WorkingAddr != tt.msg.WorkingAddr {
				t.Errorf("working addr = %v, want %v", got.WorkingAddr, tt.msg.WorkingAddr)
			}
		})
	}
}

func TestSignalDecodeIncomplete(t *testing.T) {
	buf, err := EncodeMessage(&Message{Type: MessageAnswer, SessionID: NewSessionID()})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	for _, cut := range []int{0, 2, len(buf) - 1} {
		if _, _, err := DecodeMessage(buf[:cut]); !errors.Is(err, ErrSignalIncomplete) {
			t.Errorf("prefix of %d bytes: err = %v, want ErrSignalIncomplete", cut, err)
		}
	}
}

func TestSignalDecodeTooLarge(t *testing.T) {
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, _, err := DecodeMessage(header); !errors.Is(err, ErrSignalTooLarge) {
		t.Errorf("err = %v, want ErrSignalTooLarge", err)
	}
}

func TestSignalDecodeMessages(t *testing.T) {
	session := NewSessionID()
	first, err := EncodeMessage(&Message{Type: MessageOffer, SessionID: session, ServiceID: "echo"})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	second, err := EncodeMessage(&Message{Type: MessageAnswer, SessionID: session})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	buf := append(append([]byte{}, first...), second...)
	buf = append(buf, 0x00, 0x00) // partial next header

	msgs, rest := DecodeMessages(buf)
	if len(msgs) != 2 {
		t.Fatalf("decoded %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != MessageOffer || msgs[1].Type != MessageAnswer {
		t.Errorf("types = %v, %v", msgs[0].Type, msgs[1].Type)
	}
	if len(rest) != 2 {
		t.Errorf("remainder = %d bytes, want 2", len(rest))
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b || a == "" {
		t.Errorf("session ids not unique: %q, %q", a, b)
	}
}
