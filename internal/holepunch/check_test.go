package holepunch

import (
	"errors"
	"testing"
	"time"

	"github.com/quicgate/quicgate/internal/protocol"
)

func TestBindingRoundTrip(t *testing.T) {
	req := &BindingRequest{
		TransactionID: NewTransactionID(),
		Priority:      (1 << 32) * 50,
		UseCandidate:  true,
	}
	gotReq, gotResp, err := DecodeBinding(req.Encode())
	if err != nil {
		t.Fatalf("DecodeBinding: %v", err)
	}
	if gotResp != nil {
		t.Fatal("request decoded as response")
	}
	if *gotReq != *req {
		t.Errorf("decoded %+v, want %+v", gotReq, req)
	}

	resp := &BindingResponse{
		TransactionID: req.TransactionID,
		Success:       true,
		Mapped:        ap(t, "203.0.113.50:50000"),
	}
	buf, err := resp.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	gotReq, gotResp, err = DecodeBinding(buf)
	if err != nil {
		t.Fatalf("DecodeBinding: %v", err)
	}
	if gotReq != nil {
		t.Fatal("response decoded as request")
	}
	if *gotResp != *resp {
		t.Errorf("decoded %+v, want %+v", gotResp, resp)
	}
}

func TestBindingDecodeRejects(t *testing.T) {
	req := (&BindingRequest{TransactionID: NewTransactionID()}).Encode()

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, protocol.ErrMalformedFrame},
		{"truncated request", req[:len(req)-1], protocol.ErrMalformedFrame},
		{"oversized request", append(req, 0), protocol.ErrMalformedFrame},
		{"unknown tag", []byte{0x7F, 0, 0, 0}, protocol.ErrUnknownFrameType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeBinding(tt.buf); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransactionIDsUnique(t *testing.T) {
	seen := make(map[TransactionID]struct{})
	for i := 0; i < 100; i++ {
		id := NewTransactionID()
		if _, dup := seen[id]; dup {
			t.Fatal("duplicate transaction id")
		}
		seen[id] = struct{}{}
	}
}

func TestPairRTOBackoff(t *testing.T) {
	pair := NewCandidatePair(
		HostCandidate(ap(t, "192.168.1.100:5000")),
		HostCandidate(ap(t, "192.168.1.200:5000")),
		true,
	)
	pair.State = CheckWaiting
	now := time.Now()
	pair.startCheck(now)

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for _, rto := range want {
		if got := pair.currentRTO(); got != rto {
			t.Errorf("after %d transmits: RTO = %v, want %v", pair.TransmitCount, got, rto)
		}
		pair.TransmitCount++
	}
}

func TestCheckListPairFormation(t *testing.T) {
	l := NewCheckList(true)
	l.AddPairs(
		[]Candidate{
			HostCandidate(ap(t, "192.168.1.100:5000")),
			HostCandidate(ap(t, "10.0.0.1:5000")),
		},
		[]Candidate{HostCandidate(ap(t, "192.168.1.200:5000"))},
	)
	if l.PairCount() != 2 {
		t.Errorf("PairCount = %d, want 2", l.PairCount())
	}
}

func TestCheckListFamilySeparation(t *testing.T) {
	l := NewCheckList(true)
	l.AddPairs(
		[]Candidate{
			HostCandidate(ap(t, "192.168.1.100:5000")),
			HostCandidate(ap(t, "[::1]:5000")),
		},
		[]Candidate{HostCandidate(ap(t, "192.168.1.200:5000"))},
	)
	if l.PairCount() != 1 {
		t.Errorf("PairCount = %d, want 1: v6 local cannot pair with v4 remote", l.PairCount())
	}
}

func TestCheckListPacing(t *testing.T) {
	l := NewCheckList(true)
	l.AddPairs(
		[]Candidate{HostCandidate(ap(t, "192.168.1.100:5000"))},
		[]Candidate{
			HostCandidate(ap(t, "192.168.1.200:5000")),
			HostCandidate(ap(t, "192.168.1.201:5000")),
		},
	)
	now := time.Now()
	l.Start(now)

	if req, _ := l.NextRequest(now); req == nil {
		t.Fatal("first request should be immediate")
	}
	if req, _ := l.NextRequest(now.Add(5 * time.Millisecond)); req != nil {
		t.Error("second request must wait out the pace interval")
	}
	if req, _ := l.NextRequest(now.Add(PaceInterval)); req == nil {
		t.Error("second request should go after the pace interval")
	}
}

func TestCheckListResponseAndBest(t *testing.T) {
	l := NewCheckList(true)
	l.AddPairs(
		[]Candidate{HostCandidate(ap(t, "192.168.1.100:5000"))},
		[]Candidate{HostCandidate(ap(t, "192.168.1.200:5000"))},
	)
	now := time.Now()
	l.Start(now)

	req, addr := l.NextRequest(now)
	if req == nil {
		t.Fatal("no request scheduled")
	}
	if addr != ap(t, "192.168.1.200:5000") {
		t.Errorf("request addressed to %v", addr)
	}

	pair := l.HandleResponse(&BindingResponse{
		TransactionID: req.TransactionID,
		Success:       true,
		Mapped:        ap(t, "203.0.113.1:5000"),
	})
	if pair == nil || pair.State != CheckSucceeded {
		t.Fatalf("pair = %+v, want succeeded", pair)
	}
	if !l.Succeeded() || !l.Complete() {
		t.Error("list should be complete and succeeded")
	}
	best := l.BestSucceeded()
	if best == nil || best.Remote.Address != ap(t, "192.168.1.200:5000") {
		t.Errorf("best = %+v", best)
	}

	// A response with a stale transaction id matches nothing.
	if l.HandleResponse(&BindingResponse{TransactionID: NewTransactionID()}) != nil {
		t.Error("stale transaction id must not match")
	}
}

func TestCheckListRetransmitThenTimeout(t *testing.T) {
	l := NewCheckList(true)
	l.AddPairs(
		[]Candidate{HostCandidate(ap(t, "192.168.1.100:5000"))},
		[]Candidate{HostCandidate(ap(t, "192.168.1.200:5000"))},
	)
	now := time.Now()
	l.Start(now)

	req, _ := l.NextRequest(now)
	if req == nil {
		t.Fatal("no initial request")
	}

	// Walk the retransmit schedule without ever answering.
	sends := 1
	for i := 0; i < 20; i++ {
		now = now.Add(MaxRTO)
		if r, _ := l.NextRequest(now); r != nil {
			if r.TransactionID != req.TransactionID {
				t.Error("retransmit must reuse the transaction id")
			}
			sends++
		}
	}
	if sends != MaxRetransmits {
		t.Errorf("sends = %d, want %d", sends, MaxRetransmits)
	}

	l.HandleTimeouts(now.Add(CheckTimeout))
	if !l.Complete() || l.Succeeded() {
		t.Error("unanswered pair must fail after the check window")
	}
}
