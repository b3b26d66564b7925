package holepunch

import (
	"net/netip"
	"sort"
	"time"
)

// CheckState tracks one candidate pair's connectivity check.
type CheckState int

const (
	// CheckFrozen waits for a sibling pair with the same foundation.
	CheckFrozen CheckState = iota
	// CheckWaiting is ready to send its first binding request.
	CheckWaiting
	// CheckInProgress has a request outstanding.
	CheckInProgress
	// CheckSucceeded received a positive response.
	CheckSucceeded
	// CheckFailed exhausted retransmits or timed out.
	CheckFailed
)

func (s CheckState) String() string {
	switch s {
	case CheckFrozen:
		return "frozen"
	case CheckWaiting:
		return "waiting"
	case CheckInProgress:
		return "in_progress"
	case CheckSucceeded:
		return "succeeded"
	case CheckFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CandidatePair is one local/remote combination under test.
type CandidatePair struct {
	Local  Candidate
	Remote Candidate
	// Priority orders pairs; both sides compute the same value.
	Priority   uint64
	Foundation string

	State         CheckState
	TransmitCount int
	LastSent      time.Time
	TransactionID TransactionID
	Nominated     bool
}

// NewCandidatePair builds a pair with its RFC 8445 pair priority.
func NewCandidatePair(local, remote Candidate, controlling bool) *CandidatePair {
	return &CandidatePair{
		Local:      local,
		Remote:     remote,
		Priority:   PairPriority(local.Priority, remote.Priority, controlling),
		Foundation: local.Foundation + ":" + remote.Foundation,
		State:      CheckFrozen,
	}
}

// currentRTO doubles per transmit, capped at MaxRTO.
func (p *CandidatePair) currentRTO() time.Duration {
	shift := p.TransmitCount
	if shift > 4 {
		shift = 4
	}
	rto := InitialRTO << shift
	if rto > MaxRTO {
		rto = MaxRTO
	}
	return rto
}

func (p *CandidatePair) needsRetransmit(now time.Time) bool {
	if p.State != CheckInProgress || p.TransmitCount >= MaxRetransmits {
		return false
	}
	return p.LastSent.IsZero() || now.Sub(p.LastSent) >= p.currentRTO()
}

// startCheck issues the pair's first binding request.
func (p *CandidatePair) startCheck(now time.Time) *BindingRequest {
	req := &BindingRequest{
		TransactionID: NewTransactionID(),
		Priority:      p.Priority,
		UseCandidate:  p.Nominated,
	}
	p.TransactionID = req.TransactionID
	p.State = CheckInProgress
	p.TransmitCount = 1
	p.LastSent = now
	return req
}

// handleResponse consumes a response if its transaction id matches.
func (p *CandidatePair) handleResponse(resp *BindingResponse) bool {
	if p.State != CheckInProgress || p.TransactionID != resp.TransactionID {
		return false
	}
	if resp.Success {
		p.State = CheckSucceeded
	} else {
		p.State = CheckFailed
	}
	return true
}

// CheckList schedules connectivity checks across all candidate pairs,
// pacing requests and retransmitting with exponential backoff.
type CheckList struct {
	pairs       []*CandidatePair
	controlling bool

	started   time.Time
	lastCheck time.Time
	nextIndex int
}

// NewCheckList creates an empty list. The controlling side (the Agent)
// drives nomination.
func NewCheckList(controlling bool) *CheckList {
	return &CheckList{controlling: controlling}
}

// AddPairs forms the cross product of local and remote candidates, skipping
// mixed address families, and sorts by pair priority.
func (l *CheckList) AddPairs(local, remote []Candidate) {
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Address.Addr().Is4() != rc.Address.Addr().Is4() {
				continue
			}
			l.pairs = append(l.pairs, NewCandidatePair(lc, rc, l.controlling))
		}
	}
	sort.Slice(l.pairs, func(i, j int) bool { return l.pairs[i].Priority > l.pairs[j].Priority })
	l.unfreezeInitial()
}

// unfreezeInitial wakes the highest-priority pair of each foundation.
func (l *CheckList) unfreezeInitial() {
	seen := make(map[string]struct{})
	for _, p := range l.pairs {
		if _, ok := seen[p.Foundation]; !ok {
			p.State = CheckWaiting
			seen[p.Foundation] = struct{}{}
		}
	}
}

// Start stamps the beginning of the check phase.
func (l *CheckList) Start(now time.Time) {
	l.started = now
	l.lastCheck = time.Time{}
	l.nextIndex = 0
}

// NextRequest returns the next binding request to put on the wire, or nil
// when pacing holds or nothing is pending. Retransmits take precedence over
// fresh pairs.
func (l *CheckList) NextRequest(now time.Time) (*BindingRequest, netip.AddrPort) {
	if !l.lastCheck.IsZero() && now.Sub(l.lastCheck) < PaceInterval {
		return nil, netip.AddrPort{}
	}

	for _, p := range l.pairs {
		if p.needsRetransmit(now) {
			p.TransmitCount++
			p.LastSent = now
			l.lastCheck = now
			return &BindingRequest{
				TransactionID: p.TransactionID,
				Priority:      p.Priority,
				UseCandidate:  p.Nominated,
			}, p.Remote.Address
		}
	}

	for l.nextIndex < len(l.pairs) {
		p := l.pairs[l.nextIndex]
		l.nextIndex++
		if p.State == CheckWaiting {
			req := p.startCheck(now)
			l.lastCheck = now
			return req, p.Remote.Address
		}
	}

	return nil, netip.AddrPort{}
}

// HandleResponse matches a response to its pair. A success unfreezes
// sibling pairs sharing the foundation.
func (l *CheckList) HandleResponse(resp *BindingResponse) *CandidatePair {
	for _, p := range l.pairs {
		if p.handleResponse(resp) {
			if p.State == CheckSucceeded {
				for _, sib := range l.pairs {
					if sib.State == CheckFrozen && sib.Foundation == p.Foundation {
						sib.State = CheckWaiting
					}
				}
			}
			return p
		}
	}
	return nil
}

// HandleTimeouts fails pairs that exhausted retransmits or outlived the
// check window.
func (l *CheckList) HandleTimeouts(now time.Time) {
	if l.started.IsZero() {
		return
	}
	windowExpired := now.Sub(l.started) >= CheckTimeout
	for _, p := range l.pairs {
		if p.State != CheckInProgress {
			continue
		}
		if p.TransmitCount >= MaxRetransmits && now.Sub(p.LastSent) >= p.currentRTO() {
			p.State = CheckFailed
		} else if windowExpired {
			p.State = CheckFailed
		}
	}
}

// BestSucceeded returns the highest-priority succeeded pair, or nil.
func (l *CheckList) BestSucceeded() *CandidatePair {
	var best *CandidatePair
	for _, p := range l.pairs {
		if p.State != CheckSucceeded {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// Complete reports whether every pair reached a terminal state.
func (l *CheckList) Complete() bool {
	for _, p := range l.pairs {
		if p.State != CheckSucceeded && p.State != CheckFailed {
			return false
		}
	}
	return true
}

// Succeeded reports whether any pair verified connectivity.
func (l *CheckList) Succeeded() bool {
	for _, p := range l.pairs {
		if p.State == CheckSucceeded {
			return true
		}
	}
	return false
}

// TimedOut reports whether the overall check window elapsed.
func (l *CheckList) TimedOut(now time.Time) bool {
	return !l.started.IsZero() && now.Sub(l.started) >= CheckTimeout
}

// PairCount returns the number of formed pairs.
func (l *CheckList) PairCount() int {
	return len(l.pairs)
}

// Pair returns the pair at index, or nil.
func (l *CheckList) Pair(i int) *CandidatePair {
	if i < 0 || i >= len(l.pairs) {
		return nil
	}
	return l.pairs[i]
}
