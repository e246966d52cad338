// Package integrity re-verifies the peer-state invariants of a PeerState
// value on demand.
//
// It does not enforce anything the mutators in internal/peerstate don't
// already enforce; it is a second, independent pass that checks the
// invariants of a PeerState value hold, for use in tests and in the
// admin "audit" command (internal/operator) where an operator wants a
// yes/no answer about a stored record without re-deriving the rules by
// hand.
package integrity

import (
	"fmt"
	"sync"

	"github.com/autocryptd/autocryptd/internal/peerstate"
)

// ViolationType names a specific invariant from the testable-properties
// list.
type ViolationType string

const (
	// ViolationLastSeenBeforeAutocrypt — last_seen < last_seen_autocrypt.
	ViolationLastSeenBeforeAutocrypt ViolationType = "last_seen_before_autocrypt"

	// ViolationVerifiedWithoutFingerprint — verified != no but fingerprint is empty.
	ViolationVerifiedWithoutFingerprint ViolationType = "verified_without_fingerprint"

	// ViolationFingerprintMismatch — fingerprint does not equal fp(peek_key()).
	ViolationFingerprintMismatch ViolationType = "fingerprint_mismatch"

	// ViolationNonDecreasingTimestamp — a tracked monotonic field moved backwards
	// relative to the previous observation of the same peer.
	ViolationNonDecreasingTimestamp ViolationType = "non_decreasing_timestamp_violated"
)

// Violation is a single invariant breach found in a PeerState value.
type Violation struct {
	Type    ViolationType
	Addr    string
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("integrity violation [%s] addr=%q: %s", v.Type, v.Addr, v.Message)
}

// CheckInvariants re-verifies the stateless invariants of spec §8 against
// a single PeerState snapshot. It accumulates every violation found
// rather than stopping at the first.
func CheckInvariants(ps peerstate.PeerState) []Violation {
	var violations []Violation

	if ps.LastSeen < ps.LastSeenAutocrypt {
		violations = append(violations, Violation{
			Type:    ViolationLastSeenBeforeAutocrypt,
			Addr:    ps.Addr,
			Message: fmt.Sprintf("last_seen=%d < last_seen_autocrypt=%d", ps.LastSeen, ps.LastSeenAutocrypt),
		})
	}

	if ps.Verified != peerstate.VerifiedNo && ps.Fingerprint == "" {
		violations = append(violations, Violation{
			Type:    ViolationVerifiedWithoutFingerprint,
			Addr:    ps.Addr,
			Message: fmt.Sprintf("verified=%s but fingerprint is empty", ps.Verified),
		})
	}

	if k, ok := ps.PeekKey(); ok {
		want := k.Fingerprint()
		if ps.Fingerprint != want {
			violations = append(violations, Violation{
				Type:    ViolationFingerprintMismatch,
				Addr:    ps.Addr,
				Message: fmt.Sprintf("fingerprint=%q, want fp(peek_key())=%q", ps.Fingerprint, want),
			})
		}
	} else if ps.Fingerprint != "" {
		violations = append(violations, Violation{
			Type:    ViolationFingerprintMismatch,
			Addr:    ps.Addr,
			Message: fmt.Sprintf("fingerprint=%q but no usable key is present", ps.Fingerprint),
		})
	}

	return violations
}

// Tracker watches a sequence of observations of the same set of
// addresses over time and additionally catches the non-decreasing
// timestamp invariants, which cannot be checked from a single snapshot.
type Tracker struct {
	mu          sync.Mutex
	lastAuto    map[string]int64
	lastGossip  map[string]int64
	violations  int64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		lastAuto:   make(map[string]int64),
		lastGossip: make(map[string]int64),
	}
}

// Observe checks a new PeerState snapshot against the previous
// observation for the same address, then records it for the next call.
// It returns CheckInvariants' findings plus any monotonicity violations
// relative to the previous observation.
func (tr *Tracker) Observe(ps peerstate.PeerState) []Violation {
	violations := CheckInvariants(ps)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if prev, ok := tr.lastAuto[ps.Addr]; ok && ps.LastSeenAutocrypt < prev {
		violations = append(violations, Violation{
			Type:    ViolationNonDecreasingTimestamp,
			Addr:    ps.Addr,
			Message: fmt.Sprintf("last_seen_autocrypt decreased: %d -> %d", prev, ps.LastSeenAutocrypt),
		})
	}
	if prev, ok := tr.lastGossip[ps.Addr]; ok && ps.GossipTimestamp < prev {
		violations = append(violations, Violation{
			Type:    ViolationNonDecreasingTimestamp,
			Addr:    ps.Addr,
			Message: fmt.Sprintf("gossip_timestamp decreased: %d -> %d", prev, ps.GossipTimestamp),
		})
	}
	tr.lastAuto[ps.Addr] = ps.LastSeenAutocrypt
	tr.lastGossip[ps.Addr] = ps.GossipTimestamp
	tr.violations += int64(len(violations))

	return violations
}

// ViolationCount returns the total number of violations observed so far.
func (tr *Tracker) ViolationCount() int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.violations
}
