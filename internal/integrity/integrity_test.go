package integrity

import (
	"testing"

	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/key"
	"github.com/autocryptd/autocryptd/internal/peerstate"
)

func TestCheckInvariantsCleanState(t *testing.T) {
	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)

	if v := CheckInvariants(ps); len(v) != 0 {
		t.Errorf("expected no violations, got %v", v)
	}
}

func TestCheckInvariantsCatchesLastSeenBeforeAutocrypt(t *testing.T) {
	ps := peerstate.PeerState{Addr: "a@x", LastSeen: 100, LastSeenAutocrypt: 200}

	v := CheckInvariants(ps)
	if !hasType(v, ViolationLastSeenBeforeAutocrypt) {
		t.Errorf("expected ViolationLastSeenBeforeAutocrypt, got %v", v)
	}
}

func TestCheckInvariantsCatchesVerifiedWithoutFingerprint(t *testing.T) {
	ps := peerstate.PeerState{Addr: "a@x", Verified: peerstate.VerifiedBidirectional}

	v := CheckInvariants(ps)
	if !hasType(v, ViolationVerifiedWithoutFingerprint) {
		t.Errorf("expected ViolationVerifiedWithoutFingerprint, got %v", v)
	}
}

func TestCheckInvariantsCatchesFingerprintMismatch(t *testing.T) {
	k1 := key.FromBytes([]byte("K1"))
	ps := peerstate.PeerState{Addr: "a@x", PublicKey: &k1, Fingerprint: "DEADBEEF"}

	v := CheckInvariants(ps)
	if !hasType(v, ViolationFingerprintMismatch) {
		t.Errorf("expected ViolationFingerprintMismatch, got %v", v)
	}
}

func TestTrackerCatchesDecreasingAutocryptTimestamp(t *testing.T) {
	tr := NewTracker()

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	if v := tr.Observe(ps); len(v) != 0 {
		t.Fatalf("first observation should be clean, got %v", v)
	}

	ps.LastSeenAutocrypt = 500
	v := tr.Observe(ps)
	if !hasType(v, ViolationNonDecreasingTimestamp) {
		t.Errorf("expected ViolationNonDecreasingTimestamp, got %v", v)
	}
	if tr.ViolationCount() != 1 {
		t.Errorf("ViolationCount() = %d, want 1", tr.ViolationCount())
	}
}

func hasType(violations []Violation, want ViolationType) bool {
	for _, v := range violations {
		if v.Type == want {
			return true
		}
	}
	return false
}
