package operator

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/autocryptd/autocryptd/internal/observability"
	"github.com/autocryptd/autocryptd/internal/peerstate"
	"github.com/autocryptd/autocryptd/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewServer("", store, zap.NewNop(), observability.NewMetrics()), store
}

// seed writes a fully-formed peer state directly, bypassing OpenPGP key
// parsing so tests can pin an exact fingerprint.
func seed(t *testing.T, store *storage.Store, addr string, prefer peerstate.PreferEncrypt, fingerprint string, ts int64) {
	t.Helper()
	var ps peerstate.PeerState
	ps.Addr = addr
	ps.LastSeen = ts
	ps.LastSeenAutocrypt = ts
	ps.PreferEncrypt = prefer
	ps.Fingerprint = fingerprint
	if err := store.Save(&ps, true); err != nil {
		t.Fatalf("seed Save(%q): %v", addr, err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatalf("expected unknown command to fail")
	}
}

func TestDispatchLookupNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "lookup", Addr: "nobody@x"})
	if resp.OK {
		t.Errorf("expected lookup of an untracked address to fail")
	}
}

func TestDispatchLookupFound(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	seed(t, store, addr, peerstate.PreferMutual, "AAAA1111", 1000)

	resp := s.dispatch(Request{Cmd: "lookup", Addr: addr})
	if !resp.OK || resp.Addr != addr {
		t.Fatalf("lookup response = %+v", resp)
	}
	if resp.PreferEncrypt != "mutual" {
		t.Errorf("prefer_encrypt = %q, want mutual", resp.PreferEncrypt)
	}
	if resp.Fingerprint != "AAAA1111" {
		t.Errorf("fingerprint = %q, want AAAA1111", resp.Fingerprint)
	}
}

func TestDispatchVerifySucceedsOnMatchingFingerprint(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	seed(t, store, addr, peerstate.PreferNoPreference, "AAAA1111", 1000)

	resp := s.dispatch(Request{Cmd: "verify", Addr: addr, Fingerprint: "aaaa1111", Level: "bidirectional"})
	if !resp.OK {
		t.Fatalf("verify should succeed on matching fingerprint: %+v", resp)
	}
	if resp.Verified != "bidirectional" {
		t.Errorf("verified = %q, want bidirectional", resp.Verified)
	}

	loaded, ok, err := store.LoadByAddr(addr)
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, ok=%v", err, ok)
	}
	if loaded.Verified != peerstate.VerifiedBidirectional {
		t.Errorf("verification was not persisted: %v", loaded.Verified)
	}
}

func TestDispatchVerifyFailsOnMismatch(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	seed(t, store, addr, peerstate.PreferNoPreference, "AAAA1111", 1000)

	resp := s.dispatch(Request{Cmd: "verify", Addr: addr, Fingerprint: "DEADBEEF", Level: "oneway"})
	if resp.OK {
		t.Errorf("verify should fail on a mismatched fingerprint")
	}
}

func TestDispatchVerifyFailsOnUnknownAddr(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "verify", Addr: "nobody@x", Fingerprint: "AAAA1111", Level: "oneway"})
	if resp.OK {
		t.Errorf("verify should fail for an untracked address")
	}
}

func TestDispatchVerifyRejectsUnknownLevel(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	seed(t, store, addr, peerstate.PreferNoPreference, "AAAA1111", 1000)

	resp := s.dispatch(Request{Cmd: "verify", Addr: addr, Fingerprint: "AAAA1111", Level: "bogus"})
	if resp.OK {
		t.Errorf("verify should reject an unknown level")
	}
}

func TestDispatchVerifyThrottlesAfterCapacity(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	seed(t, store, addr, peerstate.PreferNoPreference, "AAAA1111", 1000)

	var last Response
	for i := 0; i < verifyRateCapacity+1; i++ {
		last = s.dispatch(Request{Cmd: "verify", Addr: addr, Fingerprint: "DEADBEEF", Level: "oneway"})
	}
	if last.OK || !strings.Contains(last.Error, "too many verify attempts") {
		t.Fatalf("expected the final verify attempt to be throttled, got %+v", last)
	}
}

func TestDispatchAuditCleanState(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"
	// No key material is seeded, so the fingerprint must stay empty to
	// satisfy the fingerprint-matches-peek_key invariant.
	seed(t, store, addr, peerstate.PreferMutual, "", 1000)

	resp := s.dispatch(Request{Cmd: "audit", Addr: addr})
	if !resp.OK {
		t.Fatalf("audit should succeed: %+v", resp)
	}
	if len(resp.Violations) != 0 {
		t.Errorf("expected no violations for a freshly seeded peer, got %v", resp.Violations)
	}
}

func TestDispatchAuditCatchesViolation(t *testing.T) {
	s, store := newTestServer(t)
	addr := "a@x"

	var ps peerstate.PeerState
	ps.Addr = addr
	ps.LastSeen = 1000
	ps.LastSeenAutocrypt = 1000
	ps.Verified = peerstate.VerifiedOneway
	ps.Fingerprint = ""
	if err := store.Save(&ps, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	resp := s.dispatch(Request{Cmd: "audit", Addr: addr})
	if !resp.OK {
		t.Fatalf("audit should succeed: %+v", resp)
	}
	if len(resp.Violations) == 0 {
		t.Errorf("expected audit to report the verified-without-fingerprint violation")
	}
}

func TestDispatchList(t *testing.T) {
	s, store := newTestServer(t)
	seed(t, store, "b@y", peerstate.PreferNoPreference, "BBBB2222", 1000)
	seed(t, store, "a@x", peerstate.PreferMutual, "AAAA1111", 1000)

	resp := s.dispatch(Request{Cmd: "list"})
	if !resp.OK || len(resp.Peers) != 2 {
		t.Fatalf("list response = %+v", resp)
	}
	if resp.Peers[0].Addr != "a@x" || resp.Peers[1].Addr != "b@y" {
		t.Errorf("list not ordered by addr: %+v", resp.Peers)
	}
}
