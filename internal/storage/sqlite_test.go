package storage

import (
	"testing"

	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/key"
	"github.com/autocryptd/autocryptd/internal/peerstate"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadByAddr(t *testing.T) {
	s := openTestStore(t)

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)

	if err := s.Save(&ps, true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ps.ToSave() != 0 {
		t.Errorf("Save should clear the dirty bitset")
	}

	loaded, ok, err := s.LoadByAddr("A@X")
	if err != nil {
		t.Fatalf("LoadByAddr: %v", err)
	}
	if !ok {
		t.Fatalf("expected row to be found by case-insensitive addr")
	}
	if loaded.Addr != "a@x" {
		t.Errorf("addr = %q, want a@x", loaded.Addr)
	}
	if loaded.PreferEncrypt != peerstate.PreferMutual {
		t.Errorf("prefer_encrypt = %v, want mutual", loaded.PreferEncrypt)
	}
	if loaded.PublicKey == nil || !loaded.PublicKey.Equals(key.FromBytes([]byte("K1"))) {
		t.Errorf("public_key not round-tripped")
	}
	if loaded.Fingerprint != ps.Fingerprint {
		t.Errorf("fingerprint not round-tripped: got %q want %q", loaded.Fingerprint, ps.Fingerprint)
	}
}

func TestLoadByAddrNotFound(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadByAddr("nobody@x")
	if err != nil {
		t.Fatalf("LoadByAddr: %v", err)
	}
	if ok {
		t.Fatalf("expected no row to be found")
	}
}

func TestLoadByFingerprint(t *testing.T) {
	s := openTestStore(t)

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferNoPreference, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	if err := s.Save(&ps, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := s.LoadByFingerprint(ps.Fingerprint)
	if err != nil {
		t.Fatalf("LoadByFingerprint: %v", err)
	}
	if !ok || loaded.Addr != "a@x" {
		t.Fatalf("expected to find a@x by fingerprint")
	}
}

func TestSaveTimestampsOnlyPathLeavesOtherColumnsUntouched(t *testing.T) {
	s := openTestStore(t)

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	if err := s.Save(&ps, true); err != nil {
		t.Fatalf("Save (create): %v", err)
	}

	ps.ApplyHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 2000)
	if ps.ToSave() != peerstate.SaveTimestamps {
		t.Fatalf("expected ApplyHeader with an unchanged key to mark only SaveTimestamps, got %v", ps.ToSave())
	}
	if err := s.Save(&ps, false); err != nil {
		t.Fatalf("Save (timestamps): %v", err)
	}

	loaded, ok, err := s.LoadByAddr("a@x")
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, ok=%v", err, ok)
	}
	if loaded.LastSeen != 2000 {
		t.Errorf("last_seen = %d, want 2000", loaded.LastSeen)
	}
	if loaded.PreferEncrypt != peerstate.PreferMutual {
		t.Errorf("prefer_encrypt should be untouched by the timestamps-only path")
	}
}

func TestSaveNoopWhenNothingDirty(t *testing.T) {
	s := openTestStore(t)

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	if err := s.Save(&ps, true); err != nil {
		t.Fatalf("Save (create): %v", err)
	}

	ps.ClearToSave()
	if err := s.Save(&ps, false); err != nil {
		t.Fatalf("Save (noop): %v", err)
	}
}

func TestListAllOrdersByAddr(t *testing.T) {
	s := openTestStore(t)

	var a, b peerstate.PeerState
	a.InitFromHeader(header.Header{Addr: "b@y", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	b.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferNoPreference, PublicKey: key.FromBytes([]byte("K2"))}, 1000)
	if err := s.Save(&a, true); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := s.Save(&b, true); err != nil {
		t.Fatalf("Save b: %v", err)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll returned %d rows, want 2", len(all))
	}
	if all[0].Addr != "a@x" || all[1].Addr != "b@y" {
		t.Errorf("ListAll not ordered by addr: got [%q, %q]", all[0].Addr, all[1].Addr)
	}
}

func TestSaveCreateToleratesExistingRow(t *testing.T) {
	s := openTestStore(t)

	var ps peerstate.PeerState
	ps.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))}, 1000)
	if err := s.Save(&ps, true); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	var ps2 peerstate.PeerState
	ps2.InitFromHeader(header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K2"))}, 2000)
	if err := s.Save(&ps2, true); err != nil {
		t.Fatalf("second Save with create=true on an existing addr should not error: %v", err)
	}

	loaded, ok, err := s.LoadByAddr("a@x")
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, ok=%v", err, ok)
	}
	if !loaded.PublicKey.Equals(key.FromBytes([]byte("K2"))) {
		t.Errorf("expected the second save's full update to have applied")
	}
}
