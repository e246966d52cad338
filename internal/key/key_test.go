package key

import "testing"

func TestFromBytesEquals(t *testing.T) {
	a := FromBytes([]byte("blob-a"))
	b := FromBytes([]byte("blob-a"))
	c := FromBytes([]byte("blob-c"))

	if !a.Equals(b) {
		t.Errorf("expected equal keys for identical blobs")
	}
	if a.Equals(c) {
		t.Errorf("expected unequal keys for different blobs")
	}
}

func TestIsUsable(t *testing.T) {
	if (Key{}).IsUsable() {
		t.Errorf("zero-value key must not be usable")
	}
	if !FromBytes([]byte{1, 2, 3}).IsUsable() {
		t.Errorf("non-empty blob must be usable")
	}
}

func TestFingerprintMalformedKeyReturnsEmptySentinel(t *testing.T) {
	k := FromBytes([]byte("not a valid openpgp packet"))
	if fp := k.Fingerprint(); fp != "" {
		t.Errorf("expected empty fingerprint sentinel for malformed key, got %q", fp)
	}
}

func TestFingerprintEmptyBlob(t *testing.T) {
	if fp := (Key{}).Fingerprint(); fp != "" {
		t.Errorf("expected empty fingerprint for zero-value key, got %q", fp)
	}
}

func TestKeyringDedup(t *testing.T) {
	kr := NewKeyring()
	k1 := FromBytes([]byte("k1"))
	k2 := FromBytes([]byte("k2"))

	if !kr.Add(k1) {
		t.Fatalf("expected first add to succeed")
	}
	if kr.Add(k1) {
		t.Errorf("expected duplicate add to be rejected")
	}
	if !kr.Add(k2) {
		t.Errorf("expected distinct key to be added")
	}
	if kr.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", kr.Len())
	}
}

func TestKeyringRejectsUnusable(t *testing.T) {
	kr := NewKeyring()
	if kr.Add(Key{}) {
		t.Errorf("expected unusable key to be rejected")
	}
	if kr.Len() != 0 {
		t.Errorf("expected empty keyring")
	}
}
