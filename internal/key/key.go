// Package key — key.go
//
// Immutable holder of a raw OpenPGP public-key blob with a derived
// fingerprint.
//
// A Key owns no reference to the peer that holds it; it is a plain value
// copied by the caller. Equality is byte-equality of the underlying blob,
// not fingerprint equality, so two differently-malformed blobs with the
// same (empty) fingerprint sentinel are still distinguished by Equals.
package key

import (
	"bytes"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Key is an immutable blob of public-key material.
type Key struct {
	blob []byte
}

// FromBytes constructs a Key from a raw key blob. Always succeeds; the blob
// is not parsed until Fingerprint is called.
func FromBytes(blob []byte) Key {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return Key{blob: cp}
}

// Bytes returns the raw key material. The caller must not mutate the
// returned slice.
func (k Key) Bytes() []byte {
	return k.blob
}

// Equals reports whether two keys hold byte-identical blobs.
func (k Key) Equals(other Key) bool {
	if len(k.blob) != len(other.blob) {
		return false
	}
	for i := range k.blob {
		if k.blob[i] != other.blob[i] {
			return false
		}
	}
	return true
}

// IsUsable reports whether the key has non-empty key material.
func (k Key) IsUsable() bool {
	return len(k.blob) > 0
}

// Fingerprint returns the uppercase hex OpenPGP v4 fingerprint of the key,
// with no separators. Returns "" if the blob is empty or cannot be parsed
// as an OpenPGP public key — this sentinel lets malformed keys round-trip
// through persistence without the caller needing a separate error channel.
func (k Key) Fingerprint() string {
	if len(k.blob) == 0 {
		return ""
	}

	reader := packet.NewReader(bytes.NewReader(k.blob))
	entity, err := openpgp.ReadEntity(reader)
	if err != nil || entity == nil || entity.PrimaryKey == nil {
		return ""
	}

	fp := entity.PrimaryKey.Fingerprint
	if len(fp) == 0 {
		return ""
	}
	return strings.ToUpper(hexEncode(fp[:]))
}

const hexDigits = "0123456789abcdef"

// hexEncode avoids pulling in encoding/hex for a single call site in a way
// that would obscure the uppercase-no-separator contract; kept trivial on
// purpose.
func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
