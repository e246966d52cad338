// Package header — header.go
//
// Parsed representations of a single Autocrypt: / Autocrypt-Gossip: header.
// Values here are transient: produced by the MIME/IMF parser (an external
// collaborator) for one observed header on one message, and consumed by
// internal/peerstate. This package also renders the one header value the
// engine must produce for outbound composition.
package header

import (
	"encoding/base64"

	"github.com/autocryptd/autocryptd/internal/key"
)

// PreferEncrypt mirrors peerstate.PreferEncrypt's wire values as seen on an
// incoming header, before they are interpreted against existing state.
type PreferEncrypt int

const (
	PreferNoPreference PreferEncrypt = iota
	PreferMutual
	PreferReset
)

// Header is a parsed direct Autocrypt: header.
type Header struct {
	Addr          string
	PreferEncrypt PreferEncrypt
	PublicKey     key.Key
}

// Gossip is a parsed Autocrypt-Gossip: header found inside an encrypted
// multi-recipient payload.
type Gossip struct {
	Addr      string
	PublicKey key.Key
}

// RenderGossipHeader renders the header *value* (the field name is
// prepended by the MIME composer) for the given address and effective key.
// The prefer-encrypt attribute is never emitted in gossip, per protocol.
// Returns ("", false) if k is not usable.
func RenderGossipHeader(addr string, k key.Key) (string, bool) {
	if !k.IsUsable() {
		return "", false
	}
	encoded := base64.StdEncoding.EncodeToString(k.Bytes())
	return "addr=" + addr + "; keydata=" + encoded, true
}
