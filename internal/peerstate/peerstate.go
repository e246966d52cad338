// Package peerstate — peerstate.go
//
// The central entity of the Autocrypt peer-state engine: a per-address
// record of observed Autocrypt data, with the update rules that keep it
// consistent across direct headers, gossip headers, and silent dropouts.
//
// PeerState is a plain value manipulated by its owner (see internal/mailbox
// for the coarse single-writer lock around it). No operation here blocks on
// I/O; persistence lives in internal/storage.
package peerstate

import (
	"strings"

	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/key"
)

// PeerState is the per-address record of observed Autocrypt data.
type PeerState struct {
	Addr string

	LastSeen          int64
	LastSeenAutocrypt int64
	PreferEncrypt     PreferEncrypt
	PublicKey         *key.Key
	GossipTimestamp   int64
	GossipKey         *key.Key
	Fingerprint       string
	Verified          Verified

	toSave       SaveFlags
	degradeEvent DegradeFlags
}

// ToSave returns the pending persistence path bitset.
func (ps *PeerState) ToSave() SaveFlags { return ps.toSave }

// ClearToSave resets the persistence bitset. Call after a successful save.
func (ps *PeerState) ClearToSave() { ps.toSave = 0 }

// DegradeEvent returns the security-regression bitset observed by the
// latest update.
func (ps *PeerState) DegradeEvent() DegradeFlags { return ps.degradeEvent }

// ClearDegradeEvent resets the degrade bitset. Call after the caller has
// surfaced the events.
func (ps *PeerState) ClearDegradeEvent() { ps.degradeEvent = 0 }

// PeekKey returns the effective key: public_key if present and usable,
// else gossip_key if present and usable, else nothing.
func (ps *PeerState) PeekKey() (key.Key, bool) {
	if ps.PublicKey != nil && ps.PublicKey.IsUsable() {
		return *ps.PublicKey, true
	}
	if ps.GossipKey != nil && ps.GossipKey.IsUsable() {
		return *ps.GossipKey, true
	}
	return key.Key{}, false
}

func sameAddr(a, b string) bool {
	return strings.EqualFold(a, b)
}

func fromHeaderPrefer(p header.PreferEncrypt) PreferEncrypt {
	switch p {
	case header.PreferMutual:
		return PreferMutual
	case header.PreferReset:
		return PreferReset
	default:
		return PreferNoPreference
	}
}

// InitFromHeader replaces all fields with defaults, then initializes the
// state from a direct Autocrypt header observed at time t.
func (ps *PeerState) InitFromHeader(h header.Header, t int64) {
	*ps = PeerState{}
	ps.Addr = h.Addr
	ps.LastSeen = t
	ps.LastSeenAutocrypt = t
	ps.PreferEncrypt = fromHeaderPrefer(h.PreferEncrypt)
	k := h.PublicKey
	ps.PublicKey = &k
	ps.toSave = SaveAll
	ps.RecalcFingerprint()
}

// InitFromGossip replaces all fields with defaults, then initializes the
// state from a gossip header observed at time t. Unlike InitFromHeader,
// only gossip_timestamp is set; last_seen and last_seen_autocrypt are left
// at zero, and prefer_encrypt stays at its default, nopreference — this
// mirrors mrapeerstate_init_from_gossip in the original implementation.
func (ps *PeerState) InitFromGossip(g header.Gossip, t int64) {
	*ps = PeerState{}
	ps.Addr = g.Addr
	ps.GossipTimestamp = t
	k := g.PublicKey
	ps.GossipKey = &k
	ps.toSave = SaveAll
	ps.RecalcFingerprint()
}

// ApplyHeader applies a direct Autocrypt header observed at time t.
// No-op (returns false) if addr does not match case-insensitively, or the
// header's key is not usable, or the monotonicity guard rejects t.
func (ps *PeerState) ApplyHeader(h header.Header, t int64) bool {
	if !sameAddr(ps.Addr, h.Addr) {
		return false
	}
	if !h.PublicKey.IsUsable() {
		return false
	}
	if t <= ps.LastSeenAutocrypt {
		return false
	}

	ps.LastSeen = t
	ps.LastSeenAutocrypt = t
	ps.toSave |= SaveTimestamps

	newPrefer := fromHeaderPrefer(h.PreferEncrypt)
	if newPrefer == PreferMutual || newPrefer == PreferNoPreference {
		if newPrefer != ps.PreferEncrypt {
			if ps.PreferEncrypt == PreferMutual {
				ps.degradeEvent |= DegradeEncryptionPaused
			}
			ps.PreferEncrypt = newPrefer
			ps.toSave |= SaveAll
		}
	}
	// header.PreferReset never appears in a received header; if observed,
	// it is ignored per protocol.

	if ps.PublicKey == nil || !ps.PublicKey.Equals(h.PublicKey) {
		k := h.PublicKey
		ps.PublicKey = &k
		ps.toSave |= SaveAll
		ps.RecalcFingerprint()
	}

	return true
}

// ApplyGossip applies a gossip header observed at time t. prefer_encrypt
// and last_seen_autocrypt are untouched. No-op (returns false) if addr
// does not match, the key is unusable, or the gossip-timestamp
// monotonicity guard rejects t.
func (ps *PeerState) ApplyGossip(g header.Gossip, t int64) bool {
	if !sameAddr(ps.Addr, g.Addr) {
		return false
	}
	if !g.PublicKey.IsUsable() {
		return false
	}
	if t <= ps.GossipTimestamp {
		return false
	}

	ps.GossipTimestamp = t
	ps.toSave |= SaveTimestamps

	if ps.GossipKey == nil || !ps.GossipKey.Equals(g.PublicKey) {
		k := g.PublicKey
		ps.GossipKey = &k
		ps.toSave |= SaveAll
		ps.RecalcFingerprint()
	}

	return true
}

// DegradeEncryption is invoked when a message arrives without an Autocrypt
// header from a peer that previously provided one. last_seen_autocrypt is
// deliberately left untouched — see the Open Question recorded in
// SPEC_FULL.md and DESIGN.md.
func (ps *PeerState) DegradeEncryption(t int64) {
	if ps.PreferEncrypt == PreferMutual {
		ps.degradeEvent |= DegradeEncryptionPaused
	}
	ps.PreferEncrypt = PreferReset
	ps.LastSeen = t
	ps.toSave |= SaveAll
}

// RecalcFingerprint recomputes Fingerprint from PeekKey(). If the value
// changes (case-insensitively), marks the state dirty, clears Verified,
// and — only if the previous fingerprint was non-empty — raises
// fingerprint_changed. A first-ever fingerprint is not a degrade event.
func (ps *PeerState) RecalcFingerprint() {
	var newFP string
	if k, ok := ps.PeekKey(); ok {
		newFP = k.Fingerprint()
	}

	if strings.EqualFold(newFP, ps.Fingerprint) {
		return
	}

	oldFP := ps.Fingerprint
	ps.Fingerprint = newFP
	ps.toSave |= SaveAll
	ps.Verified = VerifiedNo

	if oldFP != "" {
		ps.degradeEvent |= DegradeFingerprintChange
	}
}

// SetVerified records an out-of-band fingerprint verification. Succeeds
// only if level is VerifiedOneway or VerifiedBidirectional, the peer's
// current fingerprint is non-empty, and it matches fp case-insensitively.
// On success, prefer_encrypt becomes mutual. Otherwise this is a no-op and
// false is returned.
func (ps *PeerState) SetVerified(fp string, level Verified) bool {
	if level != VerifiedOneway && level != VerifiedBidirectional {
		return false
	}
	if ps.Fingerprint == "" {
		return false
	}
	if !strings.EqualFold(ps.Fingerprint, fp) {
		return false
	}
	ps.PreferEncrypt = PreferMutual
	ps.Verified = level
	ps.toSave |= SaveAll
	return true
}
