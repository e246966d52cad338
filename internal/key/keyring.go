package key

// Keyring is an ordered, deduplicated collection of Keys, used by outbound
// composition when assembling the set of recipient keys for an encrypted
// multi-recipient send (one per gossiped peer, plus the sender's own).
//
// Deduplication is by blob equality, matching Key.Equals.
type Keyring struct {
	keys []Key
}

// NewKeyring creates an empty Keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Add inserts k if no equal key is already present. Reports whether the key
// was newly added.
func (r *Keyring) Add(k Key) bool {
	if !k.IsUsable() {
		return false
	}
	for _, existing := range r.keys {
		if existing.Equals(k) {
			return false
		}
	}
	r.keys = append(r.keys, k)
	return true
}

// Keys returns the keys in insertion order. The caller must not mutate the
// returned slice.
func (r *Keyring) Keys() []Key {
	return r.keys
}

// Len returns the number of distinct keys held.
func (r *Keyring) Len() int {
	return len(r.keys)
}
