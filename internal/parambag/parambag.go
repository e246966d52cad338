// Package parambag — parambag.go
//
// A small packed key-value bag used by the layers surrounding the
// peer-state engine (not part of the Autocrypt core itself). Packed
// representation: newline-separated "K=V" lines, where K is a single
// opaque byte acting as the parameter identifier. Values must not
// contain '\n' or '='; the bag does not escape them.
package parambag

import (
	"strconv"
	"strings"
)

// Bag is a packed key-value parameter set. The zero value is an empty bag.
type Bag struct {
	packed string
}

// FromPacked builds a Bag from an already-packed "K=V\nK=V" string.
func FromPacked(packed string) *Bag {
	return &Bag{packed: packed}
}

// FromURLEncoded builds a Bag from a packed string using '&' as the line
// separator instead of '\n'. URL-decoding itself is the caller's
// responsibility; this only performs the separator substitution.
func FromURLEncoded(urlencoded string) *Bag {
	return &Bag{packed: strings.ReplaceAll(urlencoded, "&", "\n")}
}

// Empty deletes every parameter in the bag.
func (b *Bag) Empty() {
	b.packed = ""
}

// Packed returns the bag's packed representation.
func (b *Bag) Packed() string {
	return b.packed
}

// findParam locates the "K=V" line for key within packed, returning its
// raw (untrimmed) value. ok is false if key is not present.
func findParam(packed string, key byte) (value string, ok bool) {
	for _, line := range strings.Split(packed, "\n") {
		if len(line) >= 2 && line[0] == key && line[1] == '=' {
			return line[2:], true
		}
	}
	return "", false
}

// Exists reports whether key is present in the bag.
func (b *Bag) Exists(key byte) bool {
	_, ok := findParam(b.packed, key)
	return ok
}

// Get returns the value stored for key, with trailing whitespace
// trimmed, or def if key is absent.
func (b *Bag) Get(key byte, def string) string {
	v, ok := findParam(b.packed, key)
	if !ok {
		return def
	}
	return strings.TrimRight(v, " \t\r\n")
}

// GetInt returns the integer value stored for key, or def if absent or
// unparseable.
func (b *Bag) GetInt(key byte, def int64) int64 {
	v, ok := findParam(b.packed, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimRight(v, " \t\r\n"), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Set stores value for key, removing any prior occurrence first. An
// empty value deletes the key. Values must not contain '\n' or '='.
func (b *Bag) Set(key byte, value string) {
	lines := b.linesWithout(key)
	if value != "" {
		lines = append(lines, string(key)+"="+value)
	}
	b.packed = strings.Join(lines, "\n")
}

// SetInt stores the decimal representation of value for key.
func (b *Bag) SetInt(key byte, value int64) {
	b.Set(key, strconv.FormatInt(value, 10))
}

func (b *Bag) linesWithout(key byte) []string {
	if b.packed == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(b.packed, "\n") {
		if len(line) >= 2 && line[0] == key && line[1] == '=' {
			continue
		}
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
