package header

import (
	"encoding/base64"
	"strings"

	"github.com/autocryptd/autocryptd/internal/key"
)

// ParseGossipHeader parses a rendered gossip header value (as produced by
// RenderGossipHeader) back into addr and key. This exists to make the
// round-trip testable property verifiable: the MIME/IMF parser is the real
// production parser, but this package renders the value, so it also knows
// how to read its own output back.
func ParseGossipHeader(value string) (Gossip, bool) {
	var addr, keydata string
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if kv := strings.SplitN(part, "=", 2); len(kv) == 2 {
			switch strings.TrimSpace(kv[0]) {
			case "addr":
				addr = strings.TrimSpace(kv[1])
			case "keydata":
				keydata = strings.TrimSpace(kv[1])
			}
		}
	}
	if addr == "" || keydata == "" {
		return Gossip{}, false
	}
	blob, err := base64.StdEncoding.DecodeString(keydata)
	if err != nil {
		return Gossip{}, false
	}
	return Gossip{Addr: addr, PublicKey: key.FromBytes(blob)}, true
}
