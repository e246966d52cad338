// Package contrib — observer.go
//
// Plugin interface for custom degrade-event observers.
//
// autocryptd's contrib/ directory is the community extension point. The
// primary extension interface is DegradeObserver, which lets an operator
// plug in custom handling of security-relevant transitions — e.g. a
// notification hook, a SIEM forwarder, or a UI toast — fired whenever
// internal/mailbox drains a non-zero degrade bitset off a PeerState.
//
// Plugin registration:
//   Plugins register themselves in an init() function using
//   RegisterObserver(). The daemon (cmd/autocryptd) attaches the built-in
//   "log" observer to the mailbox; there is no config setting for
//   selecting observers.
//
//   Built-in observers: "log" (writes a structured log line via zap).
//   Community observers: registered via contrib.RegisterObserver().
//
// Plugin contract:
//   - Observe() must be goroutine-safe (the mailbox dispatch loop may
//     call it from multiple Inbox instances).
//   - Observe() must not block on I/O; fire-and-forget to a bounded
//     channel if slower delivery is needed.
//   - Observe() must not panic.
//   - Name() must return a stable, unique string (used as registry key).
package contrib

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/autocryptd/autocryptd/internal/peerstate"
)

// DegradeNotification is the input to DegradeObserver.Observe(): a single
// peer's snapshot at the moment a degrade event was raised, plus which
// bits fired.
type DegradeNotification struct {
	// Addr is the peer address the event was observed for.
	Addr string

	// Flags is the degrade bitset drained from the PeerState
	// (internal/peerstate.DegradeFlags), as a set of names for portability
	// across the plugin boundary.
	Flags []string

	// PreferEncrypt is the peer's prefer_encrypt value after the update,
	// as its string form (nopreference, mutual, reset).
	PreferEncrypt string

	// Fingerprint is the peer's effective fingerprint after the update,
	// or "" if none.
	Fingerprint string
}

// DegradeObserver is the interface custom degrade-event sinks implement.
//
// Contract:
//   - Observe() must be goroutine-safe.
//   - Observe() must not block on I/O.
//   - Observe() must not panic.
//   - Name() must return a stable, unique string.
type DegradeObserver interface {
	// Name returns the unique identifier for this observer. Used as the
	// registry key looked up by GetObserver.
	Name() string

	// Observe is called once per non-empty degrade bitset drained by the
	// mailbox dispatch loop.
	Observe(n DegradeNotification)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DegradeObserver)
)

// RegisterObserver registers a custom degrade-event observer. Panics if
// an observer with the same name is already registered. Call from init()
// functions in plugin packages.
func RegisterObserver(o DegradeObserver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[o.Name()]; exists {
		panic(fmt.Sprintf("contrib: observer %q already registered", o.Name()))
	}
	registry[o.Name()] = o
}

// GetObserver returns the registered observer with the given name.
// Returns an error if no observer with that name is registered.
func GetObserver(name string) (DegradeObserver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	o, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("contrib: observer %q not registered (available: %v)", name, listNames())
	}
	return o, nil
}

// ListObservers returns the names of all registered observers.
func ListObservers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return listNames()
}

func listNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}

// NotificationFromDegradeEvent builds a DegradeNotification from a
// peerstate.DegradeFlags bitset and the peer state it was observed on.
func NotificationFromDegradeEvent(ps peerstate.PeerState, flags peerstate.DegradeFlags) DegradeNotification {
	var names []string
	if flags.Has(peerstate.DegradeEncryptionPaused) {
		names = append(names, "encryption_paused")
	}
	if flags.Has(peerstate.DegradeFingerprintChange) {
		names = append(names, "fingerprint_changed")
	}
	return DegradeNotification{
		Addr:          ps.Addr,
		Flags:         names,
		PreferEncrypt: ps.PreferEncrypt.String(),
		Fingerprint:   ps.Fingerprint,
	}
}

// ─── Built-in observer: log ───────────────────────────────────────────────
// Provided as the default reference implementation in the contrib package
// itself. Community observers should live in contrib/observers/<name>/.

// LogObserver writes a structured warning log line for every degrade
// event. Registered as "log".
type LogObserver struct {
	Log *zap.Logger
}

func init() {
	RegisterObserver(&LogObserver{Log: zap.NewNop()})
}

func (l *LogObserver) Name() string { return "log" }

func (l *LogObserver) Observe(n DegradeNotification) {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("peer degrade event",
		zap.String("addr", n.Addr),
		zap.Strings("flags", n.Flags),
		zap.String("prefer_encrypt", n.PreferEncrypt),
		zap.String("fingerprint", n.Fingerprint),
	)
}
