// Package mailbox — mailbox.go
//
// Inbound dispatch pipeline around the peer-state engine.
//
// Architecture:
//
//	[MIME/IMF parser]
//	      ↓  (buffered channel, cap=queueCap)
//	[Inbox.Run goroutine]
//	      ↓  (coarse lock — SQLite connection granularity)
//	[internal/storage.LoadByAddr → internal/peerstate mutator → internal/storage.Save]
//
// Backpressure:
//   - If the in-memory channel is full, new observations are dropped and
//     observability.DispatchDroppedTotal is incremented.
//
// Shutdown:
//   - ctx cancellation stops the Run goroutine cleanly.
//   - observations already queued at cancellation are dispatched before
//     Run returns.
//
// internal/peerstate itself never blocks on I/O (spec §5); the coarse
// lock here exists only to serialize access to the one shared mutable
// resource, the SQLite connection, matching the single-writer scheduling
// model.
package mailbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autocryptd/autocryptd/contrib"
	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/observability"
	"github.com/autocryptd/autocryptd/internal/peerstate"
	"github.com/autocryptd/autocryptd/internal/storage"
)

// Kind distinguishes the three inbound observation shapes the MIME/IMF
// parser can produce for a single message.
type Kind int

const (
	// KindHeader is a message carrying a direct Autocrypt: header.
	KindHeader Kind = iota
	// KindGossip is an Autocrypt-Gossip: header found in an encrypted payload.
	KindGossip
	// KindDegrade is a message from a peer that previously sent a direct
	// header but sent none this time.
	KindDegrade
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindGossip:
		return "gossip"
	case KindDegrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// Observation is one inbound unit of work handed to the Inbox by the
// MIME/IMF parser.
type Observation struct {
	Kind      Kind
	Addr      string
	Timestamp int64
	Header    header.Header // valid when Kind == KindHeader
	Gossip    header.Gossip // valid when Kind == KindGossip
}

// Inbox serializes inbound observations through the coarse lock that
// guards the shared SQLite connection.
type Inbox struct {
	store *storage.Store
	log   *zap.Logger
	met   *observability.Metrics

	mu        sync.Mutex
	queue     chan Observation
	observers []contrib.DegradeObserver
}

// New creates an Inbox with the given dispatch queue capacity. queueCap
// must be > 0.
func New(store *storage.Store, log *zap.Logger, met *observability.Metrics, queueCap int) *Inbox {
	return &Inbox{
		store: store,
		log:   log,
		met:   met,
		queue: make(chan Observation, queueCap),
	}
}

// WithObservers attaches degrade-event observers (contrib plugins) that
// fire whenever a dispatch drains a
// non-empty degrade bitset. Replaces any previously attached observers.
func (ib *Inbox) WithObservers(observers ...contrib.DegradeObserver) *Inbox {
	ib.observers = observers
	return ib
}

// Submit enqueues obs for processing. Returns false if the queue is full
// (the observation is dropped and the drop metric incremented).
func (ib *Inbox) Submit(obs Observation) bool {
	select {
	case ib.queue <- obs:
		ib.met.DispatchQueueDepth.Set(float64(len(ib.queue)))
		return true
	default:
		ib.met.DispatchDroppedTotal.Inc()
		ib.log.Debug("dispatch queue full, dropping observation",
			zap.String("addr", obs.Addr), zap.String("kind", obs.Kind.String()))
		return false
	}
}

// Run drains the dispatch queue until ctx is cancelled. Intended to run
// in its own goroutine; one Run loop is sufficient since the work itself
// is in-memory except for the storage round trip already serialized by
// the connection lock.
func (ib *Inbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case obs := <-ib.queue:
					ib.dispatch(obs)
				default:
					return
				}
			}
		case obs, ok := <-ib.queue:
			if !ok {
				return
			}
			ib.dispatch(obs)
		}
	}
}

// dispatch loads-or-creates the peer state for obs.Addr, applies the
// observation, and saves the result — all under the coarse lock.
func (ib *Inbox) dispatch(obs Observation) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	start := time.Now()
	ps, found, err := ib.store.LoadByAddr(obs.Addr)
	ib.met.StoreLoadLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		ib.log.Error("load peer state failed", zap.String("addr", obs.Addr), zap.Error(err))
		return
	}

	accepted := ib.apply(&ps, found, obs)
	if !accepted {
		ib.met.MessagesRejectedTotal.WithLabelValues(obs.Kind.String()).Inc()
		return
	}
	ib.met.MessagesProcessedTotal.WithLabelValues(obs.Kind.String()).Inc()

	for _, kind := range []struct {
		flag peerstate.DegradeFlags
		name string
	}{
		{peerstate.DegradeEncryptionPaused, "encryption_paused"},
		{peerstate.DegradeFingerprintChange, "fingerprint_changed"},
	} {
		if ps.DegradeEvent().Has(kind.flag) {
			ib.met.DegradeEventsTotal.WithLabelValues(kind.name).Inc()
		}
	}
	if ps.DegradeEvent() != 0 && len(ib.observers) > 0 {
		notification := contrib.NotificationFromDegradeEvent(ps, ps.DegradeEvent())
		for _, obs := range ib.observers {
			obs.Observe(notification)
		}
	}
	ps.ClearDegradeEvent()

	start = time.Now()
	if err := ib.store.Save(&ps, !found); err != nil {
		ib.met.StoreSaveLatency.Observe(time.Since(start).Seconds())
		ib.log.Error("save peer state failed", zap.String("addr", obs.Addr), zap.Error(err))
		return
	}
	ib.met.StoreSaveLatency.Observe(time.Since(start).Seconds())
}

func (ib *Inbox) apply(ps *peerstate.PeerState, found bool, obs Observation) bool {
	if !found {
		switch obs.Kind {
		case KindHeader:
			ps.InitFromHeader(obs.Header, obs.Timestamp)
			return true
		case KindGossip:
			ps.InitFromGossip(obs.Gossip, obs.Timestamp)
			return true
		default:
			return false // nothing to degrade for a peer we have never seen.
		}
	}

	switch obs.Kind {
	case KindHeader:
		return ps.ApplyHeader(obs.Header, obs.Timestamp)
	case KindGossip:
		return ps.ApplyGossip(obs.Gossip, obs.Timestamp)
	case KindDegrade:
		ps.DegradeEncryption(obs.Timestamp)
		return true
	default:
		return false
	}
}
