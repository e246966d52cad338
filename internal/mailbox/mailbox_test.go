package mailbox

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/autocryptd/autocryptd/internal/header"
	"github.com/autocryptd/autocryptd/internal/key"
	"github.com/autocryptd/autocryptd/internal/observability"
	"github.com/autocryptd/autocryptd/internal/storage"
)

func newTestInbox(t *testing.T) (*Inbox, *storage.Store) {
	t.Helper()
	store, err := storage.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ib := New(store, zap.NewNop(), observability.NewMetrics(), 8)
	return ib, store
}

func TestDispatchFirstContactHeader(t *testing.T) {
	ib, store := newTestInbox(t)

	ib.dispatch(Observation{
		Kind:      KindHeader,
		Addr:      "a@x",
		Timestamp: 1000,
		Header:    header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))},
	})

	loaded, ok, err := store.LoadByAddr("a@x")
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, ok=%v", err, ok)
	}
	if loaded.PreferEncrypt.String() != "mutual" {
		t.Errorf("prefer_encrypt = %v, want mutual", loaded.PreferEncrypt)
	}
}

func TestDispatchDegradeWithNoExistingPeerIsNoop(t *testing.T) {
	ib, store := newTestInbox(t)

	ib.dispatch(Observation{Kind: KindDegrade, Addr: "never-seen@x", Timestamp: 1000})

	_, ok, err := store.LoadByAddr("never-seen@x")
	if err != nil {
		t.Fatalf("LoadByAddr: %v", err)
	}
	if ok {
		t.Errorf("degrade on an unseen peer should not create a row")
	}
}

func TestDispatchRejectsStaleReplay(t *testing.T) {
	ib, store := newTestInbox(t)

	ib.dispatch(Observation{
		Kind: KindHeader, Addr: "a@x", Timestamp: 2000,
		Header: header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))},
	})
	ib.dispatch(Observation{
		Kind: KindHeader, Addr: "a@x", Timestamp: 500,
		Header: header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K2"))},
	})

	loaded, ok, err := store.LoadByAddr("a@x")
	if err != nil || !ok {
		t.Fatalf("LoadByAddr: %v, ok=%v", err, ok)
	}
	if !loaded.PublicKey.Equals(key.FromBytes([]byte("K1"))) {
		t.Errorf("stale replay should not have overwritten the key")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	store, err := storage.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()

	ib := New(store, zap.NewNop(), observability.NewMetrics(), 1)
	ob := Observation{Kind: KindHeader, Addr: "a@x", Timestamp: 1000,
		Header: header.Header{Addr: "a@x", PublicKey: key.FromBytes([]byte("K1"))}}

	if !ib.Submit(ob) {
		t.Fatalf("first Submit should succeed with an empty queue")
	}
	if ib.Submit(ob) {
		t.Errorf("second Submit should be dropped once the queue is full")
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	ib, store := newTestInbox(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ib.Run(ctx)
		close(done)
	}()

	ib.Submit(Observation{
		Kind: KindHeader, Addr: "a@x", Timestamp: 1000,
		Header: header.Header{Addr: "a@x", PreferEncrypt: header.PreferMutual, PublicKey: key.FromBytes([]byte("K1"))},
	})

	deadline := time.After(2 * time.Second)
	for {
		if _, ok, _ := store.LoadByAddr("a@x"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Run to dispatch the submitted observation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
