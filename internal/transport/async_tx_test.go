package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies items are sent and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var sent atomic.Int64
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(p []byte) error {
		sent.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	// Allow worker to drain
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && after.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 sent & after, got sent=%d after=%d", sent.Load(), after.Load())
	}
	if ax.InFlight() != 0 {
		t.Fatalf("in flight after drain: %d", ax.InFlight())
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ax := NewAsyncTx(ctx, 1, func(int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)

	if err := ax.Send(1); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	<-started // worker holds item 1
	if err := ax.Send(2); err != nil {
		t.Fatalf("unexpected error enqueue second: %v", err)
	}
	if got := ax.InFlight(); got != 2 {
		t.Fatalf("in flight=%d want 2", got)
	}
	if err := ax.Send(3); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
	if got := ax.InFlight(); got != 2 {
		t.Fatalf("dropped item must not count as in flight: %d", got)
	}
}

// TestAsyncTxSendError triggers OnError hook and releases the in-flight slot.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(int) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Send(0)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
	if ax.InFlight() != 0 {
		t.Fatalf("in flight after failed send: %d", ax.InFlight())
	}
}

// TestAsyncTxClose stops processing further items.
func TestAsyncTxClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(int) error { sent.Add(1); return nil }, Hooks{})
	_ = ax.Send(0)
	ax.Close()
	if !ax.Closed() {
		t.Fatalf("expected closed")
	}
	countAfterClose := sent.Load()
	_ = ax.Send(0)
	time.Sleep(50 * time.Millisecond)
	if sent.Load() != countAfterClose {
		t.Fatalf("item processed after close: before=%d after=%d", countAfterClose, sent.Load())
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := NewAsyncTx(ctx, 2, func(string) error { return nil }, Hooks{})
	tx.Close()
	if err := tx.Send("x"); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(int) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Send(0)
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

type fakeSink struct {
	inflight int
	got      []int
}

func (f *fakeSink) Send(v int) error { f.got = append(f.got, v); return nil }
func (f *fakeSink) InFlight() int    { return f.inflight }

func TestSendIdle(t *testing.T) {
	busy := errors.New("busy")
	s := &fakeSink{}
	if err := SendIdle[int](s, 1, busy); err != nil {
		t.Fatalf("idle send: %v", err)
	}
	s.inflight = 1
	if err := SendIdle[int](s, 2, busy); !errors.Is(err, busy) {
		t.Fatalf("want busy, got %v", err)
	}
	if len(s.got) != 1 || s.got[0] != 1 {
		t.Fatalf("sent %v", s.got)
	}
}
