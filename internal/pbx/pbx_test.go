package pbx

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegisterRejectsOccupiedExtension(t *testing.T) {
	p := New(4)
	a, _ := newRegisteredTU(t, p, 1)
	b := NewTU(&fakeConn{})

	if err := p.Register(b, 1); err != ErrExtensionOccupied {
		t.Fatalf("Register returned %v, want ErrExtensionOccupied", err)
	}
	if p.Lookup(1) != a {
		t.Fatalf("slot 1 should still hold the original TU")
	}
}

func TestRegisterRejectsOutOfRangeExtension(t *testing.T) {
	p := New(4)
	tu := NewTU(&fakeConn{})
	if err := p.Register(tu, 4); err != ErrInvalidExtension {
		t.Fatalf("Register returned %v, want ErrInvalidExtension", err)
	}
	if err := p.Register(tu, -1); err != ErrInvalidExtension {
		t.Fatalf("Register returned %v, want ErrInvalidExtension", err)
	}
}

func TestUnregisterUnknownTUFails(t *testing.T) {
	p := New(4)
	a, _ := newRegisteredTU(t, p, 1)
	b := NewTU(&fakeConn{})
	_ = p.Register(b, 2)

	// The first unregister empties slot 1; a keeps extension 1, so the
	// second unregister finds a slot that no longer holds a.
	if err := p.Unregister(a); err != nil {
		t.Fatalf("first unregister of a: %v", err)
	}
	if err := p.Unregister(a); err != ErrUnknownTU {
		t.Fatalf("second unregister returned %v, want ErrUnknownTU", err)
	}
}

func TestActiveCountTracksRegistrations(t *testing.T) {
	p := New(4)
	if p.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", p.ActiveCount())
	}
	a, _ := newRegisteredTU(t, p, 1)
	if p.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", p.ActiveCount())
	}
	if err := p.Unregister(a); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", p.ActiveCount())
	}
}

func TestShutdownClosesEverySocketAndDrains(t *testing.T) {
	p := New(4)
	var conns []*fakeConn
	var tus []*TU
	for ext := 0; ext < 3; ext++ {
		tu, conn := newRegisteredTU(t, p, ext)
		conns = append(conns, conn)
		tus = append(tus, tu)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Model the adapter's accept-loop goroutines reacting to the
		// forced socket close by unregistering, the way a real read
		// loop would once Shutdown's Close() makes its next Read fail.
		time.Sleep(10 * time.Millisecond)
		for _, tu := range tus {
			_ = p.Unregister(tu)
		}
	}()

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	for i, c := range conns {
		if !c.isClosed() {
			t.Fatalf("conn %d not closed after Shutdown", i)
		}
	}
	if p.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after shutdown, want 0", p.ActiveCount())
	}
}

func TestConcurrentDialsToSameTargetOnlyOneWins(t *testing.T) {
	p := New(32)
	target, _ := newRegisteredTU(t, p, 0)

	const n = 16
	origins := make([]*TU, n)
	for i := 0; i < n; i++ {
		origins[i], _ = newRegisteredTU(t, p, i+1)
		origins[i].Pickup()
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(o *TU) {
			defer wg.Done()
			p.Dial(o, 0)
		}(origins[i])
	}
	wg.Wait()

	connected := 0
	busy := 0
	for _, o := range origins {
		switch o.State() {
		case StateRingBack:
			connected++
		case StateBusySignal:
			busy++
		default:
			t.Fatalf("origin ended in unexpected state %v", o.State())
		}
	}
	if connected != 1 {
		t.Fatalf("exactly one origin should reach RING_BACK, got %d", connected)
	}
	if busy != n-1 {
		t.Fatalf("expected %d origins BUSY_SIGNAL, got %d", n-1, busy)
	}
	if target.State() != StateRinging {
		t.Fatalf("target.state = %v, want RINGING", target.State())
	}
}
