package pbx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxExtensions is the registry size used when New is given a
// non-positive bound.
const DefaultMaxExtensions = 1024

// maxConcurrentShutdownCloses bounds how many client sockets are closed at
// once during Shutdown, mirroring the teacher's drain coordinator's own
// concurrency cap on migrations.
const maxConcurrentShutdownCloses = 64

// PBX is the extension registry: a fixed-size table from extension number
// to the TU registered there, plus the bookkeeping needed to drain it
// cleanly on shutdown. The PBX's own mutex is always acquired and released
// before any TU mutex is touched — it is never held while acquiring a TU
// lock, so a goroutine holding a TU lock can never block a goroutine that
// wants the PBX lock, and vice versa.
type PBX struct {
	mu         sync.Mutex
	cond       *sync.Cond
	extensions []*TU
	activeTUs  int
}

// New creates a registry with room for maxExtensions slots ([0, max)).
func New(maxExtensions int) *PBX {
	if maxExtensions <= 0 {
		maxExtensions = DefaultMaxExtensions
	}
	p := &PBX{extensions: make([]*TU, maxExtensions)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ActiveCount returns the number of currently registered TUs.
func (p *PBX) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeTUs
}

// Lookup returns the TU registered at ext, or nil if the slot is empty or
// ext is out of range.
func (p *PBX) Lookup(ext int) *TU {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ext < 0 || ext >= len(p.extensions) {
		return nil
	}
	return p.extensions[ext]
}

// Occupied returns the extensions currently holding a TU, in ascending
// order. Used by the status endpoint; never touches a TU's own mutex.
func (p *PBX) Occupied() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	exts := make([]int, 0, p.activeTUs)
	for ext, t := range p.extensions {
		if t != nil {
			exts = append(exts, ext)
		}
	}
	return exts
}

// Register assigns t to ext, provided the slot is free and ext is in
// range. On success the registry takes its own reference on t and emits
// t's initial ON_HOOK notification.
func (p *PBX) Register(t *TU, ext int) error {
	if t == nil {
		return ErrNilTU
	}
	if ext < 0 || ext >= len(p.extensions) {
		return ErrInvalidExtension
	}

	p.mu.Lock()
	if p.extensions[ext] != nil {
		p.mu.Unlock()
		return ErrExtensionOccupied
	}
	p.extensions[ext] = t
	p.activeTUs++
	p.mu.Unlock()

	if err := t.SetExtension(ext); err != nil {
		p.mu.Lock()
		p.extensions[ext] = nil
		p.activeTUs--
		p.mu.Unlock()
		return err
	}

	t.Ref() // the registry's own reference
	t.mu.Lock()
	t.writeLocked()
	t.mu.Unlock()

	slog.Info("[PBX] Registered", "ext", ext, "fileno", t.Fileno())
	return nil
}

// Unregister removes the TU registered at its own extension, provided that
// slot still holds it. It tears down any in-progress call and drops the
// registry's reference; the caller (the adapter) is still responsible for
// dropping its own reference afterward.
func (p *PBX) Unregister(t *TU) error {
	if t == nil {
		return ErrNilTU
	}
	ext := t.Extension()
	if ext == unsetExtension {
		return ErrNotRegistered
	}

	p.mu.Lock()
	if ext < 0 || ext >= len(p.extensions) || p.extensions[ext] != t {
		p.mu.Unlock()
		return ErrUnknownTU
	}
	p.extensions[ext] = nil
	p.activeTUs--
	remaining := p.activeTUs
	if remaining == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	t.unregisterTeardown()
	t.Unref()

	slog.Info("[PBX] Unregistered", "ext", ext, "fileno", t.Fileno(), "active_tus", remaining)
	return nil
}

// Dial resolves ext to a TU (or none, if the slot is empty or out of
// range), pins transient references on both origin and the resolved
// target, releases the registry lock, and calls into the TU layer. The
// registry lock is held only long enough to read the slot and pin the
// reference — the actual FSM transition runs entirely without it.
func (p *PBX) Dial(origin *TU, ext int) error {
	if origin == nil {
		return ErrNilTU
	}

	p.mu.Lock()
	inRange := ext >= 0 && ext < len(p.extensions)
	var target *TU
	if inRange {
		target = p.extensions[ext]
	}
	if target != nil {
		target.Ref()
	}
	origin.Ref()
	p.mu.Unlock()

	origin.Dial(target)

	if target != nil {
		target.Unref()
	}
	origin.Unref()

	if !inRange {
		return ErrInvalidExtension
	}
	return nil
}

// Shutdown pins a reference on every occupied slot, closes every pinned
// TU's socket (the Go equivalent of shutdown(fd, read+write): the
// adapter's blocked read returns an error and it unregisters on its own),
// and waits for active_tus to reach zero or for ctx to expire. Sockets are
// closed concurrently through an errgroup, bounded by a weighted semaphore
// so a very full registry doesn't open thousands of closes at once.
func (p *PBX) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	pinned := make([]*TU, 0, p.activeTUs)
	for _, t := range p.extensions {
		if t != nil {
			t.Ref()
			pinned = append(pinned, t)
		}
	}
	p.mu.Unlock()

	slog.Info("[PBX] Shutdown started", "pinned", len(pinned))

	sem := semaphore.NewWeighted(maxConcurrentShutdownCloses)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range pinned {
		t := t
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			t.closeSocket()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("[PBX] Shutdown socket fan-out interrupted", "error", err)
	}

	drained := p.waitDrained(ctx)
	if !drained {
		slog.Warn("[PBX] Shutdown grace period elapsed with TUs still active", "active", p.ActiveCount())
	}

	for _, t := range pinned {
		t.Unref()
	}

	slog.Info("[PBX] Shutdown complete", "drained", drained)
	if !drained {
		return fmt.Errorf("pbx: shutdown grace period elapsed with %d TU(s) still active", p.ActiveCount())
	}
	return nil
}

// waitDrained blocks until active_tus reaches zero or ctx is done,
// whichever comes first. sync.Cond has no native context support, so the
// wait runs on its own goroutine and signals completion over a channel.
func (p *PBX) waitDrained(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.activeTUs > 0 {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
