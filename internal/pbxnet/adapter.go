// Package pbxnet is the client-service adapter: it owns the accept loop,
// line framing, and command dispatch, and drives the core pbx package
// through its exported API. None of the FSM correctness lives here — this
// package is the external collaborator the core describes a contract for,
// not part of the core itself.
package pbxnet

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sebas/switchpbx/internal/pbx"
	"github.com/sebas/switchpbx/internal/pbx/events"
)

// ExtensionAllocator hands out extension numbers to newly accepted
// connections, reusing numbers freed by disconnects before growing the
// range further.
type ExtensionAllocator struct {
	mu   sync.Mutex
	next int
	free []int
	max  int
}

// NewExtensionAllocator creates an allocator bounded to [0, max).
func NewExtensionAllocator(max int) *ExtensionAllocator {
	return &ExtensionAllocator{max: max}
}

// Allocate returns the next available extension, or false if the range is
// exhausted.
func (a *ExtensionAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		ext := a.free[n-1]
		a.free = a.free[:n-1]
		return ext, true
	}
	if a.next >= a.max {
		return 0, false
	}
	ext := a.next
	a.next++
	return ext, true
}

// Release returns ext to the free list for reuse.
func (a *ExtensionAllocator) Release(ext int) {
	a.mu.Lock()
	a.free = append(a.free, ext)
	a.mu.Unlock()
}

// Server accepts connections, registers a TU per connection, and dispatches
// incoming command lines to the registered TU.
type Server struct {
	pbx       *pbx.PBX
	allocator *ExtensionAllocator
}

// NewServer creates an adapter bound to the given registry, allocating
// extensions in [0, maxExtensions).
func NewServer(p *pbx.PBX, maxExtensions int) *Server {
	return &Server{pbx: p, allocator: NewExtensionAllocator(maxExtensions)}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
// Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	t := pbx.NewTU(conn)
	t.SetRecorder(events.SlogRecorder{})

	ext, ok := s.allocator.Allocate()
	if !ok {
		slog.Warn("[Adapter] no extensions available", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	if err := s.pbx.Register(t, ext); err != nil {
		slog.Error("[Adapter] register failed", "ext", ext, "error", err)
		s.allocator.Release(ext)
		_ = conn.Close()
		return
	}

	defer func() {
		_ = s.pbx.Unregister(t)
		s.allocator.Release(ext)
		t.Unref() // the adapter's own reference, held since NewTU
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// EOF or read error: the deferred cleanup above unregisters.
			return
		}
		s.dispatch(t, line)
	}
}

// dispatch parses one already-framed line and applies the matching TU
// operation. Commands match their keyword exactly; anything else,
// including a recognized keyword with malformed arguments, is silently
// dropped, per the adapter contract.
func (s *Server) dispatch(t *pbx.TU, raw string) {
	line := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")

	switch {
	case line == "pickup":
		t.Pickup()
	case line == "hangup":
		t.Hangup()
	case strings.HasPrefix(line, "dial "):
		arg := line[len("dial "):]
		if !isDigits(arg) {
			return
		}
		ext, err := strconv.Atoi(arg)
		if err != nil {
			return
		}
		_ = s.pbx.Dial(t, ext)
	case strings.HasPrefix(line, "chat "):
		t.Chat(line[len("chat "):])
	}
}

// isDigits reports whether s is non-empty and composed only of '0'-'9',
// matching the original implementation's isdigit() gate on dial's argument
// so a signed or otherwise non-numeric argument is dropped rather than
// parsed into a negative or unintended extension.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
