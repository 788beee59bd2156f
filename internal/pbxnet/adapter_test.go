package pbxnet

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sebas/switchpbx/internal/pbx"
)

// dialClient connects to ln's address and returns a line-buffered reader
// alongside the raw connection, for sending commands and reading
// notifications exactly as the wire protocol specifies them.
func dialClient(t *testing.T, ln net.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}

func startServer(t *testing.T) (net.Listener, *pbx.PBX, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	registry := pbx.New(16)
	srv := NewServer(registry, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})
	return ln, registry, cancel
}

func TestAdapterAssignsExtensionsAndEmitsOnHook(t *testing.T) {
	ln, _, _ := startServer(t)

	connA, readerA := dialClient(t, ln)
	defer connA.Close()
	if got := readLine(t, readerA); got != "ON HOOK 0" {
		t.Fatalf("first connection = %q, want ON HOOK 0", got)
	}

	connB, readerB := dialClient(t, ln)
	defer connB.Close()
	if got := readLine(t, readerB); got != "ON HOOK 1" {
		t.Fatalf("second connection = %q, want ON HOOK 1", got)
	}
}

func TestAdapterDialScenarioEndToEnd(t *testing.T) {
	ln, _, _ := startServer(t)

	connA, readerA := dialClient(t, ln)
	defer connA.Close()
	readLine(t, readerA) // ON HOOK 0

	connB, readerB := dialClient(t, ln)
	defer connB.Close()
	readLine(t, readerB) // ON HOOK 1

	mustWrite(t, connA, "pickup\r\n")
	if got := readLine(t, readerA); got != "DIAL TONE" {
		t.Fatalf("a = %q, want DIAL TONE", got)
	}

	mustWrite(t, connB, "pickup\r\n")
	if got := readLine(t, readerB); got != "DIAL TONE" {
		t.Fatalf("b = %q, want DIAL TONE", got)
	}

	// B must be back on hook to be rung; an off-hook target is busy.
	mustWrite(t, connB, "hangup\r\n")
	if got := readLine(t, readerB); got != "ON HOOK 1" {
		t.Fatalf("b = %q, want ON HOOK 1", got)
	}

	mustWrite(t, connA, "dial 1\r\n")
	if got := readLine(t, readerA); got != "RING BACK" {
		t.Fatalf("a = %q, want RING BACK", got)
	}
	if got := readLine(t, readerB); got != "RINGING" {
		t.Fatalf("b = %q, want RINGING", got)
	}

	mustWrite(t, connB, "pickup\r\n")
	if got := readLine(t, readerA); got != "CONNECTED 1" {
		t.Fatalf("a = %q, want CONNECTED 1", got)
	}
	if got := readLine(t, readerB); got != "CONNECTED 0" {
		t.Fatalf("b = %q, want CONNECTED 0", got)
	}

	mustWrite(t, connA, "chat hello\r\n")
	if got := readLine(t, readerA); got != "CONNECTED 1" {
		t.Fatalf("a = %q, want re-emitted CONNECTED 1", got)
	}
	if got := readLine(t, readerB); got != "CHAT hello" {
		t.Fatalf("b = %q, want CHAT hello", got)
	}

	mustWrite(t, connB, "hangup\r\n")
	if got := readLine(t, readerB); got != "ON HOOK 1" {
		t.Fatalf("b = %q, want ON HOOK 1", got)
	}
	if got := readLine(t, readerA); got != "DIAL TONE" {
		t.Fatalf("a = %q, want DIAL TONE", got)
	}
}

func TestAdapterMalformedLineIsDroppedSilently(t *testing.T) {
	ln, _, _ := startServer(t)

	conn, reader := dialClient(t, ln)
	defer conn.Close()
	readLine(t, reader) // ON HOOK 0

	mustWrite(t, conn, "nonsense\r\n")
	mustWrite(t, conn, "pickup\r\n")

	if got := readLine(t, reader); got != "DIAL TONE" {
		t.Fatalf("got %q, want DIAL TONE (malformed line should have produced no output)", got)
	}
}

func TestAdapterDisconnectUnregistersExtensionForReuse(t *testing.T) {
	ln, registry, _ := startServer(t)

	connA, readerA := dialClient(t, ln)
	readLine(t, readerA) // ON HOOK 0
	connA.Close()

	deadline := time.After(time.Second)
	for registry.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("extension 0 still registered after disconnect")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	connB, readerB := dialClient(t, ln)
	defer connB.Close()
	if got := readLine(t, readerB); got != "ON HOOK 0" {
		t.Fatalf("reused extension = %q, want ON HOOK 0", got)
	}
}

func mustWrite(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	if _, err := conn.Write([]byte(s)); err != nil {
		t.Fatalf("write %q: %v", s, err)
	}
}
