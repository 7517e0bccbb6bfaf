package tunnel

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/proxide/authtunnel/internal/log"
	"github.com/proxide/authtunnel/internal/testutil"
	"github.com/proxide/authtunnel/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, upstreamAddr string) Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(upstreamAddr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	return Config{
		Upstream:     upstream.Endpoint{Host: host, Port: port, Username: "u", Password: "p"},
		MaxSessions:  4,
		IdleTimeout:  50 * time.Millisecond,
		DialTimeout:  2 * time.Second,
		PollInterval: 25 * time.Millisecond,
		Logger:       log.Nop,
	}
}

// startTunnel runs cfg's tunnel on an ephemeral port and guarantees a clean
// shutdown at test cleanup.
func startTunnel(t *testing.T, cfg Config) *Tunnel {
	t.Helper()

	tn := New("127.0.0.1:0", cfg)
	done := make(chan error, 1)
	go func() { done <- tn.Start() }()

	t.Cleanup(func() {
		tn.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("tunnel exited with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("tunnel did not stop in time")
		}
		tn.Close() // idempotent
	})

	return tn
}

// readHeaderBlock reads from r until the header/body separator.
func readHeaderBlock(r *bufio.Reader) string {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil || line == "\r\n" {
			return sb.String()
		}
	}
}

func TestTunnelInjectsAuthEndToEnd(t *testing.T) {
	requests := make(chan string, 1)
	srv := testutil.Start(t, func(c net.Conn) {
		requests <- readHeaderBlock(bufio.NewReader(c))
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	})

	tn := startTunnel(t, testConfig(t, srv.Addr()))

	client, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-requests:
		want := "GET / HTTP/1.1\r\nHost: x\r\nProxy-Authorization: Basic dTpw\r\n\r\n"
		if got != want {
			t.Fatalf("upstream received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the request")
	}

	resp := readHeaderBlock(bufio.NewReader(client))
	if !strings.HasPrefix(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("client received %q", resp)
	}
}

func TestTunnelRelaysOpaqueBytesAfterConnect(t *testing.T) {
	srv := testutil.Start(t, func(c net.Conn) {
		readHeaderBlock(bufio.NewReader(c))
		_, _ = c.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		// Echo the tunneled payload back.
		_, _ = io.Copy(c, c)
	})

	tn := startTunnel(t, testConfig(t, srv.Addr()))

	client, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	resp := readHeaderBlock(bufio.NewReader(client))
	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("CONNECT failed: %q", resp)
	}

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}

	echoed := make([]byte, len(payload))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, echoed); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatal("tunneled payload was not relayed byte-identical")
	}
}

func TestTunnelClosesSessionOn407(t *testing.T) {
	srv := testutil.Start(t, func(c net.Conn) {
		readHeaderBlock(bufio.NewReader(c))
		_, _ = c.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
		// Hold the connection; the tunnel should close it.
		_, _ = io.Copy(io.Discard, c)
	})

	tn := startTunnel(t, testConfig(t, srv.Addr()))

	client, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	// The rejection must not be forwarded: the client sees only EOF.
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Fatalf("client received %q after upstream rejection", data)
	}
}

func TestTunnelCapacityBlocksUpstreamDials(t *testing.T) {
	srv := testutil.Start(t, func(c net.Conn) {
		// Keep the session alive until the client goes away.
		_, _ = io.Copy(io.Discard, c)
	})

	cfg := testConfig(t, srv.Addr())
	cfg.MaxSessions = 1
	tn := startTunnel(t, cfg)

	first, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return srv.Accepts() == 1 })

	// A second client connects (the OS backlog takes it) but must not
	// trigger an upstream dial while the only slot is taken.
	second, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := second.Write([]byte("GET / HTTP/1.1\r\nHost: y\r\n\r\n")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * cfg.PollInterval)
	if n := srv.Accepts(); n != 1 {
		t.Fatalf("upstream saw %d dials at capacity, want 1", n)
	}

	// Ending the first session frees the slot and the second client gets
	// served.
	_ = first.Close()
	waitFor(t, func() bool { return srv.Accepts() == 2 })
}

func TestTunnelReclaimsSlotAfterClientClose(t *testing.T) {
	srv := testutil.Start(t, func(c net.Conn) {
		readHeaderBlock(bufio.NewReader(c))
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
		_, _ = io.Copy(io.Discard, c)
	})

	cfg := testConfig(t, srv.Addr())
	cfg.MaxSessions = 1
	tn := startTunnel(t, cfg)

	for i := 0; i < 3; i++ {
		client, err := net.Dial("tcp", tn.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatal(err)
		}
		readHeaderBlock(bufio.NewReader(client))
		_ = client.Close()

		waitFor(t, func() bool { return srv.Accepts() == i+1 })
	}
}

func TestTunnelStopIsBounded(t *testing.T) {
	srv := testutil.Start(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
	})

	cfg := testConfig(t, srv.Addr())
	tn := New("127.0.0.1:0", cfg)
	done := make(chan error, 1)
	go func() { done <- tn.Start() }()

	// An active, idle session must not delay shutdown.
	client, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return srv.Accepts() == 1 })

	start := time.Now()
	tn.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not stop")
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %v", elapsed)
	}
	tn.Close()
}

func TestTunnelSurvivesUpstreamDialFailure(t *testing.T) {
	// Dead upstream: reserve a port and close it.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	cfg := testConfig(t, deadAddr)
	cfg.DialTimeout = 500 * time.Millisecond
	tn := startTunnel(t, cfg)

	// The client is accepted, then dropped once the upstream dial fails.
	client, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the dropped client to see EOF")
	}

	// The accept loop must still be serving afterwards.
	again, err := net.Dial("tcp", tn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = again.Close()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
