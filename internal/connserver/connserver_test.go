package connserver

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SemperSupra/WinInspect/internal/auth"
	"github.com/SemperSupra/WinInspect/internal/backend"
	"github.com/SemperSupra/WinInspect/internal/clock"
	"github.com/SemperSupra/WinInspect/internal/dispatch"
	"github.com/SemperSupra/WinInspect/internal/session"
	"github.com/SemperSupra/WinInspect/internal/snapshot"
	"github.com/SemperSupra/WinInspect/internal/wire"
	"golang.org/x/crypto/ssh"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func newTestServer(maxConns int32) *Server {
	fb := backend.NewFakeBackend([]backend.FakeWindowSeed{
		{Handle: 0x1, Title: "A", Class: "Cls", Visible: true},
	})
	return &Server{
		Deps: dispatch.Dependencies{
			Registry:       snapshot.New(100),
			Sessions:       session.New(clock.Fake(time.Unix(0, 0)), time.Hour),
			Backend:        fb,
			RequestTimeout: time.Second,
		},
		Logger:         discardLogger(),
		MaxConnections: maxConns,
	}
}

func readResponse(t *testing.T, conn net.Conn) dispatch.Response {
	t.Helper()
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	var resp dispatch.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	return resp
}

func sendRequest(t *testing.T, conn net.Conn, id, method string, params map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		t.Fatalf("Marshal request: %v", err)
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}
}

// TestPipeListenerSkipsHelloAndServesRequests exercises ServePipe end
// to end over a real Unix domain socket: no auth configured, so the
// pipe transport skips the hello frame (spec.md §4.4) and the first
// frame on the wire is the client's own request.
func TestPipeListenerSkipsHelloAndServesRequests(t *testing.T) {
	s := newTestServer(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sockPath := filepath.Join(t.TempDir(), "wininspectd.sock")
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServePipe(ctx, sockPath) }()

	conn := dialWithRetry(t, "unix", sockPath)
	defer conn.Close()

	sendRequest(t, conn, "1", "snapshot.capture", map[string]any{})
	resp := readResponse(t, conn)
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}

	conn.Close()
	cancel()
	s.Wait()
	if err := <-errCh; err != nil {
		t.Fatalf("ServePipe returned error: %v", err)
	}
}

// TestTCPListenerSendsHelloWhenAuthDisabled exercises ServeTCP's
// Disabled-configuration hello frame (spec.md §4.4: TCP always emits
// hello even without auth, so a client can distinguish "connected"
// from "daemon not listening").
func TestTCPListenerSendsHelloWhenAuthDisabled(t *testing.T) {
	s := newTestServer(0)
	addr := mustFreeTCPAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeTCP(ctx, addr) }()

	conn := dialWithRetry(t, "tcp", addr)
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (hello) error: %v", err)
	}
	var hello map[string]any
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatalf("Unmarshal hello: %v", err)
	}
	if hello["type"] != "hello" || hello["version"] != auth.ProtocolVersion {
		t.Fatalf("hello frame = %+v, want type=hello version=%s", hello, auth.ProtocolVersion)
	}
	if _, hasNonce := hello["nonce"]; hasNonce {
		t.Fatalf("disabled auth must not include a nonce, got %+v", hello)
	}

	conn.Close()
	cancel()
	s.Wait()
	if err := <-errCh; err != nil {
		t.Fatalf("ServeTCP returned error: %v", err)
	}
}

// TestEnabledAuthGatesRequestLoop drives a full authenticated session
// over ServeTCP: hello with nonce, signed reply, auth_status, then a
// request/response cycle — exercising the Connection Handler's
// Opened → Authenticating → Ready transitions end to end.
func TestEnabledAuthGatesRequestLoop(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey error: %v", err)
	}
	line := fmt.Sprintf("alice %s", strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))))
	keys, err := auth.ParseAuthorizedKeys(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatalf("ParseAuthorizedKeys error: %v", err)
	}

	s := newTestServer(0)
	s.KeyLock = keys
	addr := mustFreeTCPAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeTCP(ctx, addr) }()

	conn := dialWithRetry(t, "tcp", addr)
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (hello) error: %v", err)
	}
	var hello map[string]any
	json.Unmarshal(payload, &hello)
	nonce, err := base64.StdEncoding.DecodeString(hello["nonce"].(string))
	if err != nil {
		t.Fatalf("decoding nonce: %v", err)
	}

	sig := ed25519.Sign(priv, nonce)
	reply, _ := json.Marshal(map[string]any{
		"version": auth.ProtocolVersion, "identity": "alice",
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	if err := wire.WriteFrame(conn, reply); err != nil {
		t.Fatalf("WriteFrame reply: %v", err)
	}

	statusPayload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame (auth_status) error: %v", err)
	}
	var status map[string]any
	json.Unmarshal(statusPayload, &status)
	if status["ok"] != true {
		t.Fatalf("auth_status = %+v, want ok=true", status)
	}

	sendRequest(t, conn, "1", "snapshot.capture", map[string]any{})
	resp := readResponse(t, conn)
	if !resp.OK {
		t.Fatalf("expected ok response after auth, got %+v", resp)
	}

	conn.Close()
	cancel()
	s.Wait()
	<-errCh
}

// TestEphemeralEventsPollCarriesBaselineAcrossRequests exercises the
// Connection Handler's stack-local ClientSession (spec.md §3's
// ephemeral, per-connection case) end to end: two events.poll calls
// on the same connection, neither naming session_id, must diff the
// second against the first's baseline rather than always returning no
// events.
func TestEphemeralEventsPollCarriesBaselineAcrossRequests(t *testing.T) {
	fb := backend.NewFakeBackend([]backend.FakeWindowSeed{
		{Handle: 0x1, Title: "A", Class: "Cls", Visible: true},
	})
	s := &Server{
		Deps: dispatch.Dependencies{
			Registry:       snapshot.New(100),
			Sessions:       session.New(clock.Fake(time.Unix(0, 0)), time.Hour),
			Backend:        fb,
			RequestTimeout: time.Second,
		},
		Logger: discardLogger(),
	}

	sockPath := filepath.Join(t.TempDir(), "wininspectd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServePipe(ctx, sockPath) }()

	conn := dialWithRetry(t, "unix", sockPath)
	defer conn.Close()

	sendRequest(t, conn, "1", "events.poll", map[string]any{})
	first := readResponse(t, conn)
	if !first.OK {
		t.Fatalf("first poll error: %+v", first.Error)
	}

	fb.AddWindow(backend.FakeWindowSeed{Handle: 0x7, Title: "New", Class: "Cls", Visible: true})

	sendRequest(t, conn, "2", "events.poll", map[string]any{})
	second := readResponse(t, conn)
	if !second.OK {
		t.Fatalf("second poll error: %+v", second.Error)
	}
	events, ok := second.Result.(map[string]any)["events"].([]any)
	if !ok {
		t.Fatalf("events field = %#v, want a list", second.Result)
	}
	found := false
	for _, raw := range events {
		e, _ := raw.(map[string]any)
		if e["type"] == "window.created" && e["hwnd"] == "0x7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected window.created for 0x7 against the connection's ephemeral baseline, got %v", events)
	}

	conn.Close()
	cancel()
	s.Wait()
	<-errCh
}

// TestMaxConnectionsRejectsExcessConnections exercises spec.md §4.6's
// accept-time cap: a connection beyond MaxConnections is closed
// immediately rather than entering the handshake.
func TestMaxConnectionsRejectsExcessConnections(t *testing.T) {
	s := newTestServer(1)
	sockPath := filepath.Join(t.TempDir(), "wininspectd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServePipe(ctx, sockPath) }()

	first := dialWithRetry(t, "unix", sockPath)

	// Give the accept loop a moment to register the first connection.
	deadline := time.Now().Add(2 * time.Second)
	for s.ActiveConnections() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected the excess connection to be closed without data")
	}

	first.Close()
	cancel()
	s.Wait()
	<-errCh
}

func dialWithRetry(t *testing.T, network, address string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial(network, address)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("Dial(%s, %s) error: %v", network, address, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustFreeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}
