package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/SemperSupra/WinInspect/internal/wire"
)

func newKeyStoreWithIdentity(t *testing.T, identity string) (*KeyStore, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	line := mustAuthorizedKeyLine(t, identity, pub)
	ks, err := ParseAuthorizedKeys(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatalf("ParseAuthorizedKeys error: %v", err)
	}
	return ks, priv
}

func TestHandshakeDisabledOnPipeSkipsHelloFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// A hello frame written by the server would block on the unbuffered
	// pipe (nobody reads the client side yet) and hit this deadline.
	server.SetDeadline(time.Now().Add(2 * time.Second))

	done := make(chan error, 1)
	go func() { done <- Handshake(server, TransportPipe, &KeyStore{byIdentity: map[string]ed25519.PublicKey{}}) }()

	if err := <-done; err != nil {
		t.Fatalf("Handshake error: %v", err)
	}

	// The client must see nothing on the wire: a direct request frame
	// should be readable as the very first frame.
	writeErr := make(chan error, 1)
	go func() { writeErr <- wire.WriteFrame(client, []byte(`{"id":"1"}`)) }()

	got, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	if string(got) != `{"id":"1"}` {
		t.Fatalf("first frame = %q, want the client's request", got)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}
}

func TestHandshakeDisabledOnTCPSendsHelloWithoutNonce(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Handshake(server, TransportTCP, &KeyStore{byIdentity: map[string]ed25519.PublicKey{}}) }()

	payload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	var hello helloFrame
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if hello.Type != "hello" || hello.Nonce != "" {
		t.Fatalf("hello frame = %+v, want type=hello and no nonce", hello)
	}

	if err := <-done; err != nil {
		t.Fatalf("Handshake error: %v", err)
	}
}

func TestHandshakeEnabledSuccess(t *testing.T) {
	keys, priv := newKeyStoreWithIdentity(t, "alice")

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Handshake(server, TransportTCP, keys) }()

	challengePayload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	var hello helloFrame
	if err := json.Unmarshal(challengePayload, &hello); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(hello.Nonce)
	if err != nil {
		t.Fatalf("decoding nonce: %v", err)
	}

	signer := Ed25519Signer{PrivateKey: priv}
	sig, err := signer.Sign(nonce)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	reply, err := json.Marshal(replyFrame{
		Version:   ProtocolVersion,
		Identity:  "alice",
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if err := wire.WriteFrame(client, reply); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}

	statusPayload, err := wire.ReadFrame(client)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	var status authStatusFrame
	if err := json.Unmarshal(statusPayload, &status); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !status.OK {
		t.Fatalf("expected ok=true, got %+v", status)
	}

	if err := <-done; err != nil {
		t.Fatalf("Handshake error: %v", err)
	}
}

func TestHandshakeEnabledBadSignatureClosesWithoutAuthStatus(t *testing.T) {
	keys, _ := newKeyStoreWithIdentity(t, "alice")

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Handshake(server, TransportTCP, keys) }()

	if _, err := wire.ReadFrame(client); err != nil {
		t.Fatalf("ReadFrame (challenge) error: %v", err)
	}

	reply, err := json.Marshal(replyFrame{
		Version:   ProtocolVersion,
		Identity:  "alice",
		Signature: base64.StdEncoding.EncodeToString([]byte("garbage-signature-bytes")),
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if err := wire.WriteFrame(client, reply); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}

	err = <-done
	if err != ErrHandshakeFailed {
		t.Fatalf("Handshake error = %v, want ErrHandshakeFailed", err)
	}

	// No further reply should arrive; the client observes EOF/closed pipe.
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := wire.ReadFrame(client); err == nil {
		t.Fatalf("expected no further frame after handshake failure")
	}
}

func TestHandshakeEnabledUnknownIdentity(t *testing.T) {
	keys, _ := newKeyStoreWithIdentity(t, "alice")

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- Handshake(server, TransportTCP, keys) }()

	if _, err := wire.ReadFrame(client); err != nil {
		t.Fatalf("ReadFrame (challenge) error: %v", err)
	}

	reply, _ := json.Marshal(replyFrame{
		Version:   ProtocolVersion,
		Identity:  "mallory",
		Signature: base64.StdEncoding.EncodeToString([]byte("anything")),
	})
	if err := wire.WriteFrame(client, reply); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}

	if err := <-done; err != ErrHandshakeFailed {
		t.Fatalf("Handshake error = %v, want ErrHandshakeFailed", err)
	}
}
