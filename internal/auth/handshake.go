package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/SemperSupra/WinInspect/internal/wire"
)

// ProtocolVersion is the handshake and request/response protocol
// version exchanged in the hello frame.
const ProtocolVersion = "1.0.0"

// HandshakeTimeout bounds how long the server waits for the client's
// challenge reply.
const HandshakeTimeout = 5 * time.Second

// IdleTimeout bounds how long the server waits for the next request
// once a connection is authenticated.
const IdleTimeout = 30 * time.Minute

const nonceSize = 32

// ErrHandshakeFailed is returned by Handshake when the reply was
// malformed, named an unknown identity, or failed signature
// verification. The caller must close the connection without writing
// any further reply — see spec.md §4.4 and scenario 4.
var ErrHandshakeFailed = errors.New("auth: handshake failed")

// Transport distinguishes the two listener kinds, since the Auth State
// Machine treats "no keys configured" asymmetrically by transport.
type Transport int

const (
	TransportPipe Transport = iota
	TransportTCP
)

type helloFrame struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Nonce   string `json:"nonce,omitempty"`
}

type replyFrame struct {
	Version   string `json:"version"`
	Identity  string `json:"identity"`
	Signature string `json:"signature"`
}

type authStatusFrame struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

// Handshake performs the Auth State Machine's handshake over conn for
// the given transport and key store. On success nil is returned and
// the connection counts as authenticated; when keys are configured, a
// successful handshake also sets the idle read deadline to IdleTimeout
// (the disabled configuration sets no deadline). On handshake failure
// it returns ErrHandshakeFailed;
// per spec.md §4.4 the caller must close the connection without
// writing anything further. Any other returned error is a transport
// failure (write/read error) and the caller should also close the
// connection.
func Handshake(conn net.Conn, transport Transport, keys *KeyStore) error {
	if keys == nil || keys.Empty() {
		return handshakeDisabled(conn, transport)
	}
	return handshakeEnabled(conn, keys)
}

// handshakeDisabled implements spec.md §4.4's "Disabled" configuration:
// the pipe transport skips the hello frame entirely and is immediately
// authenticated (the pipe's ACL is trusted); TCP still emits a hello
// frame (without a nonce, since there is nothing to challenge) so a
// client can distinguish "connected" from "daemon not listening".
func handshakeDisabled(conn net.Conn, transport Transport) error {
	if transport == TransportPipe {
		return nil
	}

	payload, err := json.Marshal(helloFrame{Type: "hello", Version: ProtocolVersion})
	if err != nil {
		return fmt.Errorf("auth: marshaling hello frame: %w", err)
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("auth: writing hello frame: %w", err)
	}
	return nil
}

func handshakeEnabled(conn net.Conn, keys *KeyStore) error {
	deadline := time.Now().Add(HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("auth: setting read deadline: %w", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("auth: setting write deadline: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("auth: generating nonce: %w", err)
	}

	challenge, err := json.Marshal(helloFrame{
		Type:    "hello",
		Version: ProtocolVersion,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
	})
	if err != nil {
		return fmt.Errorf("auth: marshaling hello frame: %w", err)
	}
	if err := wire.WriteFrame(conn, challenge); err != nil {
		return fmt.Errorf("auth: writing hello frame: %w", err)
	}

	replyPayload, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("auth: reading handshake reply: %w", err)
	}

	var reply replyFrame
	if err := json.Unmarshal(replyPayload, &reply); err != nil {
		return ErrHandshakeFailed
	}

	if !verifyReply(keys, nonce, reply) {
		return ErrHandshakeFailed
	}

	status, err := json.Marshal(authStatusFrame{Type: "auth_status", OK: true})
	if err != nil {
		return fmt.Errorf("auth: marshaling auth_status frame: %w", err)
	}
	if err := wire.WriteFrame(conn, status); err != nil {
		return fmt.Errorf("auth: writing auth_status frame: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
		return fmt.Errorf("auth: setting idle read deadline: %w", err)
	}
	return conn.SetWriteDeadline(time.Time{})
}

func verifyReply(keys *KeyStore, nonce []byte, reply replyFrame) bool {
	if reply.Version != ProtocolVersion {
		return false
	}
	key, ok := keys.Lookup(reply.Identity)
	if !ok {
		return false
	}
	signature, err := base64.StdEncoding.DecodeString(reply.Signature)
	if err != nil {
		return false
	}
	return Ed25519Verifier{}.Verify(nonce, signature, key)
}

// Verifier is the abstract Verifier Capability from spec.md §6:
// checking a signature over a nonce against a known key. Ed25519Verifier
// is the only concrete implementation this daemon needs, since the
// Auth State Machine's key store (KeyStore) only accepts Ed25519 keys.
type Verifier interface {
	Verify(nonce, signature []byte, key ed25519.PublicKey) bool
}

// Ed25519Verifier verifies signatures with crypto/ed25519.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(nonce, signature []byte, key ed25519.PublicKey) bool {
	return ed25519.Verify(key, nonce, signature)
}

// Signer is the client-side counterpart (spec.md §6's Signer
// Capability), used by this module's own tests to drive the handshake
// from the client side without a separate client binary.
type Signer interface {
	Sign(nonce []byte) (signature []byte, err error)
}

// Ed25519Signer signs nonces with a held Ed25519 private key.
type Ed25519Signer struct {
	PrivateKey ed25519.PrivateKey
}

func (s Ed25519Signer) Sign(nonce []byte) ([]byte, error) {
	return ed25519.Sign(s.PrivateKey, nonce), nil
}
