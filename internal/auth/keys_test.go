package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func mustAuthorizedKeyLine(t *testing.T, identity string, pub ed25519.PublicKey) string {
	t.Helper()
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey error: %v", err)
	}
	return fmt.Sprintf("%s %s", identity, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))))
}

func TestParseAuthorizedKeysRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	line := mustAuthorizedKeyLine(t, "alice", pub)

	ks, err := ParseAuthorizedKeys(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatalf("ParseAuthorizedKeys error: %v", err)
	}

	got, ok := ks.Lookup("alice")
	if !ok {
		t.Fatalf("expected identity %q to be found", "alice")
	}
	if !got.Equal(pub) {
		t.Fatalf("looked-up key does not match original")
	}
}

func TestParseAuthorizedKeysSkipsCommentsAndBlankLines(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	line := mustAuthorizedKeyLine(t, "bob", pub)
	input := "# comment\n\n" + line + "\n"

	ks, err := ParseAuthorizedKeys(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseAuthorizedKeys error: %v", err)
	}
	if _, ok := ks.Lookup("bob"); !ok {
		t.Fatalf("expected identity %q to be found", "bob")
	}
}

func TestParseAuthorizedKeysRejectsMalformedLine(t *testing.T) {
	_, err := ParseAuthorizedKeys(strings.NewReader("just-one-field\n"))
	if err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestKeyStoreEmpty(t *testing.T) {
	ks, err := LoadKeyStore("")
	if err != nil {
		t.Fatalf("LoadKeyStore error: %v", err)
	}
	if !ks.Empty() {
		t.Fatalf("expected empty key store for empty path")
	}
}

func TestLoadKeyStoreMissingFileIsEmpty(t *testing.T) {
	ks, err := LoadKeyStore("/nonexistent/auth_keys")
	if err != nil {
		t.Fatalf("LoadKeyStore error: %v", err)
	}
	if !ks.Empty() {
		t.Fatalf("expected empty key store for missing file")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	nonce := []byte("some nonce bytes")

	signer := Ed25519Signer{PrivateKey: priv}
	sig, err := signer.Sign(nonce)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	verifier := Ed25519Verifier{}
	if !verifier.Verify(nonce, sig, pub) {
		t.Fatalf("Verify failed for a valid signature")
	}

	tampered := append([]byte{}, sig...)
	tampered[0] ^= 0xFF
	if verifier.Verify(nonce, tampered, pub) {
		t.Fatalf("Verify succeeded for a tampered signature")
	}
}

func TestBase64RoundTripSanity(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	encoded := base64.StdEncoding.EncodeToString(nonce)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || string(decoded) != string(nonce) {
		t.Fatalf("base64 round trip failed")
	}
}
