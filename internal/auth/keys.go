// Package auth implements the Auth State Machine: the transport-local
// hello/challenge/response handshake with nonce, and the authorized-keys
// style key store backing the Verifier capability.
package auth

import (
	"bufio"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyStore holds the known identities and their Ed25519 public keys,
// parsed from an authorized_keys-style file: one identity per line,
// "<identity> <key-type> <base64-key> [comment]". Lines starting with
// "#" and blank lines are skipped.
type KeyStore struct {
	byIdentity map[string]ed25519.PublicKey
}

// LoadKeyStore reads and parses the file at path. A missing file is
// treated the same as an empty key store (auth disabled), matching the
// original daemon's "auth_keys_u8.empty()" auto-auth behavior.
func LoadKeyStore(path string) (*KeyStore, error) {
	if path == "" {
		return &KeyStore{byIdentity: map[string]ed25519.PublicKey{}}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &KeyStore{byIdentity: map[string]ed25519.PublicKey{}}, nil
		}
		return nil, fmt.Errorf("opening auth keys file %s: %w", path, err)
	}
	defer file.Close()

	return ParseAuthorizedKeys(file)
}

// ParseAuthorizedKeys parses an authorized_keys-style stream into a
// KeyStore. Only Ed25519 keys are supported; lines naming any other
// key type are rejected.
func ParseAuthorizedKeys(r io.Reader) (*KeyStore, error) {
	ks := &KeyStore{byIdentity: make(map[string]ed25519.PublicKey)}

	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("auth keys line %d: expected \"identity key-type base64-key\", got %q", lineNumber, line)
		}

		identity := fields[0]
		keyLine := strings.Join(fields[1:], " ")

		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyLine))
		if err != nil {
			return nil, fmt.Errorf("auth keys line %d: %w", lineNumber, err)
		}

		cryptoKey, ok := parsed.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("auth keys line %d: key type %q has no usable public key", lineNumber, parsed.Type())
		}
		ed25519Key, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("auth keys line %d: only ed25519 keys are supported, got %q", lineNumber, parsed.Type())
		}

		ks.byIdentity[identity] = ed25519Key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading auth keys: %w", err)
	}
	return ks, nil
}

// Lookup returns the public key registered for identity, if any.
func (ks *KeyStore) Lookup(identity string) (ed25519.PublicKey, bool) {
	key, ok := ks.byIdentity[identity]
	return key, ok
}

// Empty reports whether no keys are configured, which disables
// authentication per spec.md §4.4.
func (ks *KeyStore) Empty() bool {
	return len(ks.byIdentity) == 0
}
