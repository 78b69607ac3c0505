// Package cryptobox implements the authenticated encryption the Telegram
// session string is stored under (§4.10). The key is derived from a
// process-level secret with scrypt and a fixed salt; the payload format is
// "iv:authTag:ciphertext", each segment hex-encoded, matching the layout
// spec.md documents explicitly so operators can eyeball a settings row.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// fixedSalt is constant by design (§4.10): the KDF's job here is to stretch
// a human-chosen secret into a key of the right size, not to defend against
// rainbow tables across independent deployments. ENCRYPTION_SECRET itself
// is the actual secret.
var fixedSalt = []byte("tgmirror-session-kdf-salt-v1")

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // GCM standard nonce size
)

// ErrSessionCorrupt is returned when decryption fails for any reason
// (wrong key, truncated payload, tampering). Per §4.10 this is fatal at
// boot and must never be silently treated as "no session yet".
var ErrSessionCorrupt = fmt.Errorf("session corrupt; re-login required")

// Box derives a key once from secret and encrypts/decrypts session
// payloads against it.
type Box struct {
	key []byte
}

// NewBox derives an AES-256 key from secret via scrypt(N=32768, r=8, p=1).
func NewBox(secret string) (*Box, error) {
	if secret == "" {
		return nil, fmt.Errorf("cryptobox: empty secret")
	}
	key, err := scrypt.Key([]byte(secret), fixedSalt, 1<<15, 8, 1, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: derive key: %w", err)
	}
	return &Box{key: key}, nil
}

func (b *Box) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns the "iv:authTag:ciphertext" hex
// payload. Go's cipher.AEAD.Seal appends the auth tag to the ciphertext, so
// the two are split back apart on the way out for the documented format.
func (b *Box) Seal(plaintext []byte) (string, error) {
	aead, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptobox: read nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Open decrypts a payload produced by Seal. Any failure - malformed
// payload, wrong key, tampered bytes - collapses to ErrSessionCorrupt so
// callers never have to distinguish "no session" from "can't read it".
func (b *Box) Open(payload string) ([]byte, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return nil, ErrSessionCorrupt
	}

	nonce, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ciphertext, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, ErrSessionCorrupt
	}
	if len(nonce) != nonceLen {
		return nil, ErrSessionCorrupt
	}

	aead, err := b.gcm()
	if err != nil {
		return nil, ErrSessionCorrupt
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrSessionCorrupt
	}
	return plaintext, nil
}
