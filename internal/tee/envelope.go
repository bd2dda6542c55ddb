package tee

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// envelopeMagic prefixes every sealed payload so importers can tell a
// sealed snapshot from a raw database file.
const envelopeMagic = "SQLTENC1"

// envelopeKey performs the local unwrap of a KMS data key. The wrapped
// bytes themselves never act as the cipher key.
func envelopeKey(h KeyHandle) []byte {
	sum := sha256.Sum256(h.Wrapped)
	return sum[:]
}

// Seal encrypts data under the handle's key with AES-256-GCM. Layout:
// magic, key id (length-prefixed), nonce, ciphertext.
func Seal(h KeyHandle, data []byte) ([]byte, error) {
	if len(h.KeyID) > 255 {
		return nil, fmt.Errorf("key id %q too long", h.KeyID)
	}
	block, err := aes.NewCipher(envelopeKey(h))
	if err != nil {
		return nil, fmt.Errorf("building envelope cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building envelope cipher: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(envelopeMagic)+1+len(h.KeyID)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, envelopeMagic...)
	out = append(out, byte(len(h.KeyID)))
	out = append(out, h.KeyID...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

// Open decrypts a payload produced by Seal. The key id recorded in the
// envelope must match the handle.
func Open(h KeyHandle, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, fmt.Errorf("payload is not a sealed envelope")
	}
	rest := data[len(envelopeMagic):]
	if len(rest) < 1 {
		return nil, fmt.Errorf("truncated envelope")
	}
	idLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < idLen {
		return nil, fmt.Errorf("truncated envelope")
	}
	keyID := string(rest[:idLen])
	rest = rest[idLen:]
	if keyID != h.KeyID {
		return nil, fmt.Errorf("sealed with key %q, have %q", keyID, h.KeyID)
	}

	block, err := aes.NewCipher(envelopeKey(h))
	if err != nil {
		return nil, fmt.Errorf("building envelope cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building envelope cipher: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("truncated envelope")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening envelope: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the envelope header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(envelopeMagic))
}
