package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Fixed context strings used in key derivation. These must not change: both
// endpoints derive the same keys from the same secret only if the strings
// match byte-for-byte.
const (
	encryptionKeyString  = "ilp_stream_encryption"
	fulfillmentKeyString = "ilp_stream_fulfillment"
	receiptSecretString  = "ilp_stream_receipt"
)

// gcmOverhead is the number of bytes encrypt adds to the plaintext: a
// 12-byte IV followed by AES-GCM's 16-byte authentication tag.
const (
	gcmIVSize  = 12
	gcmTagSize = 16
	gcmOverhead = gcmIVSize + gcmTagSize
)

// DecryptError is returned by decrypt when the ciphertext is too short or
// fails authentication. Callers on the wire-facing path must not leak its
// detail to the peer (see errors.go's retry policy).
type DecryptError struct {
	reason string
}

func (e *DecryptError) Error() string { return "decrypt: " + e.reason }

func newDecryptError(reason string) *DecryptError {
	return &DecryptError{reason: reason}
}

// hmacSHA256 computes HMAC-SHA256(key, msg).
func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// sharedSecretKeys holds the two keys derived from a connection's shared
// secret: one for packet encryption, one for the fulfillment/condition
// binding. Both are derived independently so that knowledge of one never
// reveals the other.
type sharedSecretKeys struct {
	encryption  []byte
	fulfillment []byte
	receipt     []byte
}

// deriveKeys derives the encryption, fulfillment, and receipt keys from a
// 32-byte shared secret using the plain-HMAC scheme STREAM actually uses on
// the wire; see deriveKeysHKDF for the documented ecosystem-idiomatic
// alternative, which is not wire-compatible and exists only to demonstrate
// the idiom.
func deriveKeys(sharedSecret []byte) (*sharedSecretKeys, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}
	return &sharedSecretKeys{
		encryption:  hmacSHA256(sharedSecret, []byte(encryptionKeyString)),
		fulfillment: hmacSHA256(sharedSecret, []byte(fulfillmentKeyString)),
		receipt:     hmacSHA256(sharedSecret, []byte(receiptSecretString)),
	}, nil
}

// deriveKeysHKDF derives the same set of keys using HKDF-SHA256 instead of
// plain HMAC. It is NOT used for wire traffic -- the wire format requires
// plain HMAC, and two implementations must agree bit-for-bit to
// interoperate. This function exists as the idiomatic ecosystem alternative
// for callers building a new, non-interoperable protocol variant on top of
// the same primitives.
func deriveKeysHKDF(sharedSecret []byte) (*sharedSecretKeys, error) {
	if len(sharedSecret) != 32 {
		return nil, fmt.Errorf("shared secret must be 32 bytes, got %d", len(sharedSecret))
	}

	encReader := hkdf.New(sha256.New, sharedSecret, nil, []byte(encryptionKeyString))
	enc := make([]byte, 32)
	if _, err := io.ReadFull(encReader, enc); err != nil {
		return nil, fmt.Errorf("hkdf encryption key: %w", err)
	}

	fulReader := hkdf.New(sha256.New, sharedSecret, nil, []byte(fulfillmentKeyString))
	ful := make([]byte, 32)
	if _, err := io.ReadFull(fulReader, ful); err != nil {
		return nil, fmt.Errorf("hkdf fulfillment key: %w", err)
	}

	recReader := hkdf.New(sha256.New, sharedSecret, nil, []byte(receiptSecretString))
	rec := make([]byte, 32)
	if _, err := io.ReadFull(recReader, rec); err != nil {
		return nil, fmt.Errorf("hkdf receipt key: %w", err)
	}

	return &sharedSecretKeys{encryption: enc, fulfillment: ful, receipt: rec}, nil
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// encrypt seals plaintext under key using AES-256-GCM with a fresh random
// IV, returning iv(12) || tag(16) || ciphertext. key must be 32 bytes.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}

	iv, err := randomBytes(gcmIVSize)
	if err != nil {
		return nil, err
	}

	// Seal appends ciphertext||tag after the dst prefix we pass it, so
	// pre-seeding dst with iv gives us the required iv||ciphertext||tag
	// layout directly, with no extra copy.
	sealed := gcm.Seal(iv, iv, plaintext, nil)
	return sealed, nil
}

// decrypt opens a blob produced by encrypt. Returns a *DecryptError if the
// blob is too short or authentication fails.
func decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < gcmOverhead {
		return nil, newDecryptError("ciphertext shorter than IV+tag overhead")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVSize)
	if err != nil {
		return nil, fmt.Errorf("new GCM: %w", err)
	}

	iv := blob[:gcmIVSize]
	ciphertext := blob[gcmIVSize:]
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, newDecryptError("authentication failed")
	}
	return plaintext, nil
}

// fulfillment computes HMAC(fulfillment_key, ciphertext), the value that
// both binds and unlocks the ILP conditional payment for this exact packet.
func fulfillment(fulfillmentKey, ciphertext []byte) []byte {
	return hmacSHA256(fulfillmentKey, ciphertext)
}

// condition computes SHA-256(fulfillment), the value placed in the ILP
// Prepare's executionCondition field.
func condition(fulfillmentValue []byte) [32]byte {
	return sha256.Sum256(fulfillmentValue)
}
