// Package cipher is the client half of ciphernotes: it encrypts note text
// before upload and decrypts it after download. Keys never leave the client;
// the server only ever sees envelopes.
//
// Envelopes are base64(nonce || ciphertext || tag) under AES-256-GCM with a
// 12-byte random nonce and no associated data, which is byte-compatible with
// the browser client's WebCrypto output.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
)

const (
	KeySize   = 32
	NonceSize = 12
	tagSize   = 16
)

var (
	// ErrDecryption covers every way an envelope can fail to open. Callers
	// cannot tell a wrong key from a damaged envelope.
	ErrDecryption = errors.New("decryption failed")
	ErrInvalidKey = errors.New("invalid key")
)

type Key [KeySize]byte

func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, errors.Wrap(err, "generate key")
	}
	return k, nil
}

// String returns the key as 64 lowercase hex characters.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != 2*KeySize {
		return Key{}, ErrInvalidKey
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}

// Wipe zeroes the key in place.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

func newAEAD(key Key) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return stdcipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh nonce. Two calls with the
// same input give different envelopes.
func Encrypt(plaintext []byte, key Key) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", errors.Wrap(err, "init aead")
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}
	out = aead.Seal(out, out[:NonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope. It never returns unauthenticated plaintext.
func Decrypt(envelope string, key Key) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil || len(raw) < NonceSize+tagSize {
		return nil, ErrDecryption
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
