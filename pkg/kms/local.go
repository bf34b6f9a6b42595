package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
)

// localKey wraps with AES-256-GCM under KMS_LOCAL_KEY. Output is
// nonce || ciphertext || tag, readable by any standard GCM implementation.
type localKey struct {
	aead cipher.AEAD
}

func newLocalKey(b64 string) (*localKey, error) {
	if b64 == "" {
		return nil, errors.New("KMS_LOCAL_KEY is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must decode to 32 bytes, got %d", len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &localKey{aead: aead}, nil
}

func (l *localKey) Wrap(ctx context.Context, key, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize(), l.aead.NonceSize()+len(key)+l.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, key, aad), nil
}

func (l *localKey) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(wrapped) < n+l.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	out, err := l.aead.Open(nil, wrapped[:n], wrapped[n:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// Secret reads the process environment.
func (l *localKey) Secret(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Errorf("secret %s not set", name)
	}
	return v, nil
}
