package kms

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"ciphernotes/pkg/domain"
	"ciphernotes/svc/util"
)

// Sealer wraps stored paste content in a second, server-held layer of
// encryption. It never sees the client key: the content it seals is already
// the client's ciphertext.
type Sealer struct {
	adapter *Adapter
	cache   *KEKCache
}

func NewSealer(adapter *Adapter, cache *KEKCache) *Sealer {
	return &Sealer{adapter: adapter, cache: cache}
}

// Seal binds the sealed content to id so a blob cannot be replayed under a
// different record.
func (s *Sealer) Seal(ctx context.Context, id, content string) (string, error) {
	dek, err := GenerateDEK()
	if err != nil {
		return "", errors.Wrap(err, "generate dek")
	}
	defer util.Wipe(dek)

	sealed, err := AEADSeal([]byte(content), dek, []byte(id))
	if err != nil {
		return "", errors.Wrap(err, "seal content")
	}
	wrapped, err := s.adapter.EncryptWithContext(ctx, dek, pasteContext(id))
	if err != nil {
		return "", errors.Wrap(err, "wrap dek")
	}
	blob := &domain.SealedBlob{Version: 1, WrappedDEK: wrapped, Sealed: sealed}
	return blob.Encode()
}

// Open reverses Seal. Content stored before sealing was enabled is passed
// through unchanged.
func (s *Sealer) Open(ctx context.Context, id, stored string) (string, error) {
	if !domain.IsSealed(stored) {
		return stored, nil
	}
	blob, err := domain.DecodeSealedBlob(stored)
	if err != nil {
		return "", err
	}
	var dek []byte
	if s.cache != nil {
		dek, err = s.cache.DecryptDEK(ctx, blob.WrappedDEK, pasteContext(id))
	} else {
		dek, err = s.adapter.DecryptWithContext(ctx, blob.WrappedDEK, pasteContext(id))
	}
	if err != nil {
		return "", errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)

	plain, err := AEADOpen(blob.Sealed, dek, []byte(id))
	if err != nil {
		return "", errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return string(plain), nil
}

func pasteContext(id string) EncryptionContext {
	return EncryptionContext{"paste_id": id, "purpose": "at-rest"}
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305 and prefixes the random nonce.
func AEADSeal(plaintext, dek, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func AEADOpen(ciphertext, dek, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, ad)
}
