package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

const zeroLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLocalKeyIsPlainGCM(t *testing.T) {
	raw := make([]byte, 32)
	rand.Read(raw)
	l, err := newLocalKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatal(err)
	}
	block, _ := aes.NewCipher(raw)
	gcm, _ := cipher.NewGCM(block)
	dek := []byte("data encryption key")

	nonce := make([]byte, gcm.NonceSize())
	rand.Read(nonce)
	external := gcm.Seal(nonce, nonce, dek, []byte("ad"))
	got, err := l.Unwrap(context.Background(), external, []byte("ad"))
	if err != nil || string(got) != string(dek) {
		t.Fatalf("standard GCM output not accepted: %q, %v", got, err)
	}

	ours, err := l.Wrap(context.Background(), dek, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := gcm.NonceSize()
	back, err := gcm.Open(nil, ours[:n], ours[n:], nil)
	if err != nil || string(back) != string(dek) {
		t.Errorf("standard GCM cannot open our output: %v", err)
	}
}

func TestLocalKeyRejects(t *testing.T) {
	for _, k := range []string{"", "not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := newLocalKey(k); err == nil {
			t.Errorf("newLocalKey(%q) accepted", k)
		}
	}
	l, _ := newLocalKey(zeroLocalKey)
	if _, err := l.Unwrap(context.Background(), []byte("tiny"), nil); err != ErrDecryptionFailed {
		t.Errorf("short input: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Wrap(ctx, []byte("x"), nil); err == nil {
		t.Error("cancelled context ignored")
	}
}

func TestRouteFailover(t *testing.T) {
	local, _ := newLocalKey(zeroLocalKey)
	broken := &stubProvider{err: ErrProviderUnavailable}
	ctx := context.Background()

	closed := &Adapter{primary: broken, fallback: local, name: "stub"}
	if _, err := closed.EncryptWithContext(ctx, []byte("k"), nil); err == nil {
		t.Error("fail-closed adapter fell back")
	}

	open := &Adapter{primary: broken, fallback: local, name: "stub", opts: Options{FailOpen: true}}
	wrapped, err := open.EncryptWithContext(ctx, []byte("k"), EncryptionContext{"paste_id": "p"})
	if err != nil {
		t.Fatalf("fail-open adapter: %v", err)
	}
	if _, err := local.Unwrap(ctx, wrapped, EncryptionContext{"paste_id": "p"}.bytes()); err != nil {
		t.Errorf("fallback did not produce the wrap: %v", err)
	}

	strict := &Adapter{primary: broken, fallback: local, name: "stub", opts: Options{FailOpen: true, RequirePrimary: true}}
	if _, err := strict.GetSecret(ctx, "X"); err == nil {
		t.Error("require-primary adapter fell back")
	}
}
