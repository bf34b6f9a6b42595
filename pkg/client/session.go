package client

import (
	"context"

	"github.com/pkg/errors"

	"ciphernotes/pkg/cipher"
)

type ShareOptions struct {
	AutoDelete  bool
	ExpiryHours *float64
}

// Shared is a freshly stored note. Ref carries the key; treat it as secret.
type Shared struct {
	ID  string
	Key cipher.Key
	Ref string
}

// Note is an opened paste.
type Note struct {
	ID      string
	Text    []byte
	IsOwner bool
	Paste   *Paste
}

// Share encrypts text under a new key and stores the envelope.
func (c *Client) Share(ctx context.Context, text []byte, opts ShareOptions) (*Shared, error) {
	key, err := cipher.GenerateKey()
	if err != nil {
		return nil, err
	}
	envelope, err := cipher.Encrypt(text, key)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt")
	}
	id, err := c.CreatePaste(ctx, CreateRequest{
		Content:     envelope,
		AutoDelete:  opts.AutoDelete,
		ExpiryHours: opts.ExpiryHours,
	})
	if err != nil {
		return nil, err
	}
	return &Shared{ID: id, Key: key, Ref: cipher.FormatRef(c.base, id, key)}, nil
}

// Open fetches and decrypts the note ref points at. A wrong key or a
// damaged envelope yields cipher.ErrDecryption.
func (c *Client) Open(ctx context.Context, ref string) (*Note, error) {
	id, key, err := cipher.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	p, err := c.GetPaste(ctx, id)
	if err != nil {
		return nil, err
	}
	text, err := cipher.Decrypt(p.Content, key)
	if err != nil {
		return nil, err
	}
	return &Note{ID: id, Text: text, IsOwner: p.IsOwner, Paste: p}, nil
}

// Edit replaces the note's text, reusing its key so ref stays valid.
func (c *Client) Edit(ctx context.Context, ref string, text []byte) error {
	id, key, err := cipher.ParseRef(ref)
	if err != nil {
		return err
	}
	defer key.Wipe()
	envelope, err := cipher.Encrypt(text, key)
	if err != nil {
		return errors.Wrap(err, "encrypt")
	}
	return c.UpdatePaste(ctx, id, envelope)
}

// Remove deletes the note ref points at. Only the id part is used.
func (c *Client) Remove(ctx context.Context, ref string) error {
	id, _, err := cipher.ParseRef(ref)
	if err != nil {
		return err
	}
	return c.DeletePaste(ctx, id)
}
