package kms

import (
	"context"
	"encoding/base64"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// vaultTransit wraps keys with the transit engine and reads secrets from KV v2.
type vaultTransit struct {
	client     *vault.Client
	mount      string
	keyID      string
	secretPath string
}

func newVaultTransit(ctx context.Context, opts Options) (*vaultTransit, error) {
	conf := vault.DefaultConfig()
	conf.Address = opts.VaultAddr
	conf.Timeout = 5 * time.Second
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, err
	}
	token := opts.VaultToken
	if opts.VaultTokenFile != "" {
		raw, err := os.ReadFile(opts.VaultTokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		token = strings.TrimSpace(string(raw))
	}
	if token != "" {
		client.SetToken(token)
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(hctx); err != nil {
		return nil, errors.Wrap(err, "vault health")
	}
	return &vaultTransit{
		client:     client,
		mount:      opts.VaultMount,
		keyID:      opts.VaultKeyID,
		secretPath: opts.VaultSecretPath,
	}, nil
}

func (v *vaultTransit) transit(ctx context.Context, op string, data map[string]interface{}, aad []byte, field string) (string, error) {
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mount+"/"+op+"/"+v.keyID, data)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", errors.Errorf("vault %s: empty response", op)
	}
	out, ok := secret.Data[field].(string)
	if !ok {
		return "", errors.Errorf("vault %s: %s missing", op, field)
	}
	return out, nil
}

func (v *vaultTransit) Wrap(ctx context.Context, key, aad []byte) ([]byte, error) {
	ct, err := v.transit(ctx, "encrypt", map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(key),
	}, aad, "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ct), nil
}

func (v *vaultTransit) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	pt, err := v.transit(ctx, "decrypt", map[string]interface{}{
		"ciphertext": string(wrapped),
	}, aad, "plaintext")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(pt)
}

func (v *vaultTransit) Secret(ctx context.Context, name string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+name)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("vault: secret %s not found", name)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: secret is not kv v2")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.Errorf("vault: secret %s has no value field", name)
	}
	return value, nil
}
