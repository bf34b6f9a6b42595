package kms

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"ciphernotes/svc/util"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is bound to a wrapped key as associated data. The same
// context must be presented to unwrap it.
type EncryptionContext map[string]string

// bytes renders the context deterministically as k=v; pairs sorted by key.
func (ec EncryptionContext) bytes() []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ec[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

// provider wraps data keys and resolves named secrets.
type provider interface {
	Wrap(ctx context.Context, key, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error)
	Secret(ctx context.Context, name string) (string, error)
}

// Options selects providers. Vault wins over AWS KMS; the local key is only
// a fallback and is ignored when RequirePrimary is set.
type Options struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMount      string
	VaultKeyID      string
	VaultSecretPath string

	AWSRegion   string
	MasterKeyID string

	LocalKey string

	RequirePrimary bool
	// FailOpen lets a failing primary fall through to the local key.
	FailOpen bool
	Timeout  time.Duration
}

// OptionsFromEnv reads VAULT_*, AWS_REGION, KMS_MASTER_KEY_ID,
// KMS_LOCAL_KEY, KMS_REQUIRE_PRIMARY and KMS_FAIL_CLOSED.
func OptionsFromEnv() Options {
	return Options{
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultTokenFile:  os.Getenv("VAULT_TOKEN_FILE"),
		VaultMount:      envOr("VAULT_MOUNT_PATH", "transit"),
		VaultKeyID:      envOr("VAULT_KEY_ID", "ciphernotes-master"),
		VaultSecretPath: envOr("VAULT_SECRET_PATH", "secret/data/ciphernotes"),
		AWSRegion:       os.Getenv("AWS_REGION"),
		MasterKeyID:     os.Getenv("KMS_MASTER_KEY_ID"),
		LocalKey:        os.Getenv("KMS_LOCAL_KEY"),
		RequirePrimary:  strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true"),
		FailOpen:        strings.EqualFold(os.Getenv("KMS_FAIL_CLOSED"), "false"),
		Timeout:         10 * time.Second,
	}
}

// Adapter routes key wrapping and secret lookups to a primary provider
// (Vault transit or AWS KMS) with an optional local fallback.
type Adapter struct {
	primary  provider
	fallback provider
	name     string
	opts     Options
}

// NewAdapter builds an adapter from the environment.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	return Open(ctx, OptionsFromEnv())
}

func Open(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	a := &Adapter{opts: opts}
	if opts.VaultAddr != "" {
		if p, err := newVaultTransit(ctx, opts); err == nil {
			a.primary, a.name = p, "vault"
		} else {
			util.Warn().Err(err).Msg("vault provider unavailable")
		}
	}
	if a.primary == nil && opts.MasterKeyID != "" && opts.AWSRegion != "" {
		if p, err := newAWSKMS(ctx, opts); err == nil {
			a.primary, a.name = p, "aws"
		} else {
			util.Warn().Err(err).Msg("aws kms provider unavailable")
		}
	}
	if a.primary == nil && opts.RequirePrimary {
		return nil, errors.New("KMS_REQUIRE_PRIMARY is set but neither vault nor aws kms is available")
	}
	if !opts.RequirePrimary && opts.LocalKey != "" {
		p, err := newLocalKey(opts.LocalKey)
		if err != nil {
			return nil, errors.Wrap(err, "local key")
		}
		a.fallback = p
		if a.primary == nil {
			a.name = "env"
		}
	}
	if a.primary == nil && a.fallback == nil {
		return nil, errors.New("no kms provider configured (vault, aws kms or KMS_LOCAL_KEY)")
	}
	util.Info().Str("provider", a.name).Bool("fallback", a.fallback != nil).Bool("fail_open", opts.FailOpen).Msg("kms adapter ready")
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// route runs op on the primary and, when allowed, on the fallback.
func route[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context, provider) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	if a.primary != nil {
		v, err := fn(ctx, a.primary)
		if err == nil {
			return v, nil
		}
		if a.opts.RequirePrimary || !a.opts.FailOpen || a.fallback == nil {
			return zero, errors.Wrapf(err, "%s via %s", op, a.name)
		}
		util.Warn().Err(err).Str("op", op).Msg("primary kms failed, using local key")
	}
	if a.fallback == nil {
		return zero, ErrProviderUnavailable
	}
	return fn(ctx, a.fallback)
}

func (a *Adapter) timeout() time.Duration {
	if a.opts.Timeout <= 0 {
		return 10 * time.Second
	}
	return a.opts.Timeout
}

// EncryptWithContext wraps a data key bound to ec.
func (a *Adapter) EncryptWithContext(ctx context.Context, key []byte, ec EncryptionContext) ([]byte, error) {
	aad := ec.bytes()
	return route(ctx, a, "wrap", func(ctx context.Context, p provider) ([]byte, error) {
		return p.Wrap(ctx, key, aad)
	})
}

func (a *Adapter) DecryptWithContext(ctx context.Context, wrapped []byte, ec EncryptionContext) ([]byte, error) {
	aad := ec.bytes()
	return route(ctx, a, "unwrap", func(ctx context.Context, p provider) ([]byte, error) {
		return p.Unwrap(ctx, wrapped, aad)
	})
}

// Decrypt unwraps a key that was wrapped without context.
func (a *Adapter) Decrypt(ctx context.Context, wrapped []byte) ([]byte, error) {
	return a.DecryptWithContext(ctx, wrapped, nil)
}

// GetSecret resolves name through Secrets Manager, Vault KV or the process
// environment, whichever provider is active.
func (a *Adapter) GetSecret(ctx context.Context, name string) (string, error) {
	return route(ctx, a, "secret", func(ctx context.Context, p provider) (string, error) {
		v, err := p.Secret(ctx, name)
		if err == nil && v == "" {
			err = errors.Errorf("secret %s is empty", name)
		}
		return v, err
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
