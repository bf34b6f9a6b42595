// Package app assembles the server from configuration. Both the standalone
// binary and the Lambda handler build through it.
package app

import (
	"context"

	"github.com/pkg/errors"

	"ciphernotes/cfg"
	"ciphernotes/pkg/kms"
	"ciphernotes/svc/api"
	"ciphernotes/svc/cache"
	"ciphernotes/svc/db"
	"ciphernotes/svc/lim"
	"ciphernotes/svc/svc"
	"ciphernotes/svc/util"
)

const sessionKeySecret = "SESSION_HASH_KEY"

var openBackend = db.Open

type App struct {
	Server *api.Server
	Paste  *svc.Paste

	closers []func()
}

// Build opens storage and wires every component. On error everything opened
// so far is closed again.
func Build(ctx context.Context, c *cfg.Cfg) (*App, error) {
	a := &App{}
	if err := a.build(ctx, c); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, c *cfg.Cfg) (err error) {
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backend, rdb, err := openBackend(ctx, c)
	if err != nil {
		return err
	}
	a.onClose(func() {
		if err := backend.Close(); err != nil {
			util.Warn().Err(err).Msg("backend close failed")
		}
	})
	if rdb != nil && db.Backend(rdb) != backend {
		a.onClose(func() { rdb.Close() })
	}

	var (
		adapter *kms.Adapter
		sealer  svc.Sealer
	)
	if c.AtRestSealing || c.SessionKeyFromKMS {
		adapter, err = kms.NewAdapter(ctx)
		if err != nil {
			return errors.Wrap(err, "init kms adapter")
		}
	}
	if c.AtRestSealing {
		kek := kms.NewKEKCache(adapter, c.KEKCacheTTL)
		a.onClose(kek.Stop)
		sealer = kms.NewSealer(adapter, kek)
		util.Info().Str("provider", adapter.Name()).Dur("kek_ttl", c.KEKCacheTTL).Msg("at-rest sealing enabled")
	}

	sessionKey := []byte(c.SessionHashKey.Value())
	if c.SessionKeyFromKMS {
		secret, err := adapter.GetSecret(ctx, sessionKeySecret)
		if err != nil {
			return errors.Wrap(err, "load session key")
		}
		if len(secret) < 32 {
			return errors.New("session key from kms must be at least 32 bytes")
		}
		sessionKey = []byte(secret)
	}

	var lru *cache.LRU
	if c.LRUCacheSize > 0 {
		lru, err = cache.NewLRU(c.LRUCacheSize)
		if err != nil {
			return errors.Wrap(err, "init lru")
		}
		util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")
	}

	hasher, err := util.NewIPHasher([]byte(c.IPHashPepper.Value()), c.IPHashRotationInterval)
	if err != nil {
		return errors.Wrap(err, "init ip hasher")
	}
	a.onClose(hasher.Stop)

	a.Paste = svc.NewPaste(backend, lru, sealer, c)
	a.onClose(a.Paste.Shutdown)
	if c.SweepInterval > 0 {
		a.Paste.StartSweeper(c.SweepInterval)
	}

	var counter lim.Counter
	if rdb != nil {
		counter = rdb
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	a.onClose(limiter.Stop)
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", counter != nil).
		Msg("rate limiter initialized")

	sessions := api.NewSessions(sessionKey, c.SessionTTL, c.Production())
	a.Server = api.NewServer(c, a.Paste, limiter, sessions, hasher, rdb)
	return nil
}

func (a *App) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// Close releases components in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
