package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"ciphernotes/cfg"
	"ciphernotes/pkg/domain"
	"ciphernotes/svc/util"
)

// Backend is the storage contract every paste store satisfies. Backends
// return records as stored; expiry is enforced by the caller, except that a
// backend with native TTL may simply report an expired record as absent.
type Backend interface {
	// Insert fails with domain.ErrDuplicateID when id is taken.
	Insert(ctx context.Context, p *domain.Paste) error
	// Get fails with domain.ErrPasteNotFound when nothing is stored under id.
	Get(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	// UpdateContent replaces content and sets the update time. It fails with
	// domain.ErrPasteNotFound when the record is gone.
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
	// Delete reports whether this call removed the record.
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	// Count reports records that have not expired yet.
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend named by STORAGE_BACKEND. The redis handle is
// returned separately when one was opened so that it can also back the
// global rate limiter.
func Open(ctx context.Context, c *cfg.Cfg) (Backend, *Redis, error) {
	var (
		b   Backend
		rdb *Redis
		err error
	)
	switch c.StorageBackend {
	case "memory":
		b = NewMemory()
	case "sqlite":
		b, err = NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	case "postgres":
		b, err = NewPostgres(ctx, c.DatabaseURL.Value(), int32(c.DBMaxOpenConns), c.DBQueryTimeout)
	case "redis":
		rdb, err = NewRedis(c.RedisURL, c)
		b = rdb
	case "mongodb":
		b, err = NewMongo(ctx, c.MongoURI.Value(), c.MongoDatabase, c.DBQueryTimeout)
	case "dynamodb":
		b, err = NewDynamo(ctx, c.DynamoTable, c.AWSRegion, c.DynamoEndpoint, c.DBQueryTimeout)
	default:
		return nil, nil, errors.Errorf("unsupported storage backend %q", c.StorageBackend)
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s backend", c.StorageBackend)
	}
	if rdb == nil && c.RedisURL != "" {
		rdb, err = NewRedis(c.RedisURL, c)
		if err != nil {
			b.Close()
			return nil, nil, errors.Wrap(err, "open redis")
		}
	}
	ev := util.Info().Str("backend", c.StorageBackend)
	if rdb != nil {
		ev = ev.Str("redis", util.RedactDSN(c.RedisURL))
	}
	ev.Msg("storage ready")
	return b, rdb, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// normalizeTimes pins every timestamp of p to UTC. Drivers that decode into
// time.Local would otherwise leak the host zone into responses.
func normalizeTimes(p *domain.Paste) {
	p.CreatedAt = p.CreatedAt.UTC()
	if p.UpdatedAt != nil {
		t := p.UpdatedAt.UTC()
		p.UpdatedAt = &t
	}
	if p.ExpiresAt != nil {
		t := p.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
}

func optTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
