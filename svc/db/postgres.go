package db

import (
	"context"
	"embed"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"ciphernotes/pkg/domain"
	"ciphernotes/svc/util"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgres connects, applies the embedded migrations and returns a ready
// backend.
func NewPostgres(ctx context.Context, dsn string, maxConns int32, queryTimeout time.Duration) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := Migrate(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	util.Info().Str("host", poolCfg.ConnConfig.Host).Str("database", poolCfg.ConnConfig.Database).Msg("postgres connected")
	return &Postgres{pool: pool, queryTimeout: queryTimeout}, nil
}

// Migrate applies every pending migration from the embedded FS.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "migration source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(dsn))
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, _ := m.Version()
	util.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return nil
}

// migrationURL rewrites a postgres DSN into the scheme golang-migrate's pgx
// v5 driver registers.
func migrationURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (p *Postgres) Insert(ctx context.Context, paste *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pastes (id, content, created_at, updated_at, expires_at, auto_delete, owned_by, client_ip_hash, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		paste.ID, paste.Content, paste.CreatedAt, paste.UpdatedAt, paste.ExpiresAt,
		paste.AutoDelete, paste.Owner, paste.ClientIPHash, paste.UserAgent,
	)
	if isPgUniqueViolation(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "postgres insert")
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var paste domain.Paste
	err := p.pool.QueryRow(ctx, `
		SELECT id, content, created_at, updated_at, expires_at, auto_delete, owned_by, client_ip_hash, user_agent
		FROM pastes WHERE id = $1`, id).Scan(
		&paste.ID, &paste.Content, &paste.CreatedAt, &paste.UpdatedAt, &paste.ExpiresAt,
		&paste.AutoDelete, &paste.Owner, &paste.ClientIPHash, &paste.UserAgent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres get")
	}
	normalizeTimes(&paste)
	return &paste, nil
}

func (p *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pastes WHERE id = $1)`, id).Scan(&exists)
	return exists, errors.Wrap(err, "postgres exists")
}

func (p *Postgres) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tag, err := p.pool.Exec(ctx, `UPDATE pastes SET content = $1, updated_at = $2 WHERE id = $3`, content, at, id)
	if err != nil {
		return errors.Wrap(err, "postgres update")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM pastes WHERE id = $1`, id)
	if err != nil {
		return false, errors.Wrap(err, "postgres delete")
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tag, err := p.pool.Exec(ctx, `DELETE FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "postgres delete expired")
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pastes WHERE expires_at IS NULL OR expires_at > $1`, time.Now()).Scan(&n)
	return n, errors.Wrap(err, "postgres count")
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
