package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"ciphernotes/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	cleanupBatch        = 100
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	// padLookups stretches id lookups to a jittered floor so that response
	// time does not reveal whether an id exists.
	padLookups bool
	walQuit    chan struct{}
	walDone    chan struct{}
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		padLookups:   true,
		walQuit:      make(chan struct{}),
		walDone:      make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	go func() {
		defer close(s.walDone)
		StartWALMaintenance(db, s.walQuit)
	}()
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isUniqueViolation(err) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		expires_at INTEGER,
		auto_delete INTEGER NOT NULL DEFAULT 0,
		owned_by TEXT NOT NULL,
		client_ip_hash TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at) WHERE expires_at IS NOT NULL;
	`)
	return err
}

func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) pad(start time.Time) {
	if s.padLookups {
		normalizeResponseTime(start)
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
	INSERT INTO pastes (id, content, created_at, updated_at, expires_at, auto_delete, owned_by, client_ip_hash, user_agent)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Content, toMillis(p.CreatedAt), optMillis(p.UpdatedAt), optMillis(p.ExpiresAt),
		p.AutoDelete, p.Owner, p.ClientIPHash, p.UserAgent,
	)
	s.recordError(err)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "db insert")
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	defer s.pad(time.Now())
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		p                domain.Paste
		created          int64
		updated, expires sql.NullInt64
	)
	err := s.db.QueryRowContext(queryCtx, `
	SELECT id, content, created_at, updated_at, expires_at, auto_delete, owned_by, client_ip_hash, user_agent
	FROM pastes WHERE id = ?`, id).Scan(
		&p.ID, &p.Content, &created, &updated, &expires, &p.AutoDelete, &p.Owner, &p.ClientIPHash, &p.UserAgent,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = nullTime(updated)
	p.ExpiresAt = nullTime(expires)
	return &p, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return optTime(&v.Int64)
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func (s *SQLite) UpdateContent(ctx context.Context, id, content string, at time.Time) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		`UPDATE pastes SET content = ?, updated_at = ? WHERE id = ?`, content, toMillis(at), id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteExpired removes expired rows in small batches so that the sweeper
// never holds the write lock for long.
func (s *SQLite) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)`, toMillis(before), cleanupBatch)
		cancel()
		s.recordError(err)
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		n, _ := res.RowsAffected()
		total += int(n)
		if n < cleanupBatch {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM pastes WHERE expires_at IS NULL OR expires_at > ?`, toMillis(time.Now())).Scan(&n)
	return n, errors.Wrap(err, "count pastes")
}

func (s *SQLite) Close() error {
	select {
	case <-s.walQuit:
	default:
		close(s.walQuit)
		<-s.walDone
	}
	return s.db.Close()
}
