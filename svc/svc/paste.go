package svc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"ciphernotes/cfg"
	"ciphernotes/metrics"
	"ciphernotes/pkg/domain"
	"ciphernotes/svc/cache"
	"ciphernotes/svc/db"
	"ciphernotes/svc/util"
)

const insertAttempts = 3

// Sealer adds a server-side encryption layer to stored content. The content
// it receives is already the client's ciphertext.
type Sealer interface {
	Seal(ctx context.Context, id, content string) (string, error)
	Open(ctx context.Context, id, stored string) (string, error)
}

// Paste is the paste store: it owns record lifecycle, ownership checks and
// expiry on top of a storage backend.
type Paste struct {
	db        db.Backend
	lru       *cache.LRU
	sealer    Sealer
	maxSize   int64
	maxExpiry time.Duration
	now       func() time.Time

	shutdown  atomic.Bool
	opWg      sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}
	sweepOnce sync.Once
	sweeping  atomic.Bool
}

// NewPaste wires the store. lru and sealer are optional.
func NewPaste(backend db.Backend, lru *cache.LRU, sealer Sealer, c *cfg.Cfg) *Paste {
	if backend == nil || c == nil {
		panic("paste service: nil dependency (backend or cfg)")
	}
	maxSize := c.MaxPasteSize
	if maxSize <= 0 || maxSize > cfg.MaxContentSize {
		maxSize = cfg.MaxContentSize
	}
	maxExpiry := c.MaxExpiry
	if maxExpiry <= 0 {
		maxExpiry = 30 * 24 * time.Hour
	}
	return &Paste{
		db:        backend,
		lru:       lru,
		sealer:    sealer,
		maxSize:   maxSize,
		maxExpiry: maxExpiry,
		now:       time.Now,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrUnavailable
	}
	p.opWg.Add(1)
	return nil
}

// clock returns the current time at the millisecond precision every backend
// can store.
func (p *Paste) clock() time.Time {
	return p.now().UTC().Truncate(time.Millisecond)
}

func (p *Paste) validate(content string) error {
	if content == "" {
		metrics.PasteRejected.WithLabelValues("content_required").Inc()
		return domain.ErrContentRequired
	}
	if int64(len(content)) > p.maxSize {
		metrics.PasteRejected.WithLabelValues("too_large").Inc()
		return domain.ErrPasteTooLarge
	}
	return nil
}

// expiryFor turns a requested lifetime in hours into an absolute expiry.
// Absent, non-positive or non-finite values mean no expiry; values above the
// configured maximum are capped.
func (p *Paste) expiryFor(now time.Time, hours *float64) *time.Time {
	if hours == nil || *hours <= 0 || math.IsNaN(*hours) {
		return nil
	}
	d := p.maxExpiry
	if !math.IsInf(*hours, 1) && *hours < p.maxExpiry.Hours() {
		d = time.Duration(*hours * float64(time.Hour))
	}
	exp := now.Add(d).Truncate(time.Millisecond)
	return &exp
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := p.validate(params.Content); err != nil {
		return nil, err
	}
	now := p.clock()
	paste := &domain.Paste{
		CreatedAt:    now,
		ExpiresAt:    p.expiryFor(now, params.ExpiryHours),
		AutoDelete:   params.AutoDelete,
		Owner:        params.Owner,
		ClientIPHash: params.ClientIPHash,
		UserAgent:    domain.TruncateUserAgent(params.UserAgent),
	}
	for attempt := 0; attempt < insertAttempts; attempt++ {
		id, err := util.GenID(func(id string) (bool, error) {
			return p.db.Exists(ctx, id)
		})
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		stored, err := p.seal(ctx, id, params.Content)
		if err != nil {
			return nil, err
		}
		paste.Content = stored
		err = p.db.Insert(ctx, paste)
		if domain.Is(err, domain.ErrDuplicateID) {
			util.Warn().Str("id", id).Int("attempt", attempt).Msg("paste id collided on insert")
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "insert paste")
		}
		paste.Content = params.Content
		metrics.PasteCreated.Inc()
		util.Info().
			Str("id", id).
			Int("size", len(params.Content)).
			Bool("auto_delete", paste.AutoDelete).
			Bool("expires", paste.ExpiresAt != nil).
			Msg("paste created")
		return paste, nil
	}
	return nil, errors.New("paste id collision after retries")
}

// Read returns the paste and whether session owns it. An auto-delete paste
// read by its owner is removed, and the content is returned only to the one
// caller whose delete actually removed it.
func (p *Paste) Read(ctx context.Context, id, session string) (*domain.ReadResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste, err := p.load(ctx, id, true)
	if err != nil {
		return nil, err
	}
	isOwner := paste.OwnedBy(session)
	if paste.AutoDelete && isOwner {
		removed, err := p.remove(ctx, id)
		if err != nil {
			return nil, err
		}
		if !removed {
			return nil, domain.ErrPasteNotFound
		}
		metrics.PasteDeleted.WithLabelValues(metrics.ReasonAutoDelete).Inc()
		util.Info().Str("id", id).Msg("auto-delete paste consumed by owner")
	}
	metrics.PasteRead.WithLabelValues(ownerLabel(isOwner)).Inc()
	return &domain.ReadResult{
		ID:        paste.ID,
		Content:   paste.Content,
		CreatedAt: paste.CreatedAt,
		IsOwner:   isOwner,
	}, nil
}

// Update replaces the content of a paste owned by session. Existence is
// checked before ownership, and ownership before the new content.
func (p *Paste) Update(ctx context.Context, id, content, session string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	paste, err := p.load(ctx, id, false)
	if err != nil {
		return err
	}
	if !paste.OwnedBy(session) {
		metrics.PasteRejected.WithLabelValues("forbidden").Inc()
		return domain.ErrForbidden
	}
	if err := p.validate(content); err != nil {
		return err
	}
	stored, err := p.seal(ctx, id, content)
	if err != nil {
		return err
	}
	err = p.db.UpdateContent(ctx, id, stored, p.clock())
	p.invalidate(id)
	if err != nil {
		if domain.Is(err, domain.ErrPasteNotFound) {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(err, "update paste")
	}
	metrics.PasteUpdated.Inc()
	util.Info().Str("id", id).Int("size", len(content)).Msg("paste updated")
	return nil
}

func (p *Paste) Delete(ctx context.Context, id, session string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	paste, err := p.load(ctx, id, false)
	if err != nil {
		return err
	}
	if !paste.OwnedBy(session) {
		metrics.PasteRejected.WithLabelValues("forbidden").Inc()
		return domain.ErrForbidden
	}
	removed, err := p.remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return domain.ErrPasteNotFound
	}
	metrics.PasteDeleted.WithLabelValues(metrics.ReasonOwner).Inc()
	util.Info().Str("id", id).Msg("paste deleted by owner")
	return nil
}

func (p *Paste) Count(ctx context.Context) (int, error) {
	n, err := p.db.Count(ctx)
	return n, errors.Wrap(err, "count pastes")
}

// Ready reports whether the backend answers.
func (p *Paste) Ready(ctx context.Context) error {
	if p.shutdown.Load() {
		return domain.ErrUnavailable
	}
	return p.db.Ping(ctx)
}

// load fetches a live record with its client content. Expired records are
// purged on discovery and reported as absent.
func (p *Paste) load(ctx context.Context, id string, useCache bool) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrPasteNotFound
	}
	now := p.now()
	if useCache && p.lru != nil {
		if paste := p.lru.Get(ctx, id); paste != nil {
			if !paste.Expired(now) {
				metrics.CacheHits.Inc()
				return paste, nil
			}
			p.lru.Delete(id)
		}
		metrics.CacheMisses.Inc()
	}
	paste, err := p.db.Get(ctx, id)
	if err != nil {
		if domain.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if paste.Expired(now) {
		p.expire(ctx, id)
		return nil, domain.ErrPasteNotFound
	}
	paste.Content, err = p.open(ctx, id, paste.Content)
	if err != nil {
		return nil, err
	}
	if p.lru != nil {
		p.lru.Set(ctx, paste)
	}
	return paste, nil
}

func (p *Paste) expire(ctx context.Context, id string) {
	removed, err := p.remove(ctx, id)
	if err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to purge expired paste")
		return
	}
	if removed {
		metrics.PasteDeleted.WithLabelValues(metrics.ReasonExpired).Inc()
	}
}

func (p *Paste) remove(ctx context.Context, id string) (bool, error) {
	removed, err := p.db.Delete(ctx, id)
	p.invalidate(id)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	return removed, nil
}

func (p *Paste) invalidate(id string) {
	if p.lru != nil {
		p.lru.Delete(id)
	}
}

func (p *Paste) seal(ctx context.Context, id, content string) (string, error) {
	if p.sealer == nil {
		return content, nil
	}
	stored, err := p.sealer.Seal(ctx, id, content)
	if err != nil {
		return "", errors.Wrap(err, "seal content")
	}
	metrics.SealingOps.WithLabelValues("seal").Inc()
	return stored, nil
}

func (p *Paste) open(ctx context.Context, id, stored string) (string, error) {
	if p.sealer == nil {
		return stored, nil
	}
	content, err := p.sealer.Open(ctx, id, stored)
	if err != nil {
		return "", errors.Wrap(err, "open content")
	}
	metrics.SealingOps.WithLabelValues("open").Inc()
	return content, nil
}

func ownerLabel(isOwner bool) string {
	if isOwner {
		return "true"
	}
	return "false"
}
