package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/geekychris/secure-paste/cfg"
	"github.com/geekychris/secure-paste/metrics"
	"github.com/geekychris/secure-paste/pkg/domain"
	"github.com/geekychris/secure-paste/svc/cache"
	"github.com/geekychris/secure-paste/svc/db"
	"github.com/geekychris/secure-paste/svc/util"
)

const (
	defaultCacheTTL = 10 * time.Minute
	topLanguageN    = 10
	recentWindow    = 24 * time.Hour
)

// Store is what the lifecycle manager needs from persistence. Non-deleted
// filtering happens in the store; expiry is re-evaluated here on every read
// so the two "not visible" states stay independent.
type Store interface {
	Save(ctx context.Context, p *domain.Paste) error
	FindActiveByID(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	IncrementViewCount(ctx context.Context, id string) (int64, error)
	FindPublicActive(ctx context.Context, now time.Time, page, size int) ([]*domain.Paste, int64, error)
	Search(ctx context.Context, term string, now time.Time, page, size int) ([]*domain.Paste, int64, error)
	FindByLanguageActive(ctx context.Context, language string, now time.Time, page, size int) ([]*domain.Paste, int64, error)
	FindRecentPublicActive(ctx context.Context, since, now time.Time, page, size int) ([]*domain.Paste, int64, error)
	CountActive(ctx context.Context) (int64, error)
	CountPublicActive(ctx context.Context) (int64, error)
	SumViewCounts(ctx context.Context) (int64, error)
	TopLanguages(ctx context.Context, limit int) ([]domain.LanguageCount, error)
	SoftDeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Hasher is the one-way secret hasher collaborator.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) (bool, error)
}

// Paste owns the lifecycle rules: creation with optional secrets, read-time
// gating (expiry before password), partial update, soft delete, and the
// expiry sweep.
type Paste struct {
	store  Store
	lru    *cache.LRU
	rdb    *db.Redis
	hasher Hasher
	cfg    *cfg.Cfg
	now    func() time.Time
	stats  singleflight.Group
}

func NewPaste(store Store, lru *cache.LRU, rdb *db.Redis, h Hasher, c *cfg.Cfg) *Paste {
	if store == nil || h == nil || c == nil {
		panic("paste service: nil dependency (store, hasher, or cfg)")
	}
	return &Paste{
		store:  store,
		lru:    lru,
		rdb:    rdb,
		hasher: h,
		cfg:    c,
		now:    time.Now,
	}
}

// Create validates, generates an id, hashes the optional password, and
// persists the record with view_count=0 and created_at=updated_at.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.PasteView, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	id, err := util.GenID(func(id string) (bool, error) {
		return p.store.Exists(ctx, id)
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrIDGenerationFailed, err.Error())
	}
	now := p.now().UTC()
	visibility := params.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	var expiresAt *time.Time
	if params.ExpirationMinutes != nil {
		t := now.Add(time.Duration(*params.ExpirationMinutes) * time.Minute)
		expiresAt = &t
	}
	var secretHash string
	if strings.TrimSpace(params.Password) != "" {
		secretHash, err = p.hasher.Hash(params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
	}
	paste := &domain.Paste{
		ID:          id,
		Title:       params.Title,
		Content:     params.Content,
		Language:    params.Language,
		AuthorName:  params.AuthorName,
		AuthorEmail: params.AuthorEmail,
		Visibility:  visibility,
		ExpiresAt:   expiresAt,
		SecretHash:  secretHash,
		ViewCount:   0,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsDeleted:   false,
	}
	if err := p.store.Save(ctx, paste); err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	p.cacheSet(ctx, paste)
	metrics.PasteCreated.Inc()
	return paste.View(), nil
}

// Get applies the read gates in order: existence, expiry, then password.
// A wrong password on an expired paste yields not-found, never
// access-denied. On success the view counter is bumped atomically in the
// store and the returned view carries the incremented value.
func (p *Paste) Get(ctx context.Context, id, password string) (*domain.PasteView, error) {
	paste, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.IsDeleted || paste.IsExpired(p.now()) {
		p.cacheDelete(ctx, id)
		return nil, domain.ErrPasteNotFound
	}
	if paste.PasswordProtected() {
		if strings.TrimSpace(password) == "" {
			return nil, domain.ErrAccessDenied
		}
		match, err := p.hasher.Verify(password, paste.SecretHash)
		if err != nil {
			return nil, errors.Wrap(err, "verify password")
		}
		if !match {
			return nil, domain.ErrAccessDenied
		}
	}
	count, err := p.store.IncrementViewCount(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "increment views")
	}
	view := paste.View()
	view.ViewCount = count
	metrics.PasteRetrieved.Inc()
	return view, nil
}

// Update loads under the same non-deleted+non-expired rule as Get but skips
// the password gate: holding the id is treated as proof of access for
// mutation. Only provided, non-blank fields change; secret and expiration
// never do.
func (p *Paste) Update(ctx context.Context, id string, params domain.UpdateParams) (*domain.PasteView, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	paste, err := p.store.FindActiveByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if paste.IsExpired(p.now()) {
		return nil, domain.ErrPasteNotFound
	}
	if params.Title != nil && strings.TrimSpace(*params.Title) != "" {
		paste.Title = *params.Title
	}
	if params.Content != nil && *params.Content != "" {
		paste.Content = *params.Content
	}
	if params.Language != nil && strings.TrimSpace(*params.Language) != "" {
		lang := *params.Language
		paste.Language = &lang
	}
	if params.Visibility != "" {
		paste.Visibility = params.Visibility
	}
	paste.UpdatedAt = p.now().UTC()
	if err := p.store.Save(ctx, paste); err != nil {
		return nil, errors.Wrap(err, "update paste")
	}
	p.cacheDelete(ctx, id)
	metrics.PasteUpdated.Inc()
	return paste.View(), nil
}

// Delete soft-deletes. Expiry is deliberately not checked: an expired paste
// the sweeper has not reached yet can still be deleted explicitly. A second
// call fails not-found because the first one removed it from active reads.
func (p *Paste) Delete(ctx context.Context, id string) error {
	paste, err := p.store.FindActiveByID(ctx, id)
	if err != nil {
		return err
	}
	paste.IsDeleted = true
	paste.UpdatedAt = p.now().UTC()
	if err := p.store.Save(ctx, paste); err != nil {
		return errors.Wrap(err, "delete paste")
	}
	p.cacheDelete(ctx, id)
	metrics.PasteDeleted.Inc()
	return nil
}

func (p *Paste) ListPublic(ctx context.Context, page, size int) (*domain.Page, error) {
	page, size = p.normalizePage(page, size)
	items, total, err := p.store.FindPublicActive(ctx, p.now(), page, size)
	if err != nil {
		return nil, errors.Wrap(err, "list public")
	}
	return buildPage(items, total, page, size), nil
}

func (p *Paste) Search(ctx context.Context, term string, page, size int) (*domain.Page, error) {
	page, size = p.normalizePage(page, size)
	items, total, err := p.store.Search(ctx, term, p.now(), page, size)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	return buildPage(items, total, page, size), nil
}

func (p *Paste) ListByLanguage(ctx context.Context, language string, page, size int) (*domain.Page, error) {
	page, size = p.normalizePage(page, size)
	items, total, err := p.store.FindByLanguageActive(ctx, language, p.now(), page, size)
	if err != nil {
		return nil, errors.Wrap(err, "list by language")
	}
	return buildPage(items, total, page, size), nil
}

func (p *Paste) ListRecent(ctx context.Context, page, size int) (*domain.Page, error) {
	page, size = p.normalizePage(page, size)
	now := p.now()
	items, total, err := p.store.FindRecentPublicActive(ctx, now.Add(-recentWindow), now, page, size)
	if err != nil {
		return nil, errors.Wrap(err, "list recent")
	}
	return buildPage(items, total, page, size), nil
}

// Statistics aggregates over non-deleted records only; expired-but-unswept
// pastes still count until the sweeper gets them. Concurrent callers share
// one aggregation through singleflight.
func (p *Paste) Statistics(ctx context.Context) (*domain.Stats, error) {
	v, err, _ := p.stats.Do("stats", func() (interface{}, error) {
		total, err := p.store.CountActive(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "count active")
		}
		public, err := p.store.CountPublicActive(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "count public")
		}
		views, err := p.store.SumViewCounts(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "sum views")
		}
		langs, err := p.store.TopLanguages(ctx, topLanguageN)
		if err != nil {
			return nil, errors.Wrap(err, "top languages")
		}
		return &domain.Stats{
			TotalPastes:      total,
			PublicPastes:     public,
			TotalViews:       views,
			PopularLanguages: langs,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Stats), nil
}

// SweepExpired soft-deletes every past-due record in one bulk store call.
func (p *Paste) SweepExpired(ctx context.Context) (int64, error) {
	n, err := p.store.SoftDeleteExpired(ctx, p.now())
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired")
	}
	metrics.SweepCycles.Inc()
	if n > 0 {
		metrics.SweptPastes.Add(float64(n))
	}
	return n, nil
}

func (p *Paste) normalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = p.cfg.DefaultPageSize
	}
	if size > p.cfg.MaxPageSize {
		size = p.cfg.MaxPageSize
	}
	return page, size
}

func buildPage(items []*domain.Paste, total int64, page, size int) *domain.Page {
	views := make([]*domain.PasteView, 0, len(items))
	for _, it := range items {
		views = append(views, it.View())
	}
	totalPages := total / int64(size)
	if total%int64(size) != 0 {
		totalPages++
	}
	return &domain.Page{
		Items:      views,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: totalPages,
	}
}

// lookup reads through LRU, then Redis, then the store. Cached copies are
// raw records: expiry and the password gate still run on every Get.
func (p *Paste) lookup(ctx context.Context, id string) (*domain.Paste, error) {
	if p.lru != nil {
		if paste := p.lru.Get(ctx, id); paste != nil {
			metrics.CacheHits.Inc()
			return paste, nil
		}
		metrics.CacheMisses.Inc()
	}
	if p.rdb != nil {
		paste, err := p.rdb.GetPaste(ctx, id)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Msg("redis lookup failed")
		} else if paste != nil {
			if p.lru != nil {
				p.lru.Set(ctx, paste, p.cacheTTL(paste))
			}
			return paste, nil
		}
	}
	paste, err := p.store.FindActiveByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.cacheSet(ctx, paste)
	return paste, nil
}

func (p *Paste) cacheTTL(paste *domain.Paste) time.Duration {
	if paste.ExpiresAt == nil {
		return defaultCacheTTL
	}
	ttl := paste.ExpiresAt.Sub(p.now())
	if ttl > defaultCacheTTL {
		return defaultCacheTTL
	}
	return ttl
}

func (p *Paste) cacheSet(ctx context.Context, paste *domain.Paste) {
	ttl := p.cacheTTL(paste)
	if ttl <= 0 {
		return
	}
	if p.lru != nil {
		p.lru.Set(ctx, paste, ttl)
	}
	if p.rdb != nil {
		if err := p.rdb.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
		}
	}
}

func (p *Paste) cacheDelete(ctx context.Context, id string) {
	if p.lru != nil {
		p.lru.Delete(id)
	}
	if p.rdb != nil {
		if err := p.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
}

var (
	sweeperOnce    sync.Once
	sweeperRunning atomic.Bool
)

// StartSweeper runs SweepExpired on a fixed interval until ctx is canceled.
// A failed sweep is logged; the next tick proceeds normally.
func StartSweeper(ctx context.Context, paste *Paste, interval time.Duration) error {
	if sweeperRunning.Load() {
		return errors.New("sweeper already running")
	}
	sweeperOnce.Do(func() {
		sweeperRunning.Store(true)
		go runSweeper(ctx, paste, interval)
	})
	return nil
}

func runSweeper(ctx context.Context, paste *Paste, interval time.Duration) {
	defer sweeperRunning.Store(false)
	sweepRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, sweepRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", sweepRequestID).
		Dur("interval", interval).
		Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", sweepRequestID).
				Msg("expiry sweeper shutting down")
			return
		case <-ticker.C:
			swept, err := paste.SweepExpired(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", sweepRequestID).
					Msg("sweep failed")
			} else if swept > 0 {
				util.Info().
					Int64("swept", swept).
					Str("request_id", sweepRequestID).
					Msg("sweep completed")
			}
		}
	}
}
