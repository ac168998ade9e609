package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/geekychris/secure-paste/pkg/domain"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
	defaultMaxPageSize  = 100
)

// SQLite is the paste store. Every query runs under its own timeout and a
// shared circuit breaker so a wedged database fails fast instead of piling
// up goroutines.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	maxPageSize   int
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout, defaultMaxPageSize)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, maxPageSize int) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if maxPageSize <= 0 {
		maxPageSize = defaultMaxPageSize
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		maxPageSize:  maxPageSize,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
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
		errors.Is(err, context.DeadlineExceeded) {
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
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT,
		author_name TEXT,
		author_email TEXT,
		visibility TEXT NOT NULL DEFAULT 'PUBLIC',
		expires_at DATETIME,
		secret_hash TEXT NOT NULL DEFAULT '',
		view_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_visibility_created ON pastes(visibility, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_pastes_language ON pastes(language);
	`
	_, err := s.db.Exec(query)
	return err
}

const pasteColumns = `id, title, content, language, author_name, author_email,
	visibility, expires_at, secret_hash, view_count, created_at, updated_at, is_deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p           domain.Paste
		language    sql.NullString
		authorName  sql.NullString
		authorEmail sql.NullString
		expiresAt   sql.NullTime
		visibility  string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Content, &language, &authorName, &authorEmail,
		&visibility, &expiresAt, &p.SecretHash, &p.ViewCount, &p.CreatedAt, &p.UpdatedAt, &p.IsDeleted)
	if err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(visibility)
	if language.Valid {
		p.Language = &language.String
	}
	if authorName.Valid {
		p.AuthorName = &authorName.String
	}
	if authorEmail.Valid {
		p.AuthorEmail = &authorEmail.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return &p, nil
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Save inserts a new record or fully updates the mutable fields of an
// existing one. Immutable columns (secret, expiry, created_at) and the
// view counter are never rewritten from an in-memory copy.
func (s *SQLite) Save(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (` + pasteColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		language = excluded.language,
		author_name = excluded.author_name,
		author_email = excluded.author_email,
		visibility = excluded.visibility,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Title, p.Content, nullStr(p.Language), nullStr(p.AuthorName), nullStr(p.AuthorEmail),
		string(p.Visibility), nullTime(p.ExpiresAt), p.SecretHash, p.ViewCount, p.CreatedAt, p.UpdatedAt, p.IsDeleted,
	)
	s.recordError(err)
	return errors.Wrap(err, "db save")
}

// FindActiveByID returns a non-deleted record. Expiry is deliberately not
// filtered here; the caller re-evaluates it on every read.
func (s *SQLite) FindActiveByID(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE id = ? AND is_deleted = 0`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db find by id")
	}
	return p, nil
}

// Exists reports whether an id was ever issued, soft-deleted rows included,
// so generated ids stay globally unique for the life of the system.
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

// IncrementViewCount bumps the counter in a single UPDATE and returns the
// new value. Counting never goes through read-modify-write in Go code.
func (s *SQLite) IncrementViewCount(ctx context.Context, id string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var count int64
	q := `UPDATE pastes SET view_count = view_count + 1 WHERE id = ? RETURNING view_count`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "incr views")
	}
	return count, nil
}

const publicActiveWhere = `is_deleted = 0 AND visibility = 'PUBLIC'
	AND (expires_at IS NULL OR expires_at > ?)`

func (s *SQLite) FindPublicActive(ctx context.Context, now time.Time, page, size int) ([]*domain.Paste, int64, error) {
	where := publicActiveWhere
	return s.listPastes(ctx, where, []any{now}, page, size)
}

func (s *SQLite) Search(ctx context.Context, term string, now time.Time, page, size int) ([]*domain.Paste, int64, error) {
	where := publicActiveWhere + `
	AND (LOWER(title) LIKE '%' || LOWER(?) || '%' OR LOWER(content) LIKE '%' || LOWER(?) || '%')`
	return s.listPastes(ctx, where, []any{now, term, term}, page, size)
}

func (s *SQLite) FindByLanguageActive(ctx context.Context, language string, now time.Time, page, size int) ([]*domain.Paste, int64, error) {
	where := publicActiveWhere + ` AND language IS NOT NULL AND LOWER(language) = LOWER(?)`
	return s.listPastes(ctx, where, []any{now, language}, page, size)
}

func (s *SQLite) FindRecentPublicActive(ctx context.Context, since, now time.Time, page, size int) ([]*domain.Paste, int64, error) {
	where := publicActiveWhere + ` AND created_at > ?`
	return s.listPastes(ctx, where, []any{now, since}, page, size)
}

// listPastes runs a filtered count plus a newest-first page. Page index is
// zero-based; size is clamped to [1, maxPageSize] at this boundary.
func (s *SQLite) listPastes(ctx context.Context, where string, args []any, page, size int) ([]*domain.Paste, int64, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, 0, err
	}
	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = 1
	}
	if size > s.maxPageSize {
		size = s.maxPageSize
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var total int64
	countQ := `SELECT COUNT(*) FROM pastes WHERE ` + where
	if err := s.db.QueryRowContext(queryCtx, countQ, args...).Scan(&total); err != nil {
		s.recordError(err)
		return nil, 0, errors.Wrap(err, "count pastes")
	}

	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE ` + where + `
	ORDER BY created_at DESC LIMIT ? OFFSET ?`
	pageArgs := append(append([]any{}, args...), size, page*size)
	rows, err := s.db.QueryContext(queryCtx, q, pageArgs...)
	if err != nil {
		s.recordError(err)
		return nil, 0, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()

	var pastes []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			s.recordError(err)
			return nil, 0, errors.Wrap(err, "scan paste")
		}
		pastes = append(pastes, p)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, 0, errors.Wrap(err, "iterate pastes")
	}
	s.recordError(nil)
	return pastes, total, nil
}

func (s *SQLite) CountActive(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, `is_deleted = 0`)
}

func (s *SQLite) CountPublicActive(ctx context.Context) (int64, error) {
	return s.countWhere(ctx, `is_deleted = 0 AND visibility = 'PUBLIC'`)
}

func (s *SQLite) countWhere(ctx context.Context, where string) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var n int64
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM pastes WHERE `+where).Scan(&n)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "count pastes")
	}
	return n, nil
}

func (s *SQLite) SumViewCounts(ctx context.Context) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var sum int64
	q := `SELECT COALESCE(SUM(view_count), 0) FROM pastes WHERE is_deleted = 0`
	err := s.db.QueryRowContext(queryCtx, q).Scan(&sum)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "sum view counts")
	}
	return sum, nil
}

func (s *SQLite) TopLanguages(ctx context.Context, limit int) ([]domain.LanguageCount, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT language, COUNT(*) AS cnt FROM pastes
	WHERE is_deleted = 0 AND language IS NOT NULL AND language != ''
	GROUP BY language ORDER BY cnt DESC LIMIT ?
	`
	rows, err := s.db.QueryContext(queryCtx, q, limit)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "top languages")
	}
	defer rows.Close()
	var out []domain.LanguageCount
	for rows.Next() {
		var lc domain.LanguageCount
		if err := rows.Scan(&lc.Language, &lc.Count); err != nil {
			s.recordError(err)
			return nil, errors.Wrap(err, "scan language count")
		}
		out = append(out, lc)
	}
	if err := rows.Err(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "iterate languages")
	}
	s.recordError(nil)
	return out, nil
}

// SoftDeleteExpired flips is_deleted on every past-due record in one bulk
// statement. Running it twice back to back affects zero rows the second time.
func (s *SQLite) SoftDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET is_deleted = 1
	WHERE is_deleted = 0 AND expires_at IS NOT NULL AND expires_at < ?
	`
	result, err := s.db.ExecContext(queryCtx, q, now)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "soft delete expired")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return affected, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
