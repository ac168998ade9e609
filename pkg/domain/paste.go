package domain

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLen          = 200
	MaxContentBytes      = 1_000_000
	MaxLanguageLen       = 50
	MaxAuthorNameLen     = 100
	MaxAuthorEmailLen    = 200
	MaxPasswordLen       = 100
	MinExpirationMinutes = 1
	MaxExpirationMinutes = 525600
)

type Visibility string

const (
	VisibilityPublic   Visibility = "PUBLIC"
	VisibilityUnlisted Visibility = "UNLISTED"
	VisibilityPrivate  Visibility = "PRIVATE"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// Paste is the stored record. Optional fields are pointers: nil means absent,
// never a sentinel value. SecretHash stays internal; callers get PasteView.
type Paste struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Language    *string    `json:"language,omitempty"`
	AuthorName  *string    `json:"author_name,omitempty"`
	AuthorEmail *string    `json:"author_email,omitempty"`
	Visibility  Visibility `json:"visibility"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	SecretHash  string     `json:"secret_hash,omitempty"`
	ViewCount   int64      `json:"view_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	IsDeleted   bool       `json:"is_deleted"`
}

// IsExpired and IsDeleted are independent predicates; every read boundary
// combines them with OR so the window between expiry and sweep stays visible.
func (p *Paste) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *Paste) PasswordProtected() bool {
	return p.SecretHash != ""
}

// PasteView is the public projection. It never carries the secret hash, the
// author email, or the soft-delete flag.
type PasteView struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Content           string     `json:"content"`
	Language          *string    `json:"language,omitempty"`
	AuthorName        *string    `json:"author_name,omitempty"`
	Visibility        Visibility `json:"visibility"`
	ViewCount         int64      `json:"view_count"`
	PasswordProtected bool       `json:"password_protected"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func (p *Paste) View() *PasteView {
	return &PasteView{
		ID:                p.ID,
		Title:             p.Title,
		Content:           p.Content,
		Language:          p.Language,
		AuthorName:        p.AuthorName,
		Visibility:        p.Visibility,
		ViewCount:         p.ViewCount,
		PasswordProtected: p.PasswordProtected(),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		ExpiresAt:         p.ExpiresAt,
	}
}

type CreateParams struct {
	Title             string
	Content           string
	Language          *string
	AuthorName        *string
	AuthorEmail       *string
	Visibility        Visibility
	ExpirationMinutes *int
	Password          string
}

// Validate enforces the field bounds. The first violation wins; callers get
// a field-tagged validation error.
func (c *CreateParams) Validate() error {
	if strings.TrimSpace(c.Title) == "" {
		return NewValidationErr("title", "title is required")
	}
	if utf8.RuneCountInString(c.Title) > MaxTitleLen {
		return NewValidationErr("title", "title must not exceed 200 characters")
	}
	if c.Content == "" {
		return NewValidationErr("content", "content is required")
	}
	if len(c.Content) > MaxContentBytes {
		return NewValidationErr("content", "content must not exceed 1MB")
	}
	if c.Language != nil && utf8.RuneCountInString(*c.Language) > MaxLanguageLen {
		return NewValidationErr("language", "language must not exceed 50 characters")
	}
	if c.AuthorName != nil && utf8.RuneCountInString(*c.AuthorName) > MaxAuthorNameLen {
		return NewValidationErr("author_name", "author name must not exceed 100 characters")
	}
	if c.AuthorEmail != nil && *c.AuthorEmail != "" {
		if utf8.RuneCountInString(*c.AuthorEmail) > MaxAuthorEmailLen {
			return NewValidationErr("author_email", "email must not exceed 200 characters")
		}
		if _, err := mail.ParseAddress(*c.AuthorEmail); err != nil {
			return NewValidationErr("author_email", "invalid email format")
		}
	}
	if c.Visibility != "" && !c.Visibility.Valid() {
		return NewValidationErr("visibility", "visibility must be PUBLIC, UNLISTED or PRIVATE")
	}
	if c.ExpirationMinutes != nil {
		if *c.ExpirationMinutes < MinExpirationMinutes {
			return NewValidationErr("expiration_minutes", "expiration must be at least 1 minute")
		}
		if *c.ExpirationMinutes > MaxExpirationMinutes {
			return NewValidationErr("expiration_minutes", "expiration must not exceed 1 year (525600 minutes)")
		}
	}
	if utf8.RuneCountInString(c.Password) > MaxPasswordLen {
		return NewValidationErr("password", "password must not exceed 100 characters")
	}
	return nil
}

// UpdateParams carries a partial mutation. nil or blank fields are no-ops,
// not clearing operations. Secret and expiration are immutable after create.
type UpdateParams struct {
	Title      *string
	Content    *string
	Language   *string
	Visibility Visibility
}

func (u *UpdateParams) Validate() error {
	if u.Title != nil && utf8.RuneCountInString(*u.Title) > MaxTitleLen {
		return NewValidationErr("title", "title must not exceed 200 characters")
	}
	if u.Content != nil && len(*u.Content) > MaxContentBytes {
		return NewValidationErr("content", "content must not exceed 1MB")
	}
	if u.Language != nil && utf8.RuneCountInString(*u.Language) > MaxLanguageLen {
		return NewValidationErr("language", "language must not exceed 50 characters")
	}
	if u.Visibility != "" && !u.Visibility.Valid() {
		return NewValidationErr("visibility", "visibility must be PUBLIC, UNLISTED or PRIVATE")
	}
	return nil
}

type Page struct {
	Items      []*PasteView `json:"items"`
	Page       int          `json:"page"`
	Size       int          `json:"size"`
	TotalItems int64        `json:"total_items"`
	TotalPages int64        `json:"total_pages"`
}

type LanguageCount struct {
	Language string `json:"language"`
	Count    int64  `json:"count"`
}

type Stats struct {
	TotalPastes      int64           `json:"total_pastes"`
	PublicPastes     int64           `json:"public_pastes"`
	TotalViews       int64           `json:"total_views"`
	PopularLanguages []LanguageCount `json:"popular_languages"`
}
