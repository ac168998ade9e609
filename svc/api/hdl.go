package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"github.com/geekychris/secure-paste/cfg"
	"github.com/geekychris/secure-paste/pkg/domain"
	"github.com/geekychris/secure-paste/svc/svc"
	"github.com/geekychris/secure-paste/svc/util"
)

// request body cap: content limit plus JSON envelope headroom
const requestOverhead = 64 * 1024

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Title             string  `json:"title"`
	Content           string  `json:"content"`
	Language          *string `json:"language,omitempty"`
	AuthorName        *string `json:"author_name,omitempty"`
	AuthorEmail       *string `json:"author_email,omitempty"`
	Visibility        string  `json:"visibility,omitempty"`
	ExpirationMinutes *int    `json:"expiration_minutes,omitempty"`
	Password          string  `json:"password,omitempty"`
}

type UpdateReq struct {
	Title      *string `json:"title,omitempty"`
	Content    *string `json:"content,omitempty"`
	Language   *string `json:"language,omitempty"`
	Visibility string  `json:"visibility,omitempty"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	params := domain.CreateParams{
		Title:             sanitize(req.Title),
		Content:           sanitize(req.Content),
		Language:          sanitizeOpt(req.Language),
		AuthorName:        sanitizeOpt(req.AuthorName),
		AuthorEmail:       sanitizeOpt(req.AuthorEmail),
		Visibility:        domain.Visibility(req.Visibility),
		ExpirationMinutes: req.ExpirationMinutes,
		Password:          req.Password,
	}
	view, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.IsValidation(err) {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", view.ID).
		Str("visibility", string(view.Visibility)).
		Bool("password_protected", view.PasswordProtected).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	password := r.URL.Query().Get("password")
	if password == "" {
		password = r.Header.Get("X-Paste-Password")
	}
	view, err := h.paste.Get(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, domain.ErrAccessDenied) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		} else {
			log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Int64("views", view.ViewCount).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) UpdatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	var req UpdateReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	params := domain.UpdateParams{
		Title:      sanitizeOpt(req.Title),
		Content:    sanitizeOpt(req.Content),
		Language:   sanitizeOpt(req.Language),
		Visibility: domain.Visibility(req.Visibility),
	}
	view, err := h.paste.Update(r.Context(), id, params)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("update failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste updated")
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.paste.Delete(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Hdl) ListPublic(w http.ResponseWriter, r *http.Request) {
	page, size := h.pageParams(r)
	h.writePage(w, r, func() (*domain.Page, error) {
		return h.paste.ListPublic(r.Context(), page, size)
	})
}

func (h *Hdl) SearchPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	if term == "" {
		writeErr(w, domain.NewValidationErr("q", "search term is required"), requestID)
		return
	}
	page, size := h.pageParams(r)
	h.writePage(w, r, func() (*domain.Page, error) {
		return h.paste.Search(r.Context(), term, page, size)
	})
}

func (h *Hdl) ListByLanguage(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")
	page, size := h.pageParams(r)
	h.writePage(w, r, func() (*domain.Page, error) {
		return h.paste.ListByLanguage(r.Context(), language, page, size)
	})
}

func (h *Hdl) ListRecent(w http.ResponseWriter, r *http.Request) {
	page, size := h.pageParams(r)
	h.writePage(w, r, func() (*domain.Page, error) {
		return h.paste.ListRecent(r.Context(), page, size)
	})
}

func (h *Hdl) GetStatistics(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	stats, err := h.paste.Statistics(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("statistics failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

func (h *Hdl) writePage(w http.ResponseWriter, r *http.Request, list func() (*domain.Page, error)) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	result, err := list()
	if err != nil {
		log.Error().Err(err).Str("url", r.URL.String()).Msg("list failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (h *Hdl) pageParams(r *http.Request) (int, int) {
	page := 0
	size := h.cfg.DefaultPageSize
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	return page, size
}

func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxContentSize+requestOverhead)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request body")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		resp = domain.ToResp(domain.ErrInternalServer)
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// sanitize normalizes to NFC and strips control characters other than
// newline, carriage return and tab. Content is stored verbatim otherwise.
func sanitize(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

func sanitizeOpt(s *string) *string {
	if s == nil {
		return nil
	}
	out := sanitize(*s)
	return &out
}
