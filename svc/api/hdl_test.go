package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/geekychris/secure-paste/cfg"
	"github.com/geekychris/secure-paste/pkg/domain"
	"github.com/geekychris/secure-paste/svc/auth"
	"github.com/geekychris/secure-paste/svc/cache"
	"github.com/geekychris/secure-paste/svc/db"
	"github.com/geekychris/secure-paste/svc/lim"
	"github.com/geekychris/secure-paste/svc/svc"
)

func testServerCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:            "0",
		Environment:     "test",
		LogLevel:        "error",
		LRUCacheSize:    100,
		MaxContentSize:  1_000_000,
		ContextTimeout:  30 * time.Second,
		DefaultPageSize: 20,
		MaxPageSize:     100,
		RateLimit:       cfg.RateLimitCfg{RPM: 1_000_000, Burst: 100_000},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	c := testServerCfg()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second, c.MaxPageSize)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	hasher, err := auth.NewHasher(1, 8*1024, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(store, lru, nil, hasher, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, nil, nil)
	t.Cleanup(limiter.Stop)
	return NewServer(c, pasteSvc, limiter, store, nil)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) domain.PasteView {
	t.Helper()
	var view domain.PasteView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	return view
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrResp {
	t.Helper()
	var resp domain.ErrResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func createPaste(t *testing.T, srv *Server, req CreateReq) domain.PasteView {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/pastes", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decodeView(t, rec)
}

func TestCreatePasteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	view := createPaste(t, srv, CreateReq{Title: "hello", Content: "world"})
	if view.ID == "" {
		t.Fatal("no id in response")
	}
	if view.Visibility != domain.VisibilityPublic {
		t.Errorf("visibility = %s, want PUBLIC", view.Visibility)
	}
	if view.ViewCount != 0 {
		t.Errorf("view count = %d, want 0", view.ViewCount)
	}
}

func TestCreatePasteValidation(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/pastes", CreateReq{Content: "no title"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeErr(t, rec)
	if resp.Error.Code != "VALIDATION_ERROR" || resp.Error.Field != "title" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestCreatePasteRequiresJSONContentType(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/pastes", bytes.NewReader([]byte("title=x")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestCreatePasteRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/pastes", map[string]any{
		"title": "x", "content": "y", "is_deleted": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetPasteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, CreateReq{Title: "hello", Content: "world"})

	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.ViewCount != 1 {
		t.Errorf("view count = %d, want 1", view.ViewCount)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/unknown0000", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
	if resp := decodeErr(t, rec); resp.Error.Code != "PASTE_NOT_FOUND" {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

func TestGetProtectedPaste(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, CreateReq{Title: "t", Content: "c", Password: "pw"})

	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no password status = %d, want 403", rec.Code)
	}
	if resp := decodeErr(t, rec); resp.Error.Code != "ACCESS_DENIED" {
		t.Errorf("code = %q", resp.Error.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID+"?password=wrong", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong password status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID+"?password=pw", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query password status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/pastes/"+created.ID, nil)
	req.Header.Set("X-Paste-Password", "pw")
	hdr := httptest.NewRecorder()
	srv.ServeHTTP(hdr, req)
	if hdr.Code != http.StatusOK {
		t.Fatalf("header password status = %d", hdr.Code)
	}
}

func TestUpdatePasteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, CreateReq{Title: "before", Content: "body"})

	newTitle := "after"
	rec := doJSON(t, srv, http.MethodPut, "/api/pastes/"+created.ID, UpdateReq{Title: &newTitle})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	view := decodeView(t, rec)
	if view.Title != "after" {
		t.Errorf("title = %q", view.Title)
	}
	if view.Content != "body" {
		t.Errorf("content changed: %q", view.Content)
	}

	rec = doJSON(t, srv, http.MethodPut, "/api/pastes/unknown0000", UpdateReq{Title: &newTitle})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestDeletePasteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, CreateReq{Title: "t", Content: "c"})

	rec := doJSON(t, srv, http.MethodDelete, "/api/pastes/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted paste status = %d, want 404", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, "/api/pastes/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d, want 404", rec.Code)
	}
}

func TestListEndpoints(t *testing.T) {
	srv := newTestServer(t)
	lang := "go"
	createPaste(t, srv, CreateReq{Title: "pub", Content: "c", Language: &lang})
	createPaste(t, srv, CreateReq{Title: "priv", Content: "c", Visibility: "PRIVATE"})

	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/public", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public status = %d", rec.Code)
	}
	var page domain.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 1 {
		t.Errorf("public total = %d, want 1", page.TotalItems)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/language/go", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("language status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 1 {
		t.Errorf("language total = %d, want 1", page.TotalItems)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/recent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recent status = %d", rec.Code)
	}
}

func TestSearchEndpointRequiresTerm(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/search", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeErr(t, rec)
	if resp.Error.Field != "q" {
		t.Errorf("field = %q, want q", resp.Error.Field)
	}

	createPaste(t, srv, CreateReq{Title: "needle in here", Content: "c"})
	rec = doJSON(t, srv, http.MethodGet, "/api/pastes/search?q=NEEDLE", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search status = %d", rec.Code)
	}
	var page domain.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.TotalItems != 1 {
		t.Errorf("search total = %d, want 1", page.TotalItems)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createPaste(t, srv, CreateReq{Title: "t", Content: "c"})
	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats domain.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalPastes != 1 {
		t.Errorf("total pastes = %d, want 1", stats.TotalPastes)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ready ReadyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if !ready.Ready || ready.Database != "up" {
		t.Errorf("ready = %+v", ready)
	}
	if ready.Cache != "unavailable" {
		t.Errorf("cache = %q, want unavailable without redis", ready.Cache)
	}
}

func TestResponseNeverLeaksSecretHash(t *testing.T) {
	srv := newTestServer(t)
	created := createPaste(t, srv, CreateReq{Title: "t", Content: "c", Password: "pw"})
	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/"+created.ID+"?password=pw", nil)
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"secret_hash", "author_email", "is_deleted"} {
		if _, present := raw[k]; present {
			t.Errorf("response leaks %q", k)
		}
	}
	if prot, ok := raw["password_protected"].(bool); !ok || !prot {
		t.Error("password_protected flag missing")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/pastes/public", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}
