package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ciphernotes/cfg"
	"ciphernotes/pkg/domain"
)

const envelope = "q83vEjRWeJq83vESNFZ4mrzeASNFZ4mrzQ=="

func TestCreateThenReadOwnership(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/api/paste", "session-a", CreateReq{Content: envelope})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created MessageResp
	decodeBody(t, rec, &created)
	if created.ID == "" || created.Message != "Paste created successfully" {
		t.Fatalf("create response = %+v", created)
	}

	rec = e.do(t, http.MethodGet, "/api/paste/"+created.ID, "session-a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d", rec.Code)
	}
	var got PasteResp
	decodeBody(t, rec, &got)
	if got.ID != created.ID || got.Content != envelope || !got.IsOwner {
		t.Errorf("owner get = %+v", got)
	}
	if got.CreatedAt == 0 || time.Since(time.UnixMilli(got.CreatedAt)) > time.Minute {
		t.Errorf("createdAt = %d", got.CreatedAt)
	}

	rec = e.do(t, http.MethodGet, "/api/paste/"+created.ID, "session-b", nil)
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || got.IsOwner || got.Content != envelope {
		t.Errorf("other get = %d %+v", rec.Code, got)
	}
}

func TestSessionCookieIssuedOnFirstContact(t *testing.T) {
	e := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader(`{"content":"`+envelope+`"}`))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie issued")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode || cookie.MaxAge != int((24*time.Hour).Seconds()) {
		t.Errorf("cookie attributes = %+v", cookie)
	}
	var created MessageResp
	decodeBody(t, rec, &created)

	get := httptest.NewRequest(http.MethodGet, "/api/paste/"+created.ID, nil)
	get.AddCookie(cookie)
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, get)
	var got PasteResp
	decodeBody(t, rec, &got)
	if !got.IsOwner {
		t.Error("cookie session not recognized as owner")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("cookie reissued to a known session")
	}
}

func TestSignedSessionCookie(t *testing.T) {
	e := newTestEnv(t, func(c *cfg.Cfg) {
		c.SessionHashKey = cfg.NewSecret("an-hmac-key-that-is-long-enough-32b")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/paste", strings.NewReader(`{"content":"`+envelope+`"}`))
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	cookie := rec.Result().Cookies()[0]
	var created MessageResp
	decodeBody(t, rec, &created)

	get := httptest.NewRequest(http.MethodGet, "/api/paste/"+created.ID, nil)
	get.AddCookie(cookie)
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, get)
	var got PasteResp
	decodeBody(t, rec, &got)
	if !got.IsOwner {
		t.Fatal("signed cookie not accepted")
	}

	forged := &http.Cookie{Name: SessionCookie, Value: cookie.Value[:len(cookie.Value)-2] + "xx"}
	get = httptest.NewRequest(http.MethodGet, "/api/paste/"+created.ID, nil)
	get.AddCookie(forged)
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, get)
	decodeBody(t, rec, &got)
	if got.IsOwner {
		t.Error("tampered cookie granted ownership")
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Error("tampered cookie not replaced with a fresh session")
	}
}

func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	cases := []struct {
		name   string
		body   interface{}
		status int
		msg    string
	}{
		{"missing content", CreateReq{}, http.StatusBadRequest, "Content is required"},
		{"empty body", "", http.StatusBadRequest, "Content is required"},
		{"malformed json", "{", http.StatusBadRequest, "Invalid request"},
		{"content over cap", CreateReq{Content: strings.Repeat("A", cfg.MaxContentSize+1)}, http.StatusRequestEntityTooLarge, "Paste exceeds 1MB limit"},
		{"body over twice the cap", `{"content":"` + strings.Repeat("A", 2*cfg.MaxContentSize+10) + `"}`, http.StatusRequestEntityTooLarge, "Paste exceeds 1MB limit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/paste", "s", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			var resp domain.ErrResp
			decodeBody(t, rec, &resp)
			if resp.Error != tc.msg || resp.RequestID == "" {
				t.Errorf("error body = %+v", resp)
			}
		})
	}
	if n, _ := e.backend.Count(context.Background()); n != 0 {
		t.Errorf("rejected creates stored %d records", n)
	}
}

func TestContentAtCapAccepted(t *testing.T) {
	e := newTestEnv(t, nil)
	createPaste(t, e, "s", CreateReq{Content: strings.Repeat("A", cfg.MaxContentSize)})
}

func TestUnknownPaste(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec := e.do(t, method, "/api/paste/doesnotexist", "s", nil)
		var resp domain.ErrResp
		decodeBody(t, rec, &resp)
		if rec.Code != http.StatusNotFound || resp.Error != "Paste not found" {
			t.Errorf("%s: %d %+v", method, rec.Code, resp)
		}
	}
	rec := e.do(t, http.MethodPut, "/api/paste/doesnotexist", "s", UpdateReq{Content: envelope})
	if rec.Code != http.StatusNotFound {
		t.Errorf("PUT: %d", rec.Code)
	}
}

func TestUpdateFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	id := createPaste(t, e, "owner", CreateReq{Content: envelope})

	rec := e.do(t, http.MethodPut, "/api/paste/"+id, "intruder", UpdateReq{Content: "bmV3"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner update: %d", rec.Code)
	}
	rec = e.do(t, http.MethodPut, "/api/paste/"+id, "intruder", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-owner empty update: %d, ownership must be checked first", rec.Code)
	}
	rec = e.do(t, http.MethodPut, "/api/paste/"+id, "owner", UpdateReq{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("owner empty update: %d", rec.Code)
	}
	rec = e.do(t, http.MethodPut, "/api/paste/"+id, "owner", UpdateReq{Content: strings.Repeat("A", cfg.MaxContentSize+1)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("owner oversized update: %d", rec.Code)
	}

	rec = e.do(t, http.MethodPut, "/api/paste/"+id, "owner", UpdateReq{Content: "bmV3"})
	var msg MessageResp
	decodeBody(t, rec, &msg)
	if rec.Code != http.StatusOK || msg.ID != id || msg.Message != "Paste updated successfully" {
		t.Fatalf("owner update: %d %+v", rec.Code, msg)
	}
	rec = e.do(t, http.MethodGet, "/api/paste/"+id, "anyone", nil)
	var got PasteResp
	decodeBody(t, rec, &got)
	if got.Content != "bmV3" {
		t.Errorf("content after update = %q", got.Content)
	}
}

func TestDeleteFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	id := createPaste(t, e, "owner", CreateReq{Content: envelope})

	if rec := e.do(t, http.MethodDelete, "/api/paste/"+id, "intruder", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner delete: %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/api/paste/"+id, "anyone", nil); rec.Code != http.StatusOK {
		t.Fatal("forbidden delete removed the paste")
	}
	rec := e.do(t, http.MethodDelete, "/api/paste/"+id, "owner", nil)
	var msg MessageResp
	decodeBody(t, rec, &msg)
	if rec.Code != http.StatusOK || msg.Message != "Paste deleted successfully" {
		t.Fatalf("owner delete: %d %+v", rec.Code, msg)
	}
	if rec := e.do(t, http.MethodGet, "/api/paste/"+id, "owner", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}
}

func TestAutoDeleteOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)
	id := createPaste(t, e, "owner", CreateReq{Content: envelope, AutoDelete: true})

	for i := 0; i < 2; i++ {
		if rec := e.do(t, http.MethodGet, "/api/paste/"+id, "viewer", nil); rec.Code != http.StatusOK {
			t.Fatalf("viewer read %d: %d", i, rec.Code)
		}
	}
	rec := e.do(t, http.MethodGet, "/api/paste/"+id, "owner", nil)
	var got PasteResp
	decodeBody(t, rec, &got)
	if rec.Code != http.StatusOK || got.Content != envelope || !got.IsOwner {
		t.Fatalf("owner read: %d %+v", rec.Code, got)
	}
	if rec := e.do(t, http.MethodGet, "/api/paste/"+id, "viewer", nil); rec.Code != http.StatusNotFound {
		t.Errorf("read after owner consumed: %d", rec.Code)
	}
}

func TestExpiryHoursField(t *testing.T) {
	e := newTestEnv(t, nil)
	id := createPaste(t, e, "s", CreateReq{Content: envelope, ExpiryHours: hoursPtr(2)})
	stored, err := e.backend.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExpiresAt == nil {
		t.Fatal("expiry not recorded")
	}
	if d := stored.ExpiresAt.Sub(stored.CreatedAt); d != 2*time.Hour {
		t.Errorf("lifetime = %v", d)
	}
	if stored.ClientIPHash == "" || strings.Contains(stored.ClientIPHash, "192.0.2.1") {
		t.Errorf("client ip hash = %q", stored.ClientIPHash)
	}
}

func hoursPtr(f float64) *Hours {
	h := Hours(f)
	return &h
}

func TestExpiryHoursAsString(t *testing.T) {
	e := newTestEnv(t, nil)
	cases := []struct {
		body     string
		lifetime time.Duration
	}{
		{`"3"`, 3 * time.Hour},
		{`" 0.5 "`, 30 * time.Minute},
		{`""`, 0},
		{`"soon"`, 0},
		{`"-4"`, 0},
		{`null`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/api/paste", "s", `{"content":"`+envelope+`","expiryHours":`+tc.body+`}`)
			if rec.Code != http.StatusCreated {
				t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
			}
			var created MessageResp
			decodeBody(t, rec, &created)
			stored, err := e.backend.Get(context.Background(), created.ID)
			if err != nil {
				t.Fatal(err)
			}
			switch {
			case tc.lifetime == 0 && stored.ExpiresAt != nil:
				t.Errorf("expiry set: %v", stored.ExpiresAt)
			case tc.lifetime > 0 && (stored.ExpiresAt == nil || stored.ExpiresAt.Sub(stored.CreatedAt) != tc.lifetime):
				t.Errorf("expiry = %v, want lifetime %v", stored.ExpiresAt, tc.lifetime)
			}
		})
	}

	rec := e.do(t, http.MethodPost, "/api/paste", "s", `{"content":"`+envelope+`","expiryHours":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("boolean expiryHours: %d", rec.Code)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/api/nope", "/api/paste/a/b", "/elsewhere"} {
		rec := e.do(t, http.MethodGet, path, "", nil)
		var resp domain.ErrResp
		decodeBody(t, rec, &resp)
		if rec.Code != http.StatusNotFound || resp.Error != "Endpoint not found" {
			t.Errorf("%s: %d %+v", path, rec.Code, resp)
		}
	}
	rec := e.do(t, http.MethodPatch, "/api/paste/abc", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("PATCH: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	createPaste(t, e, "s", CreateReq{Content: envelope})
	createPaste(t, e, "s", CreateReq{Content: envelope})

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	var resp HealthResponse
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Status != "ok" || resp.PasteCount != 2 {
		t.Fatalf("health = %d %+v", rec.Code, resp)
	}
	if _, err := time.Parse(time.RFC3339, resp.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", resp.Timestamp, err)
	}

	rec = e.do(t, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, func(c *cfg.Cfg) {
		c.RateLimit = cfg.RateLimitCfg{RPM: 600, Burst: 2, ConservativeLimit: 60}
	})
	for i := 0; i < 2; i++ {
		if rec := e.do(t, http.MethodGet, "/api/paste/x", "s", nil); rec.Code != http.StatusNotFound {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec := e.do(t, http.MethodGet, "/api/paste/x", "s", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rec := e.do(t, http.MethodPost, "/api/paste", "s", CreateReq{Content: envelope}); rec.Code != http.StatusCreated {
		t.Errorf("create throttled by read bucket: %d", rec.Code)
	}
}

func TestMetricsAuth(t *testing.T) {
	e := newTestEnv(t, func(c *cfg.Cfg) {
		c.MetricsUser = "prom"
		c.MetricsPass = cfg.NewSecret("scrape")
	})
	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated metrics: %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("prom", "scrape")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ciphernotes_") {
		t.Errorf("authenticated metrics: %d", rec.Code)
	}
}

func TestPanicBecomesGenericError(t *testing.T) {
	e := newTestEnv(t, nil)
	mw := NewMw(nil, nil, e.cfg)
	h := mw.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("backend exploded with secret detail")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") || !strings.Contains(rec.Body.String(), "Internal server error") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t, func(c *cfg.Cfg) {
		c.AllowedOrigins = []string{"https://notes.example"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/api/paste", nil)
	req.Header.Set("Origin", "https://notes.example")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://notes.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
	req = httptest.NewRequest(http.MethodOptions, "/api/paste", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin received CORS headers")
	}
}
