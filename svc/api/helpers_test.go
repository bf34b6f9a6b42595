package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"ciphernotes/cfg"
	"ciphernotes/svc/cache"
	"ciphernotes/svc/db"
	"ciphernotes/svc/lim"
	"ciphernotes/svc/svc"
	"ciphernotes/svc/util"
)

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test", "../../.env.test"} {
			if abs, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(abs); err == nil {
					if err := godotenv.Load(abs); err == nil {
						return
					}
				}
			}
		}
	})
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	loadTestEnv()
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load: %v", err)
	}
	c.Port = "0"
	c.Environment = "test"
	c.StorageBackend = "memory"
	return c
}

type testEnv struct {
	srv     *Server
	cfg     *cfg.Cfg
	backend *db.Memory
}

// newTestEnv builds a full server over the memory backend. mutate runs
// before anything is wired.
func newTestEnv(t *testing.T, mutate func(*cfg.Cfg)) *testEnv {
	t.Helper()
	c := createTestConfig(t)
	if mutate != nil {
		mutate(c)
	}
	backend := db.NewMemory()
	lru, err := cache.NewLRU(100)
	if err != nil {
		t.Fatal(err)
	}
	paste := svc.NewPaste(backend, lru, nil, c)
	t.Cleanup(paste.Shutdown)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, c.TrustedProxies)
	t.Cleanup(limiter.Stop)
	hasher, err := util.NewIPHasher([]byte(c.IPHashPepper.Value()), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hasher.Stop)
	sessions := NewSessions([]byte(c.SessionHashKey.Value()), c.SessionTTL, false)
	return &testEnv{
		srv:     NewServer(c, paste, limiter, sessions, hasher, nil),
		cfg:     c,
		backend: backend,
	}
}

func (e *testEnv) do(t *testing.T, method, path, session string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatal(err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set(SessionHeader, session)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func createPaste(t *testing.T, e *testEnv, session string, req CreateReq) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/paste", session, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var resp MessageResp
	decodeBody(t, rec, &resp)
	return resp.ID
}
