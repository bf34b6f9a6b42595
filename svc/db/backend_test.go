package db

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ciphernotes/pkg/domain"
)

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Redis)(nil)
	_ Backend = (*Mongo)(nil)
	_ Backend = (*Dynamo)(nil)
)

var dbCounter int64

func createTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	n := atomic.AddInt64(&dbCounter, 1)
	s, err := NewSQLiteWithConfig(fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", n), 4, 4, time.Second)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	s.padLookups = false
	t.Cleanup(func() { s.Close() })
	return s
}

func newPaste(id string, expires *time.Time) *domain.Paste {
	return &domain.Paste{
		ID:        id,
		Content:   "q83vEjRWeJq83vESNFZ4mrzeASNFZ4mrzQ==",
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()).UTC(),
		ExpiresAt: expires,
		Owner:     "owner-session",
		UserAgent: "test-agent",
	}
}

// runBackendContract exercises the behavior every backend must share.
func runBackendContract(t *testing.T, b Backend) {
	ctx := context.Background()

	t.Run("InsertGet", func(t *testing.T) {
		p := newPaste("contract-insert", nil)
		p.AutoDelete = true
		if err := b.Insert(ctx, p); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := b.Get(ctx, p.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Content != p.Content || got.Owner != p.Owner || !got.AutoDelete {
			t.Errorf("record mismatch: %+v", got)
		}
		if !got.CreatedAt.Equal(p.CreatedAt) {
			t.Errorf("created_at %v != %v", got.CreatedAt, p.CreatedAt)
		}
		if got.ExpiresAt != nil || got.UpdatedAt != nil {
			t.Errorf("unexpected optional times: %+v", got)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		p := newPaste("contract-dup", nil)
		if err := b.Insert(ctx, p); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := b.Insert(ctx, p); !domain.Is(err, domain.ErrDuplicateID) {
			t.Errorf("expected ErrDuplicateID, got %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := b.Get(ctx, "contract-missing"); !domain.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("expected ErrPasteNotFound, got %v", err)
		}
		ok, err := b.Exists(ctx, "contract-missing")
		if err != nil || ok {
			t.Errorf("Exists(missing) = %v, %v", ok, err)
		}
		if err := b.UpdateContent(ctx, "contract-missing", "x", time.Now()); !domain.Is(err, domain.ErrPasteNotFound) {
			t.Errorf("UpdateContent(missing) = %v", err)
		}
		deleted, err := b.Delete(ctx, "contract-missing")
		if err != nil || deleted {
			t.Errorf("Delete(missing) = %v, %v", deleted, err)
		}
	})

	t.Run("UpdateContent", func(t *testing.T) {
		exp := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli()).UTC()
		p := newPaste("contract-update", &exp)
		if err := b.Insert(ctx, p); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		at := time.UnixMilli(time.Now().UnixMilli()).UTC()
		if err := b.UpdateContent(ctx, p.ID, "bmV3IGNvbnRlbnQ=", at); err != nil {
			t.Fatalf("UpdateContent: %v", err)
		}
		got, err := b.Get(ctx, p.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Content != "bmV3IGNvbnRlbnQ=" {
			t.Errorf("content not replaced: %q", got.Content)
		}
		if got.UpdatedAt == nil || !got.UpdatedAt.Equal(at) {
			t.Errorf("updated_at = %v, want %v", got.UpdatedAt, at)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
			t.Errorf("expiry changed by update: %v", got.ExpiresAt)
		}
		for _, ts := range []*time.Time{&got.CreatedAt, got.UpdatedAt, got.ExpiresAt} {
			if ts != nil && ts.Location() != time.UTC {
				t.Errorf("time not in UTC: %v", ts)
			}
		}
		if got.Owner != p.Owner || !got.CreatedAt.Equal(p.CreatedAt) {
			t.Errorf("immutable fields changed: %+v", got)
		}
	})

	t.Run("DeleteOnce", func(t *testing.T) {
		p := newPaste("contract-delete", nil)
		if err := b.Insert(ctx, p); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := b.Delete(ctx, p.ID)
				if err != nil {
					t.Errorf("Delete: %v", err)
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one successful delete, got %d", wins)
		}
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		past := time.Now().Add(-time.Minute)
		future := time.Now().Add(time.Hour)
		if err := b.Insert(ctx, newPaste("contract-old", &past)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := b.Insert(ctx, newPaste("contract-young", &future)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := b.DeleteExpired(ctx, time.Now()); err != nil {
			t.Fatalf("DeleteExpired: %v", err)
		}
		if ok, _ := b.Exists(ctx, "contract-old"); ok {
			t.Error("expired record survived the sweep")
		}
		if ok, _ := b.Exists(ctx, "contract-young"); !ok {
			t.Error("live record removed by the sweep")
		}
	})

	t.Run("CountSkipsExpired", func(t *testing.T) {
		before, err := b.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		past := time.Now().Add(-time.Minute)
		future := time.Now().Add(time.Hour)
		if err := b.Insert(ctx, newPaste("contract-count-stale", &past)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := b.Insert(ctx, newPaste("contract-count-live", &future)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		after, err := b.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if after != before+1 {
			t.Errorf("Count = %d, want %d", after, before+1)
		}
	})

	t.Run("CountPing", func(t *testing.T) {
		n, err := b.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n < 1 {
			t.Errorf("Count = %d", n)
		}
		if err := b.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}

func TestMemoryBackend(t *testing.T) {
	runBackendContract(t, NewMemory())
}

func TestSQLiteBackend(t *testing.T) {
	runBackendContract(t, createTestSQLite(t))
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Insert(ctx, newPaste("copy", nil)); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, "copy")
	got.Content = "mutated"
	again, _ := m.Get(ctx, "copy")
	if again.Content == "mutated" {
		t.Error("Get exposes internal state")
	}
}

func TestSQLiteBatchedCleanup(t *testing.T) {
	s := createTestSQLite(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	for i := 0; i < cleanupBatch*2+7; i++ {
		if err := s.Insert(ctx, newPaste(fmt.Sprintf("old-%d", i), &past)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	n, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != cleanupBatch*2+7 {
		t.Errorf("deleted %d, want %d", n, cleanupBatch*2+7)
	}
	if c, _ := s.Count(ctx); c != 0 {
		t.Errorf("Count after cleanup = %d", c)
	}
}

func TestSQLiteCircuitBreaker(t *testing.T) {
	s := createTestSQLite(t)
	for i := 0; i < maxFailures; i++ {
		s.recordError(fmt.Errorf("disk I/O error"))
	}
	if err := s.checkCircuit(); err != ErrCircuitOpen {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if _, err := s.Get(context.Background(), "x"); err != ErrCircuitOpen {
		t.Errorf("Get through open circuit = %v", err)
	}
	s.circuitOpened = time.Now().Add(-cooldownSeconds * time.Second).Unix()
	if err := s.checkCircuit(); err != nil {
		t.Fatalf("expected half-open after cooldown, got %v", err)
	}
	s.recordError(nil)
	if s.circuitState != circuitClosed {
		t.Error("success did not close the circuit")
	}
}

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable":   "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"pgx5://u@h/db": "pgx5://u@h/db",
	}
	for in, want := range cases {
		if got := migrationURL(in); got != want {
			t.Errorf("migrationURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDynamoItemMapping(t *testing.T) {
	exp := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli()).UTC()
	p := newPaste("dyn", &exp)
	p.AutoDelete = true
	item := pasteToItem(p)
	if _, ok := item["ttl"]; !ok {
		t.Fatal("ttl attribute missing")
	}
	got := itemToPaste(item)
	if got.ID != p.ID || got.Content != p.Content || !got.AutoDelete || got.Owner != p.Owner {
		t.Errorf("mapping lost fields: %+v", got)
	}
	if !got.ExpiresAt.Equal(exp) || !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("mapping lost times: %+v", got)
	}
}

func TestRedisFieldMapping(t *testing.T) {
	at := time.UnixMilli(time.Now().UnixMilli()).UTC()
	p := newPaste("rds", nil)
	p.UpdatedAt = &at
	got, err := pasteFromFields(p.ID, pasteFields(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != p.Content || got.ExpiresAt != nil || !got.UpdatedAt.Equal(at) {
		t.Errorf("mapping mismatch: %+v", got)
	}
	if _, err := pasteFromFields("x", map[string]string{"content": "a"}); err == nil {
		t.Error("expected error for record without created_at")
	}
}
