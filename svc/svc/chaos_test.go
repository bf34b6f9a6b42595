package svc

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"ciphernotes/pkg/domain"
	"ciphernotes/svc/cache"
	"ciphernotes/svc/db"
)

func TestDatabaseFailure(t *testing.T) {
	sqlDB, err := db.NewSQLite(filepath.Join(t.TempDir(), "chaos.db"))
	if err != nil {
		t.Fatal(err)
	}
	lru, _ := cache.NewLRU(100)
	p := NewPaste(sqlDB, lru, nil, testCfg())
	defer p.Shutdown()
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: envelope, Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	lru.Delete(created.ID)
	sqlDB.Close()

	if _, err := p.Create(ctx, domain.CreateParams{Content: envelope}); err == nil {
		t.Error("create succeeded on a closed database")
	}
	if _, err := p.Read(ctx, created.ID, "bob"); err == nil {
		t.Error("read succeeded on a closed database")
	}
	if err := p.Delete(ctx, created.ID, "alice"); err == nil {
		t.Error("delete succeeded on a closed database")
	}
	if _, err := p.Count(ctx); err == nil {
		t.Error("count succeeded on a closed database")
	}
}

func TestConcurrentDeleteSamePaste(t *testing.T) {
	p, _, _ := newTestPaste(t, true)
	ctx := context.Background()
	created, err := p.Create(ctx, domain.CreateParams{Content: envelope, Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var ok, notFound, other int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Delete(ctx, created.ID, "alice")
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, domain.ErrPasteNotFound):
				atomic.AddInt64(&notFound, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || notFound != 19 || other != 0 {
		t.Errorf("deletes: %d ok, %d not found, %d other", ok, notFound, other)
	}
}

func TestConcurrentReadUpdate(t *testing.T) {
	p, _, _ := newTestPaste(t, true)
	ctx := context.Background()
	created, err := p.Create(ctx, domain.CreateParams{Content: "v0", Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	versions := map[string]bool{"v0": true, "v1": true, "v2": true, "v3": true}

	var wg sync.WaitGroup
	var bad int64
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			if err := p.Update(ctx, created.ID, v, "alice"); err != nil {
				atomic.AddInt64(&bad, 1)
			}
		}("v" + string(rune('0'+i)))
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Read(ctx, created.ID, "bob")
			if err != nil || !versions[res.Content] {
				atomic.AddInt64(&bad, 1)
			}
		}()
	}
	wg.Wait()
	if bad != 0 {
		t.Errorf("%d operations failed or saw a torn value", bad)
	}
}

func TestNoDeadlockReadDelete(t *testing.T) {
	p, _, _ := newTestPaste(t, true)
	ctx := context.Background()
	created, err := p.Create(ctx, domain.CreateParams{Content: envelope, Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				p.Read(ctx, created.ID, "bob")
			}()
			go func() {
				defer wg.Done()
				p.Delete(ctx, created.ID, "alice")
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("read/delete mix did not finish in 10s")
	}
}

func TestShutdownStopsSweeper(t *testing.T) {
	before := runtime.NumGoroutine()
	p := NewPaste(db.NewMemory(), nil, nil, testCfg())
	p.StartSweeper(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	p.Shutdown()
	p.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("goroutines: %d before, %d after shutdown", before, n)
	}
}
