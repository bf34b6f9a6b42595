package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ciphernotes/cfg"
	"ciphernotes/svc/api"
	"ciphernotes/svc/db"
	"ciphernotes/svc/lim"
	"ciphernotes/svc/svc"
)

func newServer(t *testing.T) string {
	t.Helper()
	c := &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		MaxPasteSize:   cfg.MaxContentSize,
		MaxExpiry:      720 * time.Hour,
		SessionTTL:     24 * time.Hour,
		ContextTimeout: 5 * time.Second,
	}
	paste := svc.NewPaste(db.NewMemory(), nil, nil, c)
	t.Cleanup(paste.Shutdown)
	limiter := lim.New(100000, 10000, 100000, nil, nil)
	t.Cleanup(limiter.Stop)
	ts := httptest.NewServer(api.NewServer(c, paste, limiter, api.NewSessions(nil, c.SessionTTL, false), nil, nil))
	t.Cleanup(ts.Close)
	return ts.URL
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--quiet"))
	err := root.Execute()
	return out.String(), err
}

func TestCLILifecycle(t *testing.T) {
	server := newServer(t)
	dir := t.TempDir()
	owner := []string{"--server", server, "--session-file", filepath.Join(dir, "owner")}
	other := []string{"--server", server, "--session-file", filepath.Join(dir, "other")}

	out, err := run(t, "first draft", append([]string{"create"}, owner...)...)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := strings.TrimSpace(out)
	if !strings.HasPrefix(ref, server+"/#") {
		t.Fatalf("unexpected ref %q", ref)
	}

	out, err = run(t, "", append([]string{"get", ref}, other...)...)
	if err != nil || out != "first draft" {
		t.Fatalf("get by other = %q, %v", out, err)
	}

	if _, err := run(t, "hijack", append([]string{"update", ref}, other...)...); err == nil || !strings.Contains(err.Error(), "does not own") {
		t.Fatalf("update by other: %v", err)
	}
	if _, err := run(t, "second draft", append([]string{"update", ref}, owner...)...); err != nil {
		t.Fatalf("update by owner: %v", err)
	}
	out, _ = run(t, "", append([]string{"get", ref}, other...)...)
	if out != "second draft" {
		t.Errorf("after update got %q", out)
	}

	if _, err := run(t, "", append([]string{"delete", ref}, owner...)...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, "", append([]string{"get", ref}, owner...)...); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestCLIExport(t *testing.T) {
	server := newServer(t)
	dir := t.TempDir()
	flags := []string{"--server", server, "--session-file", filepath.Join(dir, "s")}

	out, err := run(t, "<b>hi</b>", append([]string{"create"}, flags...)...)
	if err != nil {
		t.Fatal(err)
	}
	ref := strings.TrimSpace(out)
	target := filepath.Join(dir, "note.html")
	if _, err := run(t, "", append([]string{"get", ref, "--format", "html", "--out", target}, flags...)...); err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "&lt;b&gt;hi&lt;/b&gt;") {
		t.Errorf("html export not escaped: %s", body)
	}
	if _, err := run(t, "", append([]string{"get", ref, "--format", "pdf"}, flags...)...); err == nil {
		t.Error("expected unknown format error")
	}
}

func TestLoadSessionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session")
	first, err := loadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := loadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Errorf("session not persisted: %q vs %q", first, second)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session file mode = %v", info.Mode().Perm())
	}
}

func TestCreateRejectsEmptyInput(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "", "create", "--server", "http://127.0.0.1:1", "--session-file", filepath.Join(dir, "s"))
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty note error, got %v", err)
	}
}
