package export

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var stamp = time.UnixMilli(1700000000123)

func TestRenderText(t *testing.T) {
	name, mime, body, err := Render("txt", "plain <b>text</b>", stamp)
	if err != nil {
		t.Fatal(err)
	}
	if name != "note-1700000000123.txt" || mime != "text/plain" || string(body) != "plain <b>text</b>" {
		t.Errorf("txt = %q %q %q", name, mime, body)
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	name, mime, body, err := Render("HTML", `<script>alert("x")</script> & more`, stamp)
	if err != nil {
		t.Fatal(err)
	}
	if name != "note-1700000000123.html" || mime != "text/html" {
		t.Errorf("html meta = %q %q", name, mime)
	}
	doc := string(body)
	if strings.Contains(doc, "<script>") {
		t.Error("content not escaped")
	}
	if !strings.Contains(doc, "&lt;script&gt;") || !strings.Contains(doc, "&amp; more") {
		t.Errorf("escaped content missing: %s", doc)
	}
	if !strings.HasPrefix(doc, "<!DOCTYPE html>") {
		t.Error("not a full document")
	}
}

func TestRenderMarkdown(t *testing.T) {
	_, mime, body, err := Render("md", "line one\nline two", stamp)
	if err != nil {
		t.Fatal(err)
	}
	want := "# Cipher Notes\n\n```\nline one\nline two\n```\n"
	if mime != "text/markdown" || string(body) != want {
		t.Errorf("md = %q", body)
	}

	_, _, body, _ = Render("md", "has ```` fence", stamp)
	if !strings.Contains(string(body), "`````\nhas ```` fence\n`````") {
		t.Errorf("fence not lengthened: %q", body)
	}
}

func TestRenderUnknown(t *testing.T) {
	if _, _, _, err := Render("pdf", "x", stamp); errors.Cause(err) != ErrUnknownFormat {
		t.Errorf("err = %v", err)
	}
}
