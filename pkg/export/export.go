// Package export renders decrypted note text as a downloadable document.
package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	FormatText     = "txt"
	FormatHTML     = "html"
	FormatMarkdown = "md"
)

var ErrUnknownFormat = errors.New("unknown export format")

var htmlDoc = template.Must(template.New("note").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Cipher Notes</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
            max-width: 800px;
            margin: 2rem auto;
            padding: 1rem;
            line-height: 1.6;
        }
        pre {
            background: #f5f5f5;
            padding: 1rem;
            border-radius: 6px;
            overflow-x: auto;
        }
    </style>
</head>
<body>
    <h1>Cipher Notes</h1>
    <pre>{{.}}</pre>
    <p><small>Downloaded from Cipher Notes</small></p>
</body>
</html>`))

// Formats lists the accepted format names.
func Formats() []string {
	return []string{FormatText, FormatHTML, FormatMarkdown}
}

// Render returns a file name, MIME type and body for content. The file name
// is stamped with now in Unix milliseconds.
func Render(format, content string, now time.Time) (string, string, []byte, error) {
	name := fmt.Sprintf("note-%d", now.UnixMilli())
	switch strings.ToLower(format) {
	case FormatText, "":
		return name + ".txt", "text/plain", []byte(content), nil
	case FormatHTML:
		var buf bytes.Buffer
		if err := htmlDoc.Execute(&buf, content); err != nil {
			return "", "", nil, errors.Wrap(err, "render html")
		}
		return name + ".html", "text/html", buf.Bytes(), nil
	case FormatMarkdown:
		fence := markdownFence(content)
		body := "# Cipher Notes\n\n" + fence + "\n" + content + "\n" + fence + "\n"
		return name + ".md", "text/markdown", []byte(body), nil
	default:
		return "", "", nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

// markdownFence is one backtick longer than the longest run in content, and
// never shorter than three.
func markdownFence(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	if longest < 3 {
		return "```"
	}
	return strings.Repeat("`", longest+1)
}
