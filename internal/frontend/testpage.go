// Package frontend serves the HTML page every browser session opens.
package frontend

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"

	"github.com/webtestrunner/devserver/internal/transport"
)

//go:embed templates/testpage.html
var templates embed.FS

// PageData is what the page template is rendered with.
type PageData struct {
	Title           string
	FrameworkImport string
	SessionID       string
}

// TestPage is a transport plugin serving the test page at "/". The page
// loads the configured test framework, which then talks to the server
// through the /wtr/ command namespace.
type TestPage struct {
	frameworkImport string
	tmpl            *template.Template
}

// NewTestPage parses the page template. When htmlFile is set it replaces
// the built-in page and is rendered with the same PageData.
func NewTestPage(frameworkImport, htmlFile string) (*TestPage, error) {
	var (
		tmpl *template.Template
		err  error
	)
	if htmlFile != "" {
		var data []byte
		data, err = os.ReadFile(htmlFile)
		if err != nil {
			return nil, fmt.Errorf("read test page %s: %w", htmlFile, err)
		}
		tmpl, err = template.New(htmlFile).Parse(string(data))
	} else {
		tmpl, err = template.ParseFS(templates, "templates/testpage.html")
	}
	if err != nil {
		return nil, fmt.Errorf("parse test page: %w", err)
	}
	return &TestPage{frameworkImport: frameworkImport, tmpl: tmpl}, nil
}

func (p *TestPage) Serve(r *http.Request) (*transport.Content, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return nil, false
	}
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		return nil, false
	}

	var buf bytes.Buffer
	err := p.tmpl.Execute(&buf, PageData{
		Title:           "Web Test Runner",
		FrameworkImport: p.frameworkImport,
		SessionID:       r.URL.Query().Get("wtr-session-id"),
	})
	if err != nil {
		return &transport.Content{
			Status:      http.StatusInternalServerError,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(err.Error()),
		}, true
	}
	return &transport.Content{ContentType: "text/html; charset=utf-8", Body: buf.Bytes()}, true
}
