package views

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/incrypto/nftmarket/internal/market"
)

//go:embed *.html
var templatesFS embed.FS

const layoutName = "layout.html"

// Funcs are available to every page.
var Funcs = template.FuncMap{
	"trim":     market.TrimAddress,
	"sol":      market.FormatSOL,
	"explorer": market.ExplorerURL,
	"year":     func() int { return time.Now().Year() },
}

// Engine renders pages inside the shared layout.
type Engine struct {
	templates map[string]*template.Template
}

// New parses the layout once and clones it for every page.
func New() (*Engine, error) {
	layout, err := template.New(layoutName).Funcs(Funcs).ParseFS(templatesFS, layoutName)
	if err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	pages, err := fs.Glob(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	e := &Engine{templates: make(map[string]*template.Template, len(pages))}
	for _, file := range pages {
		if file == layoutName {
			continue
		}
		page, err := layout.Clone()
		if err == nil {
			_, err = page.ParseFS(templatesFS, file)
		}
		if err != nil {
			return nil, fmt.Errorf("page %s: %w", file, err)
		}
		e.templates[strings.TrimSuffix(file, ".html")] = page
	}

	return e, nil
}

// Render executes the named page. Unknown names are an error.
func (e *Engine) Render(w io.Writer, name string, data any) error {
	tmpl, ok := e.templates[name]
	if !ok {
		return fs.ErrNotExist
	}
	return tmpl.ExecuteTemplate(w, layoutName, data)
}

// Has reports whether a page exists.
func (e *Engine) Has(name string) bool {
	_, ok := e.templates[name]
	return ok
}
