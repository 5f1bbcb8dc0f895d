package dist

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"text/template"
)

//go:embed assets/loader.js.tmpl
var loaderJSTemplate string

//go:embed assets/index.html.tmpl
var indexHTMLTemplate string

var (
	loaderTmpl = template.Must(template.New("loader.js").Parse(loaderJSTemplate))
	indexTmpl  = template.Must(template.New("index.html").Parse(indexHTMLTemplate))
)

type loaderData struct {
	App    string
	HasCSS bool
}

// loader writes the fixed-name entry-point script and, when the static
// assets did not ship one, an index.html wired to the artifact names.
func (p *Pipeline) loader(_ context.Context) error {
	data := loaderData{App: p.cfg.AppName, HasCSS: p.cssBuilt}

	var js bytes.Buffer
	if err := loaderTmpl.Execute(&js, data); err != nil {
		return fmt.Errorf("%w: render loader: %w", ErrIO, err)
	}
	loaderPath := p.distPath(p.cfg.AppName + ".js")
	if err := os.WriteFile(loaderPath, js.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: write loader: %w", ErrIO, err)
	}
	p.record(loaderPath)

	indexPath := p.distPath("index.html")
	if _, err := os.Stat(indexPath); err == nil {
		return nil
	}
	var html bytes.Buffer
	if err := indexTmpl.Execute(&html, data); err != nil {
		return fmt.Errorf("%w: render index.html: %w", ErrIO, err)
	}
	if err := os.WriteFile(indexPath, html.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: write index.html: %w", ErrIO, err)
	}
	p.record(indexPath)
	return nil
}
