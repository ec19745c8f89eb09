package ca

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"text/template"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

const (
	rootTemplate   = "root.cfg.tmpl"
	serverTemplate = "tls_server.cfg.tmpl"
)

// Templates renders toolchain configuration files. Every key a template
// references must be present in the render data.
type Templates struct {
	fsys fs.FS
}

// DefaultTemplates returns the templates built into the binary.
func DefaultTemplates() *Templates {
	sub, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		panic(err)
	}
	return &Templates{fsys: sub}
}

// NewTemplates returns templates read from fsys, typically os.DirFS of an
// operator-maintained directory holding root.cfg.tmpl and
// tls_server.cfg.tmpl.
func NewTemplates(fsys fs.FS) *Templates {
	return &Templates{fsys: fsys}
}

// Render executes template name with data.
func (t *Templates) Render(name string, data map[string]any) ([]byte, error) {
	src, err := fs.ReadFile(t.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, ErrNotExist)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
