package ca

import "path/filepath"

// Directories created under every CA base directory.
var layoutDirs = []string{"certs", "cfg", "crl", "csr", "db", "private"}

// Layout resolves the paths of a CA directory tree:
//
//	{base}/
//	  ├── certs/   {name}.pem, {name}-bundle.pem, {SERIAL}.pem copies
//	  ├── cfg/     {name}.cfg and per-server request configurations
//	  ├── crl/     {name}.crl
//	  ├── csr/     {name}.csr and received requests
//	  ├── db/      {name}.db ledger, {name}.db.attr, {name}-crt.idx, {name}-crl.idx
//	  └── private/ {name}.key
type Layout struct {
	Base string
	Name string
}

// NewLayout returns the layout of CA name inside workspace.
func NewLayout(workspace, name string) Layout {
	return Layout{Base: filepath.Join(workspace, name), Name: name}
}

// at returns a copy of l rooted at base. Setup uses it to render paths
// for the final location while building in a temporary one.
func (l Layout) at(base string) Layout {
	return Layout{Base: base, Name: l.Name}
}

func (l Layout) CertsDir() string { return filepath.Join(l.Base, "certs") }
func (l Layout) ConfigDir() string { return filepath.Join(l.Base, "cfg") }
func (l Layout) CRLDir() string   { return filepath.Join(l.Base, "crl") }
func (l Layout) CSRDir() string   { return filepath.Join(l.Base, "csr") }
func (l Layout) DBDir() string    { return filepath.Join(l.Base, "db") }
func (l Layout) KeyDir() string   { return filepath.Join(l.Base, "private") }

// Config is the CA's own toolchain configuration.
func (l Layout) Config() string { return l.ConfigFor(l.Name) }

// ConfigFor is the request configuration rendered for name.
func (l Layout) ConfigFor(name string) string {
	return filepath.Join(l.ConfigDir(), name+".cfg")
}

func (l Layout) CSR() string  { return l.CSRFor(l.Name) }
func (l Layout) Key() string  { return l.KeyFor(l.Name) }
func (l Layout) Cert() string { return l.CertFor(l.Name) }

func (l Layout) CSRFor(name string) string  { return filepath.Join(l.CSRDir(), name+".csr") }
func (l Layout) KeyFor(name string) string  { return filepath.Join(l.KeyDir(), name+".key") }
func (l Layout) CertFor(name string) string { return filepath.Join(l.CertsDir(), name+".pem") }

func (l Layout) Bundle() string    { return filepath.Join(l.CertsDir(), l.Name+"-bundle.pem") }
func (l Layout) CRL() string       { return filepath.Join(l.CRLDir(), l.Name+".crl") }
func (l Layout) DB() string        { return filepath.Join(l.DBDir(), l.Name+".db") }
func (l Layout) DBAttr() string    { return l.DB() + ".attr" }
func (l Layout) CertIndex() string { return filepath.Join(l.DBDir(), l.Name+"-crt.idx") }
func (l Layout) CRLIndex() string  { return filepath.Join(l.DBDir(), l.Name+"-crl.idx") }

// templateData returns the path keys every configuration template can use.
func (l Layout) templateData() map[string]any {
	return map[string]any{
		"name":     l.Name,
		"basedir":  l.Base,
		"certsdir": l.CertsDir(),
		"cfg":      l.Config(),
		"csr":      l.CSR(),
		"crl":      l.CRL(),
		"key":      l.Key(),
		"crt":      l.Cert(),
		"bundle":   l.Bundle(),
		"db":       l.DB(),
		"db_attr":  l.DBAttr(),
		"crt_idx":  l.CertIndex(),
		"crl_idx":  l.CRLIndex(),
	}
}
