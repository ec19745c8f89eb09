package ca

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

func TestU_New_Validation(t *testing.T) {
	cfg := testConfig(t)
	tc := toolchain.NewNative(time.Minute)

	tests := []struct {
		name string
		cfg  Config
		typ  Type
		tc   toolchain.Toolchain
	}{
		{"[Unit] New: unknown type", cfg, Type("leaf"), tc},
		{"[Unit] New: missing prefix", Config{Workspace: cfg.Workspace}, Root, tc},
		{"[Unit] New: missing workspace", Config{Name: "example"}, Root, tc},
		{"[Unit] New: missing toolchain", cfg, Root, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.typ, tt.tc)
			require.Error(t, err)
			assert.Equal(t, KindConfiguration, KindOf(err))
		})
	}
}

func TestU_New_NameAndLayout(t *testing.T) {
	cfg := testConfig(t)
	c := newTestCA(t, cfg, Intermediary)

	assert.Equal(t, "example-intermediary", c.Name())
	assert.Equal(t, filepath.Join(cfg.Workspace, "example-intermediary"), c.Layout().Base)
	assert.Equal(t, filepath.Join(cfg.Workspace, "example-intermediary", "db", "example-intermediary.db.attr"), c.Layout().DBAttr())
	assert.Equal(t, Uninitialized, c.State())
}

func TestU_Config_PolicyFor(t *testing.T) {
	cfg := testConfig(t)

	root := cfg.PolicyFor(Root)
	assert.Equal(t, "example root CA", root.CommonName)
	assert.Equal(t, 3650, root.Days)
	assert.Equal(t, "Operations", root.Subject.Unit)

	autosign := cfg.PolicyFor(Autosign)
	assert.Equal(t, 90, autosign.Days)
	assert.Equal(t, 7, autosign.CRLDays)
	assert.Equal(t, "Autosign", autosign.Subject.Unit)
	assert.Equal(t, "NL", autosign.Subject.Country)

	empty := Config{Name: "x"}.PolicyFor(Root)
	assert.Equal(t, defaultDays, empty.Days)
	assert.Equal(t, defaultCRLDays, empty.CRLDays)
}

func TestU_Type_Parent(t *testing.T) {
	p, ok := Autosign.Parent()
	assert.True(t, ok)
	assert.Equal(t, Intermediary, p)

	p, ok = Intermediary.Parent()
	assert.True(t, ok)
	assert.Equal(t, Root, p)

	_, ok = Root.Parent()
	assert.False(t, ok)

	_, err := ParseType("Autosign")
	assert.NoError(t, err)
	_, err = ParseType("leaf")
	assert.Error(t, err)
}

func TestU_Setup_CreatesLayout(t *testing.T) {
	c := newTestCA(t, testConfig(t), Root)
	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, DirectoryReady, c.State())

	for _, dir := range layoutDirs {
		assert.DirExists(t, filepath.Join(c.Layout().Base, dir))
	}
	for _, f := range []string{c.Layout().CertIndex(), c.Layout().CRLIndex()} {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.Equal(t, "01\n", string(data))
	}
	for _, f := range []string{c.Layout().DB(), c.Layout().DBAttr()} {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	}

	cfgData, err := os.ReadFile(c.Layout().Config())
	require.NoError(t, err)
	cfg := string(cfgData)
	assert.Contains(t, cfg, "database = "+c.Layout().DB())
	assert.Contains(t, cfg, "serial = "+c.Layout().CertIndex())
	assert.Contains(t, cfg, "commonName = example root CA")
	assert.Contains(t, cfg, "pathlen:1")
	assert.Contains(t, cfg, "URI:http://pki.example.com/example-root.crl")

	entries, err := os.ReadDir(filepath.Dir(c.Layout().Base))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), "-setup-"), "temporary directory %s left behind", e.Name())
	}
}

func TestU_Setup_ExistingBasedir(t *testing.T) {
	c := newTestCA(t, testConfig(t), Root)
	require.NoError(t, os.MkdirAll(c.Layout().Base, 0o755))

	err := c.Setup(context.Background())
	require.ErrorIs(t, err, ErrExists)
	assert.Equal(t, KindPrecondition, KindOf(err))
}

func TestU_Setup_MissingTemplate(t *testing.T) {
	cfg := testConfig(t)
	c, err := New(cfg, Root, toolchain.NewNative(time.Minute), WithTemplates(NewTemplates(fstest.MapFS{})))
	require.NoError(t, err)

	err = c.Setup(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.Equal(t, Uninitialized, c.State())

	// Retrying with working templates succeeds.
	c = newTestCA(t, cfg, Root)
	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, DirectoryReady, c.State())
}

func TestU_Setup_MissingTemplateKey(t *testing.T) {
	fsys := fstest.MapFS{rootTemplate: {Data: []byte("name = {{.name}}\nfoo = {{.undefined_key}}\n")}}
	c, err := New(testConfig(t), Root, toolchain.NewNative(time.Minute), WithTemplates(NewTemplates(fsys)))
	require.NoError(t, err)

	err = c.Setup(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
	assert.NoDirExists(t, c.Layout().Base)
}

func TestU_Setup_Concurrent(t *testing.T) {
	cfg := testConfig(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := New(cfg, Autosign, toolchain.NewNative(time.Minute))
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.Setup(context.Background())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrExists)
	}
	assert.Equal(t, 1, succeeded)
}

func TestU_GenKey_Preconditions(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	t.Run("[Unit] GenKey: missing configuration", func(t *testing.T) {
		c := newTestCA(t, cfg, Autosign)
		err := c.GenKey(ctx, filepath.Join(cfg.Workspace, "none.cfg"), "x", "")
		assert.ErrorIs(t, err, ErrNotExist)
		assert.Equal(t, KindPrecondition, KindOf(err))
	})

	t.Run("[Unit] GenKey: root needs a password file", func(t *testing.T) {
		noPass := cfg
		noPass.Types = map[Type]TypeConfig{}
		c := newTestCA(t, noPass, Root)
		require.NoError(t, c.Setup(ctx))
		err := c.GenKey(ctx, c.Layout().Config(), c.Name(), "")
		assert.ErrorIs(t, err, ErrPasswordRequired)
		assert.NoFileExists(t, c.Layout().Key())
	})

	t.Run("[Unit] GenKey: missing password file", func(t *testing.T) {
		c := newTestCA(t, cfg, Intermediary)
		require.NoError(t, c.Setup(ctx))
		err := c.GenKey(ctx, c.Layout().Config(), c.Name(), filepath.Join(cfg.Workspace, "nope"))
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("[Unit] GenKey: key already exists", func(t *testing.T) {
		c := newTestCA(t, cfg, Autosign)
		require.NoError(t, c.Setup(ctx))
		require.NoError(t, c.GenKey(ctx, c.Layout().Config(), c.Name(), ""))
		assert.FileExists(t, c.Layout().CSR())

		err := c.GenKey(ctx, c.Layout().Config(), c.Name(), "")
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("[Unit] GenKey: path in name", func(t *testing.T) {
		c := newTestCA(t, cfg, Autosign)
		err := c.GenKey(ctx, c.Layout().Config(), "../escape", "")
		assert.Equal(t, KindValidation, KindOf(err))
	})
}

func TestU_SelfSign_OnlyRoot(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	for _, typ := range []Type{Intermediary, Autosign} {
		c := newTestCA(t, cfg, typ)
		err := c.SelfSign(ctx, c.Name(), cfg.PasswordFile(Root))
		assert.ErrorIs(t, err, ErrWrongType)
		assert.Equal(t, KindValidation, KindOf(err))

		err = c.InitCA(ctx, cfg.PasswordFile(Root))
		assert.ErrorIs(t, err, ErrWrongType)
	}
}

func TestU_InitCA_Root(t *testing.T) {
	c := newTestCA(t, testConfig(t), Root)
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))
	require.NoError(t, c.InitCA(ctx, ""))
	assert.Equal(t, Active, c.State())

	cert := readCert(t, c.Layout().Cert())
	assert.True(t, cert.IsCA)
	assert.Equal(t, "example root CA", cert.Subject.CommonName)
	assert.Equal(t, []string{"Operations"}, cert.Subject.OrganizationalUnit)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 3650), cert.NotAfter, time.Minute)

	// A second self-sign must not overwrite the certificate.
	err := c.SelfSign(ctx, c.Name(), "")
	assert.ErrorIs(t, err, ErrExists)

	l, err := c.Ledger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())
	rec, ok := l.Current("example root CA")
	require.True(t, ok)
	assert.Equal(t, toolchain.Fingerprint(cert.Raw), rec.Fingerprint)
}

func TestU_SignIntermediary_Preconditions(t *testing.T) {
	h := newTestHierarchy(t)
	root := h.CA(Root)
	ctx := context.Background()
	csr := h.CA(Intermediary).Layout().CSR()

	err := root.SignIntermediary(ctx, csr, root.Layout().CertFor("other"), "", 0)
	assert.ErrorIs(t, err, ErrInvalidDays)
	assert.Equal(t, KindValidation, KindOf(err))

	err = root.SignIntermediary(ctx, csr, root.Layout().CertFor("example-intermediary"), "", 30)
	assert.ErrorIs(t, err, ErrExists)

	err = root.SignIntermediary(ctx, filepath.Join(root.Layout().CSRDir(), "missing.csr"), root.Layout().CertFor("other"), "", 30)
	assert.ErrorIs(t, err, ErrNotExist)

	// The parent never writes into another CA's tree.
	err = root.SignIntermediary(ctx, csr, filepath.Join(h.CA(Intermediary).Layout().CertsDir(), "x.pem"), "", 30)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestU_SignIntermediary_RequiresActiveParent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	root := newTestCA(t, cfg, Root)
	require.NoError(t, root.Setup(ctx))

	err := root.SignIntermediary(ctx, root.Layout().Config(), root.Layout().CertFor("x"), "", 30)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestU_Sign_Preconditions(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)
	ctx := context.Background()

	err := autosign.Sign(ctx, "missing.example.com")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.Equal(t, KindPrecondition, KindOf(err))

	_, err = autosign.WriteCSR("host.example.com", newCSR(t, "host.example.com", autosign.Policy().Subject))
	require.NoError(t, err)
	require.NoError(t, autosign.Sign(ctx, "host.example.com"))

	err = autosign.Sign(ctx, "host.example.com")
	assert.ErrorIs(t, err, ErrExists)
}

func TestU_GenerateServerConfig(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)

	for _, fqdn := range []string{"localhost", "a.b.c.d", "", "host..com"} {
		_, err := autosign.GenerateServerConfig(fqdn)
		assert.ErrorIs(t, err, ErrInvalidFQDN, fqdn)
		assert.Equal(t, KindValidation, KindOf(err), fqdn)
	}

	path, err := autosign.GenerateServerConfig("host.example.com")
	require.NoError(t, err)
	assert.Equal(t, autosign.Layout().ConfigFor("host.example.com"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "commonName = host.example.com")
	assert.Contains(t, string(data), "subjectAltName = DNS:host.example.com,DNS:host")
	assert.Contains(t, string(data), "organizationalUnitName = Autosign")

	_, err = autosign.GenerateServerConfig("web.example")
	assert.NoError(t, err)
}

func TestU_WriteCSR(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)

	_, err := autosign.WriteCSR("host.example.com", []byte("not a csr"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(err))

	csr := newCSR(t, "host.example.com", autosign.Policy().Subject)
	path, err := autosign.WriteCSR("host.example.com", csr)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, csr, data)

	_, err = autosign.WriteCSR("host.example.com", csr)
	assert.ErrorIs(t, err, ErrExists)
}

func TestU_UpdateCRL_PasswordRule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Types = map[Type]TypeConfig{}
	c := newTestCA(t, cfg, Intermediary)

	err := c.UpdateCRL(context.Background(), "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
}

func TestU_UpdateBundle_Missing(t *testing.T) {
	h := newTestHierarchy(t)
	cfg := testConfig(t)
	orphan := newTestCA(t, cfg, Intermediary)

	err := orphan.UpdateBundle(h.CA(Root))
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestU_Artifacts(t *testing.T) {
	h := newTestHierarchy(t)
	root := h.CA(Root)

	crt, err := root.Certificate()
	require.NoError(t, err)
	assert.Contains(t, string(crt), "BEGIN CERTIFICATE")

	crl, err := root.CRL()
	require.NoError(t, err)
	assert.Contains(t, string(crl), "BEGIN X509 CRL")

	bundle, err := root.Bundle()
	require.NoError(t, err)
	assert.Equal(t, crt, bundle)

	missing := newTestCA(t, testConfig(t), Root)
	_, err = missing.Certificate()
	assert.True(t, errors.Is(err, ErrNotExist))
}

func TestU_ErrorFormatting(t *testing.T) {
	err := preconditionError("sign", "/pki/csr/x.csr", ErrNotExist)
	assert.Equal(t, "ca sign /pki/csr/x.csr: does not exist", err.Error())
	assert.Equal(t, "precondition", KindOf(err).String())

	wrapped := errors.Join(errors.New("context"), validationError("issue", ErrWrongType))
	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
