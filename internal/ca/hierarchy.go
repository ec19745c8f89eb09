package ca

import (
	"context"
	"fmt"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// Hierarchy holds the root, intermediary and autosign CAs of one PKI and
// mediates signing between a parent and its child.
type Hierarchy struct {
	cas map[Type]*CA
}

// NewHierarchy constructs the three CAs described by cfg.
func NewHierarchy(cfg Config, tc toolchain.Toolchain, opts ...Option) (*Hierarchy, error) {
	h := &Hierarchy{cas: make(map[Type]*CA, len(Types))}
	for _, t := range Types {
		c, err := New(cfg, t, tc, opts...)
		if err != nil {
			return nil, err
		}
		h.cas[t] = c
	}
	return h, nil
}

// CA returns the CA of type t.
func (h *Hierarchy) CA(t Type) *CA {
	return h.cas[t]
}

// Parent returns the CA that signs c, or false for the root.
func (h *Hierarchy) Parent(c *CA) (*CA, bool) {
	pt, ok := c.Type().Parent()
	if !ok {
		return nil, false
	}
	return h.cas[pt], true
}

// SignChild has child's parent sign child's CSR into the parent's own
// certificate directory, then installs the certificate in child and
// rebuilds child's bundle. passFile unlocks the parent key.
func (h *Hierarchy) SignChild(ctx context.Context, child *CA, passFile string) error {
	const op = "sign-child"
	parent, ok := h.Parent(child)
	if !ok {
		return child.fail(validationError(op, fmt.Errorf("%s CA has no parent: %w", child.Type(), ErrWrongType)))
	}
	if h.cas[child.Type()] != child {
		return child.fail(validationError(op, fmt.Errorf("%s is not part of this hierarchy: %w", child.Name(), ErrWrongType)))
	}

	out := parent.Layout().CertFor(child.Name())
	if err := parent.SignIntermediary(ctx, child.Layout().CSR(), out, passFile, child.Policy().Days); err != nil {
		return err
	}
	if err := child.InstallCertificate(ctx, out); err != nil {
		return err
	}
	return child.UpdateBundle(parent)
}

// Init brings every CA of the hierarchy to Active, skipping steps already
// done: set up directories, initialize the root, then generate a key for
// each child and have its parent sign it. Every CA finishes with a fresh
// bundle and CRL.
func (h *Hierarchy) Init(ctx context.Context) error {
	for _, t := range Types {
		c := h.cas[t]
		if c.State() == Uninitialized {
			if err := c.Setup(ctx); err != nil {
				return err
			}
		}
		if c.State() == Active {
			continue
		}

		if t == Root {
			if err := c.InitCA(ctx, ""); err != nil {
				return err
			}
			if err := c.UpdateBundle(nil); err != nil {
				return err
			}
		} else {
			if !exists(c.Layout().Key()) {
				if err := c.GenKey(ctx, c.Layout().Config(), c.Name(), ""); err != nil {
					return err
				}
			}
			parent, _ := h.Parent(c)
			if err := h.SignChild(ctx, c, parent.PasswordFile()); err != nil {
				return err
			}
		}

		if err := c.UpdateCRL(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}
