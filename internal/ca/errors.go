package ca

import (
	"errors"
	"fmt"
)

// Kind classifies why a CA operation failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPrecondition covers missing inputs and artifacts that already exist.
	KindPrecondition
	// KindExternalTool covers toolchain failures, timeouts and missing output.
	KindExternalTool
	// KindValidation covers rejected input: bad fqdn, bad days, wrong CA type.
	KindValidation
	// KindConfiguration covers missing or unrenderable templates and settings.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindExternalTool:
		return "external-tool"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error represents a CA operation error with structured context.
// It supports errors.Is() and errors.As().
type Error struct {
	Kind Kind
	Op   string // "setup", "genkey", "selfsign", "sign", "revoke", "updatecrl", ...
	Path string // file or directory involved, if any
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("ca %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("ca %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var caErr *Error
	if errors.As(err, &caErr) {
		return caErr.Kind
	}
	return KindUnknown
}

func preconditionError(op, path string, err error) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Path: path, Err: err}
}

func toolError(op, path string, err error) *Error {
	return &Error{Kind: KindExternalTool, Op: op, Path: path, Err: err}
}

func validationError(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func configError(op, path string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Path: path, Err: err}
}

// Sentinel errors for CA operations.
var (
	// ErrExists indicates an artifact or directory that must not exist yet.
	ErrExists = errors.New("already exists")

	// ErrNotExist indicates a required input is missing.
	ErrNotExist = errors.New("does not exist")

	// ErrWrongType indicates an operation not allowed for this CA type.
	ErrWrongType = errors.New("operation not allowed for this CA type")

	// ErrPasswordRequired indicates a root or intermediary key operation
	// without a password file.
	ErrPasswordRequired = errors.New("password file required")

	// ErrValidation is the root of every autosign rejection.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidDays indicates a non-positive validity period.
	ErrInvalidDays = errors.New("days must be a positive integer")

	// ErrInvalidFQDN indicates a server name with fewer than 2 or more than
	// 3 labels, or invalid characters.
	ErrInvalidFQDN = errors.New("invalid fqdn")

	// ErrNotActive indicates an operation that needs the CA certificate
	// before it exists.
	ErrNotActive = errors.New("CA is not active")
)
