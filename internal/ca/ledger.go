package ca

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// Status is the ledger status of a certificate.
type Status string

const (
	StatusValid   Status = "V"
	StatusRevoked Status = "R"
	StatusExpired Status = "E"
)

// Record is one certificate known to a CA.
type Record struct {
	CommonName  string
	Status      Status
	Serial      string // uppercase hex as written in the ledger
	NotAfter    time.Time
	RevokedAt   time.Time // zero unless revoked
	NotBefore   time.Time // zero unless the certificate file was found
	Subject     map[string]string
	RawSubject  string
	Fingerprint string // empty unless the certificate file was found
	File        string // certificate file matched in pass 2
}

// Inspector reads certificate details. toolchain.Toolchain implements it.
type Inspector interface {
	Inspect(ctx context.Context, crt string) (*toolchain.CertInfo, error)
}

// ParseSubject parses a slash-form subject ("/C=NL/O=Example/CN=host").
// A segment without "=" belongs to the previous value, which lets values
// contain a slash.
func ParseSubject(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("invalid subject %q: must start with /", raw)
	}

	subject := make(map[string]string)
	last := ""
	for _, part := range strings.Split(raw[1:], "/") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if last == "" {
				return nil, fmt.Errorf("invalid subject %q: field %q has no value", raw, part)
			}
			subject[last] += "/" + part
			continue
		}
		if key == "" {
			return nil, fmt.Errorf("invalid subject %q: empty attribute name", raw)
		}
		subject[key] = value
		last = key
	}
	return subject, nil
}

// ParseLedgerLine parses one tab-separated ledger line:
// status, expiry, revocation date, serial, file name, subject.
func ParseLedgerLine(line string) (*Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) != 6 {
		return nil, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}

	status := Status(fields[0])
	switch status {
	case StatusValid, StatusRevoked, StatusExpired:
	default:
		return nil, fmt.Errorf("unknown status %q", fields[0])
	}

	notAfter, err := toolchain.ParseIndexTime(fields[1])
	if err != nil {
		return nil, err
	}
	var revokedAt time.Time
	if fields[2] != "" {
		if revokedAt, err = toolchain.ParseIndexTime(fields[2]); err != nil {
			return nil, err
		}
	}
	if status == StatusRevoked && revokedAt.IsZero() {
		return nil, errors.New("revoked entry without revocation date")
	}

	serial := strings.ToUpper(fields[3])
	if !hexStem.MatchString(serial) {
		return nil, fmt.Errorf("invalid serial %q", fields[3])
	}

	subject, err := ParseSubject(fields[5])
	if err != nil {
		return nil, err
	}
	cn := subject["CN"]
	if cn == "" {
		return nil, fmt.Errorf("subject %q has no CN", fields[5])
	}

	return &Record{
		CommonName: cn,
		Status:     status,
		Serial:     serial,
		NotAfter:   notAfter,
		RevokedAt:  revokedAt,
		Subject:    subject,
		RawSubject: fields[5],
	}, nil
}

// hexStem matches serial-named certificate files.
var hexStem = regexp.MustCompile(`^[0-9A-F]+$`)

// Ledger is the reconciled view of a CA's issued certificates.
type Ledger struct {
	byCN map[string][]*Record
	byFP map[string]*Record
	n    int
}

// Reconcile merges the ledger file with the serial-named certificate
// files in certsDir.
//
// Pass 1 parses every ledger line; malformed lines are skipped with a
// warning. Pass 2 inspects every certificate file whose stem is an
// uppercase hex serial and enriches the ledger record with the same
// common name and serial. Files without a ledger record are ignored.
func Reconcile(ctx context.Context, ledgerPath, certsDir string, inspector Inspector, logger zerolog.Logger) (*Ledger, error) {
	f, err := os.Open(ledgerPath)
	if err != nil {
		return nil, preconditionError("reconcile", ledgerPath, ErrNotExist)
	}
	defer f.Close()

	l := &Ledger{
		byCN: make(map[string][]*Record),
		byFP: make(map[string]*Record),
	}

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseLedgerLine(line)
		if err != nil {
			logger.Warn().Str("ledger", ledgerPath).Int("line", lineNum).Err(err).Msg("skipping malformed ledger line")
			continue
		}
		l.byCN[rec.CommonName] = append(l.byCN[rec.CommonName], rec)
		l.n++
	}
	if err := scanner.Err(); err != nil {
		return nil, preconditionError("reconcile", ledgerPath, err)
	}

	entries, err := os.ReadDir(certsDir)
	if err != nil {
		return nil, preconditionError("reconcile", certsDir, ErrNotExist)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		stem, ok := strings.CutSuffix(name, ".pem")
		if entry.IsDir() || !ok || !hexStem.MatchString(stem) {
			continue
		}

		path := filepath.Join(certsDir, name)
		info, err := inspector.Inspect(ctx, path)
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("skipping unreadable certificate")
			continue
		}
		subject, err := ParseSubject(info.Subject)
		if err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("skipping certificate with unparsable subject")
			continue
		}

		matched := false
		for _, rec := range l.byCN[subject["CN"]] {
			if sameSerial(rec.Serial, info.Serial) {
				rec.Fingerprint = info.Fingerprint
				rec.NotBefore = info.NotBefore
				rec.File = path
				l.byFP[info.Fingerprint] = rec
				matched = true
			}
		}
		if !matched {
			logger.Debug().Str("path", path).Msg("ignoring certificate without ledger entry")
		}
	}
	return l, nil
}

func sameSerial(a, b string) bool {
	x, ok1 := new(big.Int).SetString(a, 16)
	y, ok2 := new(big.Int).SetString(b, 16)
	return ok1 && ok2 && x.Cmp(y) == 0
}

// Len returns the number of ledger records.
func (l *Ledger) Len() int { return l.n }

// CommonNames returns every common name in the ledger, sorted.
func (l *Ledger) CommonNames() []string {
	names := make([]string, 0, len(l.byCN))
	for cn := range l.byCN {
		names = append(names, cn)
	}
	sort.Strings(names)
	return names
}

// Records returns the records for cn in ledger order.
func (l *Ledger) Records(cn string) []Record {
	recs := make([]Record, 0, len(l.byCN[cn]))
	for _, r := range l.byCN[cn] {
		recs = append(recs, *r)
	}
	return recs
}

// Current returns the valid record for cn with the latest NotBefore. Among
// equal NotBefore values the later ledger entry wins.
func (l *Ledger) Current(cn string) (Record, bool) {
	var best *Record
	for _, r := range l.byCN[cn] {
		if r.Status != StatusValid {
			continue
		}
		if best == nil || !r.NotBefore.Before(best.NotBefore) {
			best = r
		}
	}
	if best == nil {
		return Record{}, false
	}
	return *best, true
}

// HasFingerprint reports whether a certificate with fingerprint fp was
// issued by this CA and is still present in its certificate store.
func (l *Ledger) HasFingerprint(fp string) bool {
	_, ok := l.byFP[strings.ToUpper(fp)]
	return ok
}

// ByFingerprint returns the record of the certificate with fingerprint fp.
func (l *Ledger) ByFingerprint(fp string) (Record, bool) {
	r, ok := l.byFP[strings.ToUpper(fp)]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
