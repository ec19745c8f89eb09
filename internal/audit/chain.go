package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// GenesisHash is the HashPrev of the first event in a log.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"

	maxEventSize = 1 << 20
)

// ErrBrokenChain reports a log whose events do not form an intact hash
// chain.
var ErrBrokenChain = errors.New("audit hash chain broken")

// digest is SHA-256 over the canonical event followed by the previous hash.
func digest(e *Event) (string, error) {
	canonical, err := e.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}
	sum := sha256.New()
	sum.Write(canonical)
	sum.Write([]byte(e.HashPrev))
	return HashPrefix + hex.EncodeToString(sum.Sum(nil)), nil
}

// seal links e to prev and stamps its hash.
func seal(e *Event, prev string) error {
	e.HashPrev = prev
	h, err := digest(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// walk checks every event of a JSONL log against its predecessor. It
// returns the hash to chain the next event to and the number of events
// verified before the first inconsistency.
func walk(r io.Reader) (string, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	prev, n := GenesisHash, 0

	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return prev, n, fmt.Errorf("line %d: %w: invalid JSON: %v", line, ErrBrokenChain, err)
		}
		if e.HashPrev != prev {
			return prev, n, fmt.Errorf("line %d: %w: links to %s, previous event is %s", line, ErrBrokenChain, e.HashPrev, prev)
		}
		want, err := digest(&e)
		if err != nil {
			return prev, n, fmt.Errorf("line %d: %w", line, err)
		}
		if e.Hash != want {
			return prev, n, fmt.Errorf("line %d: %w: content hashes to %s, recorded %s", line, ErrBrokenChain, want, e.Hash)
		}
		prev = e.Hash
		n++
	}
	if err := scanner.Err(); err != nil {
		return prev, n, fmt.Errorf("failed to read audit log: %w", err)
	}
	return prev, n, nil
}

// Verify walks the hash chain of the log at path. It returns the number
// of events verified before the first inconsistency.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()
	_, n, err := walk(f)
	return n, err
}
