package audit

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrClosed is returned when writing to a closed FileWriter.
var ErrClosed = errors.New("audit log is closed")

// FileWriter appends hash-chained events to a JSONL file, one fsynced
// line per event.
type FileWriter struct {
	path string

	mu     sync.Mutex
	f      *os.File
	head   string
	events int
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens the log at path, creating it if needed. An existing
// log is verified end to end and continued from its last event; a log
// with a broken chain is not extended.
func NewFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	head, n, err := walk(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cannot extend %s: %w", path, err)
	}
	return &FileWriter{path: path, f: f, head: head, events: n}, nil
}

// Write chains event to the log head, appends it and syncs the file.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return ErrClosed
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if err := seal(event, w.head); err != nil {
		return err
	}
	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	w.head = event.Hash
	w.events++
	return nil
}

// Close closes the log. Closing twice is a no-op.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// LastHash returns the hash of the last event in the log.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head
}

// Events returns the number of events in the log, including those found
// when it was opened.
func (w *FileWriter) Events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Path returns the file path of the audit log.
func (w *FileWriter) Path() string { return w.path }
