package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	event := NewEvent(EventCertIssued, ResultSuccess)

	if event.EventType != EventCertIssued {
		t.Errorf("expected EventType=%s, got %s", EventCertIssued, event.EventType)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected Result=%s, got %s", ResultSuccess, event.Result)
	}
	if event.Timestamp == "" {
		t.Error("Timestamp should not be empty")
	}
	if event.Actor.Type != "user" {
		t.Errorf("expected Actor.Type=user, got %s", event.Actor.Type)
	}
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:    "[Unit] Validate: valid event",
			event:   NewEvent(EventCertIssued, ResultSuccess),
			wantErr: false,
		},
		{
			name: "[Unit] Validate: missing event_type",
			event: &Event{
				Timestamp: "2024-01-15T10:00:00Z",
				Actor:     Actor{Type: "user", ID: "admin"},
				Result:    ResultSuccess,
			},
			wantErr: true,
		},
		{
			name: "[Unit] Validate: missing actor id",
			event: &Event{
				EventType: EventAuthFailed,
				Timestamp: "2024-01-15T10:00:00Z",
				Actor:     Actor{Type: "service"},
				Result:    ResultFailure,
			},
			wantErr: true,
		},
		{
			name: "[Unit] Validate: missing result",
			event: &Event{
				EventType: EventCertIssued,
				Timestamp: "2024-01-15T10:00:00Z",
				Actor:     Actor{Type: "user", ID: "admin"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_Event_CanonicalJSON(t *testing.T) {
	event := NewEvent(EventCertIssued, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: "01"})
	event.HashPrev = GenesisHash
	event.Hash = "sha256:ignored"

	canonical, err := event.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(canonical), `"hash":`) {
		t.Error("CanonicalJSON should not contain hash field")
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(canonical, &parsed); err != nil {
		t.Errorf("CanonicalJSON produced invalid JSON: %v", err)
	}
}

// =============================================================================
// FileWriter Tests
// =============================================================================

func TestU_FileWriter_Write(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	writer, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = writer.Close() }()

	event1 := NewEvent(EventCACreated, ResultSuccess).
		WithObject(Object{Type: "ca", Path: "/pki/example-root"})
	if err := writer.Write(event1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event1.HashPrev != GenesisHash {
		t.Errorf("first event HashPrev = %s, want %s", event1.HashPrev, GenesisHash)
	}
	if !strings.HasPrefix(event1.Hash, HashPrefix) {
		t.Errorf("Hash = %s, want prefix %s", event1.Hash, HashPrefix)
	}

	event2 := NewEvent(EventCertIssued, ResultSuccess)
	if err := writer.Write(event2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event2.HashPrev != event1.Hash {
		t.Errorf("second event HashPrev = %s, want %s", event2.HashPrev, event1.Hash)
	}
	if writer.LastHash() != event2.Hash {
		t.Errorf("LastHash() = %s, want %s", writer.LastHash(), event2.Hash)
	}
	if writer.Path() != logPath {
		t.Errorf("Path() = %s, want %s", writer.Path(), logPath)
	}
}

func TestU_FileWriter_Append(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	w1, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	event := NewEvent(EventCertIssued, ResultSuccess)
	if err := w1.Write(event); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w1.Close()

	w2, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() reopen error = %v", err)
	}
	defer func() { _ = w2.Close() }()

	if w2.LastHash() != event.Hash {
		t.Errorf("reopened LastHash() = %s, want %s", w2.LastHash(), event.Hash)
	}
	if w2.Events() != 1 {
		t.Errorf("reopened Events() = %d, want 1", w2.Events())
	}
	if err := w2.Write(NewEvent(EventCertRevoked, ResultSuccess)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	count, err := Verify(logPath)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Verify() count = %d, want 2", count)
	}
}

func TestU_FileWriter_WriteAfterClose(t *testing.T) {
	writer, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := writer.Write(NewEvent(EventCertIssued, ResultSuccess)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestU_FileWriter_InvalidPath(t *testing.T) {
	if _, err := NewFileWriter(filepath.Join(t.TempDir(), "missing", "audit.jsonl")); err == nil {
		t.Error("NewFileWriter() should fail for a missing directory")
	}
}

func TestU_FileWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	writer, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = writer.Write(NewEvent(EventCertIssued, ResultSuccess))
		}()
	}
	wg.Wait()
	_ = writer.Close()

	count, err := Verify(logPath)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if count != 20 {
		t.Errorf("Verify() count = %d, want 20", count)
	}
}

// =============================================================================
// Verify Tests
// =============================================================================

func TestU_Verify_EmptyLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(logPath, nil, 0600); err != nil {
		t.Fatal(err)
	}
	count, err := Verify(logPath)
	if err != nil || count != 0 {
		t.Errorf("Verify() = %d, %v; want 0, nil", count, err)
	}
}

func TestU_Verify_Tampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	writer, _ := NewFileWriter(logPath)
	for i := 0; i < 3; i++ {
		_ = writer.Write(NewEvent(EventCertIssued, ResultSuccess))
	}
	_ = writer.Close()

	data, _ := os.ReadFile(logPath)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	var event Event
	_ = json.Unmarshal([]byte(lines[1]), &event)
	event.Object.Serial = "TAMPERED"
	tampered, _ := event.JSON()
	lines[1] = string(tampered)
	_ = os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	count, err := Verify(logPath)
	if !errors.Is(err, ErrBrokenChain) {
		t.Errorf("Verify() error = %v, want ErrBrokenChain", err)
	}
	if count != 1 {
		t.Errorf("Verify() count = %d, want 1 (events before tampering)", count)
	}
}

func TestU_FileWriter_RefusesBrokenLog(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(lines []string) []string
	}{
		{"[Unit] Reopen: edited event", func(lines []string) []string {
			lines[0] = strings.Replace(lines[0], `"result":"success"`, `"result":"failure"`, 1)
			return lines
		}},
		{"[Unit] Reopen: dropped event", func(lines []string) []string {
			return append(lines[:1], lines[2:]...)
		}},
		{"[Unit] Reopen: garbage line", func(lines []string) []string {
			return append(lines, "not json")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logPath := filepath.Join(t.TempDir(), "audit.jsonl")
			writer, err := NewFileWriter(logPath)
			if err != nil {
				t.Fatalf("NewFileWriter() error = %v", err)
			}
			for i := 0; i < 3; i++ {
				if err := writer.Write(NewEvent(EventCertIssued, ResultSuccess)); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}
			_ = writer.Close()

			data, _ := os.ReadFile(logPath)
			lines := tt.mangle(strings.Split(strings.TrimSpace(string(data)), "\n"))
			if err := os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := NewFileWriter(logPath); !errors.Is(err, ErrBrokenChain) {
				t.Errorf("NewFileWriter() error = %v, want ErrBrokenChain", err)
			}
		})
	}
}

// =============================================================================
// Writer and Recorder Tests
// =============================================================================

type memWriter struct {
	events []*Event
	err    error
}

func (m *memWriter) Write(e *Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}
func (m *memWriter) Close() error     { return nil }
func (m *memWriter) LastHash() string { return GenesisHash }

func TestU_NopWriter_Write(t *testing.T) {
	var w NopWriter
	if err := w.Write(NewEvent(EventCertIssued, ResultSuccess)); err != nil {
		t.Errorf("NopWriter.Write() error = %v", err)
	}
	if w.LastHash() != GenesisHash {
		t.Errorf("NopWriter.LastHash() = %s", w.LastHash())
	}
}

func TestU_Recorder_Events(t *testing.T) {
	w := &memWriter{}
	r := NewRecorder(w)

	steps := []func() error{
		func() error { return r.CACreated("example-root", "/pki/example-root", true) },
		func() error { return r.CAInitialized("example-root", "/CN=Example Root CA", "01") },
		func() error { return r.CertIssued("example-autosign", "02", "/CN=host.example.com") },
		func() error { return r.CertRevoked("example-autosign", "02", "/CN=host.example.com") },
		func() error { return r.CRLGenerated("example-autosign", "/pki/example-autosign/crl/example-autosign.crl") },
		func() error { return r.TokenIssued("host.example.com", "192.0.2.10") },
		func() error { return r.AuthFailed("host.example.com", "", "token", "token mismatch") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("recorder error = %v", err)
		}
	}

	want := []EventType{
		EventCACreated, EventCAInitialized, EventCertIssued, EventCertRevoked,
		EventCRLGenerated, EventTokenIssued, EventAuthFailed,
	}
	if len(w.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(w.events), len(want))
	}
	for i, typ := range want {
		if w.events[i].EventType != typ {
			t.Errorf("event %d = %s, want %s", i, w.events[i].EventType, typ)
		}
	}

	failed := w.events[len(w.events)-1]
	if failed.Result != ResultFailure || failed.Context.Stage != "token" || failed.Actor.ID != "unknown" {
		t.Errorf("unexpected AUTH_FAILED event: %+v", failed)
	}
}

func TestU_Recorder_NilSafe(t *testing.T) {
	var r *Recorder
	if err := r.CertIssued("ca", "01", "/CN=x"); err != nil {
		t.Errorf("nil Recorder should discard events, got %v", err)
	}
	if err := NewRecorder(nil).CRLGenerated("ca", "crl"); err != nil {
		t.Errorf("Recorder without writer should discard events, got %v", err)
	}
}

func TestU_Recorder_WriteFailure(t *testing.T) {
	r := NewRecorder(&memWriter{err: errors.New("disk full")})
	err := r.CertIssued("ca", "01", "/CN=x")
	if err == nil || !strings.Contains(err.Error(), "audit log failed") {
		t.Errorf("CertIssued() error = %v, want audit failure", err)
	}
}
