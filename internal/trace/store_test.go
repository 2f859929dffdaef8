package trace_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"worktower/internal/trace"
)

func TestOpenFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := trace.Open("file://"+dir, "trace-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got, want := store.URI(), "file://"+dir+"/trace-1/"; got != want {
		t.Fatalf("uri %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(dir, "trace-1")); err != nil {
		t.Fatalf("run directory not created: %v", err)
	}
}

func TestOpenRejectsUnknownSchemes(t *testing.T) {
	var unsupported *trace.ErrUnsupportedScheme
	if _, err := trace.Open("s3://bucket/traces", "trace-1"); !errors.As(err, &unsupported) {
		t.Fatalf("s3 is reserved, expected unsupported scheme, got %v", err)
	}
	if _, err := trace.Open("gopher://hole", "trace-1"); !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported scheme, got %v", err)
	}
	if _, err := trace.Open("/no/scheme", "trace-1"); err == nil {
		t.Fatalf("a root without a scheme must error")
	}
}

func TestFileStoreWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	store, err := trace.Open("file://"+dir, "trace-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.WriteText("artifacts/notes.txt", "hello"); err != nil {
		t.Fatalf("write text: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trace-1", "artifacts", "notes.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("read back: %q %v", data, err)
	}

	if err := store.WriteJSON(trace.ManifestFile, map[string]string{"task_id": "t1"}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "trace-1", trace.ManifestFile))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil || manifest["task_id"] != "t1" {
		t.Fatalf("manifest content: %q %v", raw, err)
	}
}

func TestFileStoreAppendEvent(t *testing.T) {
	dir := t.TempDir()
	store, err := trace.Open("file://"+dir, "trace-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := store.(*trace.FileStore)
	fs.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	if err := fs.AppendEvent(map[string]any{"event": "claimed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := fs.AppendEvent(map[string]any{"event": "completed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trace-1", trace.EventLogFile))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0]["event"] != "claimed" || events[1]["event"] != "completed" {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0]["ts"] != "2024-01-01T00:00:00Z" {
		t.Fatalf("events not stamped: %+v", events[0])
	}
}

func TestFileStoreSandboxesPaths(t *testing.T) {
	dir := t.TempDir()
	store, err := trace.Open("file://"+dir, "trace-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.WriteText("../../etc/escape.txt", "nope"); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the traversal is neutralized inside the run root
	if _, err := os.Stat(filepath.Join(dir, "trace-1", "etc", "escape.txt")); err != nil {
		t.Fatalf("path not confined to run root: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err == nil {
		for _, e := range entries {
			if strings.Contains(e.Name(), "escape") {
				t.Fatalf("file escaped the run root")
			}
		}
	}
}

func TestURIFor(t *testing.T) {
	if got := trace.URIFor("file:///var/traces/", "r1"); got != "file:///var/traces/r1/" {
		t.Fatalf("uri %q", got)
	}
	if got := trace.URIFor("s3://bucket/traces", "r1"); got != "s3://bucket/traces/r1/" {
		t.Fatalf("uri %q", got)
	}
}
