// Package trace provides append-only per-run storage addressed by a URI.
// The backend is selected by URI scheme; callers never assume filesystem
// semantics.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Well-known paths inside a run's store.
const (
	ManifestFile = "manifest.json"
	EventLogFile = "events.jsonl"
	TraceLogFile = "trace.log"
	ArtifactsDir = "artifacts"
	EvidenceDir  = "evidence"
)

// Store is the per-run storage surface. All paths are relative to the
// run root; parent directories are created implicitly.
type Store interface {
	Write(rel string, data []byte) error
	WriteText(rel, text string) error
	WriteJSON(rel string, v any) error
	AppendLine(logName, line string) error
	AppendEvent(event map[string]any) error
	EnsureDir(rel string) error
	URI() string
}

// ErrUnsupportedScheme reports a root URI whose backend is not
// implemented.
type ErrUnsupportedScheme struct {
	Scheme string
}

func (e *ErrUnsupportedScheme) Error() string {
	return fmt.Sprintf("trace store scheme %q is not supported", e.Scheme)
}

// Open returns the store for one run under the given root URI.
func Open(rootURI, runID string) (Store, error) {
	scheme, rest, ok := strings.Cut(rootURI, "://")
	if !ok {
		return nil, fmt.Errorf("trace root %q has no scheme", rootURI)
	}
	switch scheme {
	case "file":
		root := filepath.Join(filepath.FromSlash(rest), runID)
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create trace root: %w", err)
		}
		return &FileStore{root: root, uri: URIFor(rootURI, runID)}, nil
	case "s3":
		// Reserved. Object-store backends plug in here without touching
		// callers.
		return nil, &ErrUnsupportedScheme{Scheme: scheme}
	default:
		return nil, &ErrUnsupportedScheme{Scheme: scheme}
	}
}

// URIFor returns the URI a run's store will report without opening it.
func URIFor(rootURI, runID string) string {
	return strings.TrimSuffix(rootURI, "/") + "/" + runID + "/"
}

// FileStore stores a run's files under a local directory.
type FileStore struct {
	root string
	uri  string

	// Now stamps appended events; defaults to time.Now.
	Now func() time.Time
}

func (s *FileStore) resolve(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", fmt.Errorf("empty trace path")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

func (s *FileStore) Write(rel string, data []byte) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, data, 0o644)
}

func (s *FileStore) WriteText(rel, text string) error {
	return s.Write(rel, []byte(text))
}

func (s *FileStore) WriteJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return s.Write(rel, append(data, '\n'))
}

func (s *FileStore) AppendLine(logName, line string) error {
	target, err := s.resolve(logName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func (s *FileStore) AppendEvent(event map[string]any) error {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	record := make(map[string]any, len(event)+1)
	for k, v := range event {
		record[k] = v
	}
	record["ts"] = now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	return s.AppendLine(EventLogFile, string(data))
}

func (s *FileStore) EnsureDir(rel string) error {
	target, err := s.resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(target, 0o755)
}

func (s *FileStore) URI() string {
	return s.uri
}
