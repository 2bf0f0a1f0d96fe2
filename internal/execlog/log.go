// Package execlog writes the append-only JSONL audit trail of fired events.
package execlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coopco/supportbot/internal/events"
)

// Entry is one fired event.
type Entry struct {
	Timestamp  string       `json:"timestamp"`
	Session    string       `json:"session"`
	Filename   string       `json:"filename"`
	Event      events.Event `json:"event"`
	Response   string       `json:"response"`
	Silent     bool         `json:"silent"`
	Usage      string       `json:"usage,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"durationMs"`
}

// Writer appends entries to a single JSONL file. Safe for concurrent use.
type Writer struct {
	path string
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
}

// FileName returns the per-process log file name for a process started at t.
func FileName(t time.Time, pid int) string {
	return fmt.Sprintf("events-%s-%d.jsonl", t.UTC().Format("20060102-150405"), pid)
}

// Open creates dir if needed and opens the log file for this process.
func Open(dir string, started time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return OpenFile(filepath.Join(dir, FileName(started, os.Getpid())))
}

// OpenFile opens path for appending.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution log: %w", err)
	}
	return &Writer{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the file being written.
func (w *Writer) Path() string {
	return w.path
}

// Append writes e as one line. An empty Timestamp is filled with the current time.
func (w *Writer) Append(e Entry) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("execution log %s is closed", w.path)
	}
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to write execution log entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadAll decodes every entry in the log at path, skipping malformed lines.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*events.MaxEventSize)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Latest returns the most recent log file in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
