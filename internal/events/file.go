package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Ext is the suffix of files the event runner watches.
const Ext = ".json"

// IsEventFile reports whether name is a watched event file name.
func IsEventFile(name string) bool {
	return strings.HasSuffix(name, Ext) && !strings.HasPrefix(filepath.Base(name), ".")
}

// WriteFile encodes ev into a new uniquely named file in dir and returns the
// file name. The payload is written to a hidden temp file first and renamed
// into place so watchers never observe a partial event.
func WriteFile(dir string, ev Event) (string, error) {
	data, err := Marshal(ev)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create events directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s%s", ev.Type, uuid.NewString(), Ext)
	tmp, err := os.CreateTemp(dir, ".event-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create event file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write event file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write event file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("failed to publish event file: %w", err)
	}
	return name, nil
}

// Listed is an event file found by List.
type Listed struct {
	Name  string
	Event Event
	Err   error
}

// List parses every event file in dir, sorted by name. Unparseable files
// are returned with Err set.
func List(dir string) ([]Listed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read events directory: %w", err)
	}

	var out []Listed
	for _, e := range entries {
		if e.IsDir() || !IsEventFile(e.Name()) {
			continue
		}
		ev, err := ReadFile(filepath.Join(dir, e.Name()))
		out = append(out, Listed{Name: e.Name(), Event: ev, Err: err})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes the event file name from dir. The name must be a plain
// event file name; paths are rejected.
func Remove(dir, name string) error {
	if name != filepath.Base(name) || !IsEventFile(name) {
		return fmt.Errorf("invalid event file name %q", name)
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to remove event %s: %w", name, err)
	}
	return nil
}
