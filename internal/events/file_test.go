package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")

	name, err := WriteFile(dir, Event{Type: TypeImmediate, Text: "hi", Session: "s1"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !strings.HasPrefix(name, "immediate-") || !IsEventFile(name) {
		t.Errorf("unexpected name %q", name)
	}
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)

	listed, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 listed files, got %d", len(listed))
	}
	if listed[0].Name != "broken.json" || listed[0].Err == nil {
		t.Errorf("expected broken.json with error first, got %+v", listed[0])
	}
	if listed[1].Name != name || listed[1].Event.Text != "hi" || listed[1].Err != nil {
		t.Errorf("unexpected listing %+v", listed[1])
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteFileRejectsInvalid(t *testing.T) {
	if _, err := WriteFile(t.TempDir(), Event{Type: TypePeriodic, Text: "x"}); err == nil {
		t.Fatal("expected error for periodic without schedule")
	}
}

func TestListMissingDir(t *testing.T) {
	listed, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil || listed != nil {
		t.Fatalf("List(missing) = %v, %v", listed, err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	name, err := WriteFile(dir, Event{Type: TypeImmediate, Text: "bye"})
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Remove(dir, "../"+name); err == nil {
		t.Error("expected path to be rejected")
	}
	if err := Remove(dir, name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
		t.Errorf("expected file to be gone, stat err = %v", err)
	}
	if err := Remove(dir, name); err == nil {
		t.Error("expected error removing twice")
	}
}

func TestIsEventFile(t *testing.T) {
	cases := map[string]bool{
		"a.json":          true,
		".event-1.tmp":    false,
		".hidden.json":    false,
		"a.json.swp":      false,
		"dir/nested.json": true,
	}
	for name, want := range cases {
		if got := IsEventFile(name); got != want {
			t.Errorf("IsEventFile(%q) = %v, want %v", name, got, want)
		}
	}
}
