package agent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/coopco/supportbot/internal/session"
)

// MemoryStore reads the notes an agent keeps in its workspace. MEMORY.md
// and HISTORY.md are shared by every session; memory/<session>.md holds
// notes about one customer conversation.
type MemoryStore struct {
	workspace string
}

func NewMemoryStore(workspace string) *MemoryStore {
	return &MemoryStore{workspace: workspace}
}

// Shared returns MEMORY.md, or "" when absent.
func (m *MemoryStore) Shared() string {
	return m.read("MEMORY.md")
}

// History returns HISTORY.md, or "" when absent.
func (m *MemoryStore) History() string {
	return m.read("HISTORY.md")
}

// Session returns the notes for sessionID, or "" when there are none or the
// id has no usable characters.
func (m *MemoryStore) Session(sessionID string) string {
	id := session.SanitizeID(sessionID)
	if id == "" {
		return ""
	}
	return m.read(filepath.Join("memory", id+".md"))
}

// Prompt renders every non-empty memory source for sessionID as prompt
// sections.
func (m *MemoryStore) Prompt(sessionID string) string {
	var b strings.Builder
	for _, sec := range []struct{ title, body string }{
		{"Memory", m.Shared()},
		{"Session Notes", m.Session(sessionID)},
		{"History", m.History()},
	} {
		if sec.body == "" {
			continue
		}
		b.WriteString("\n\n## " + sec.title + "\n\n" + sec.body)
	}
	return b.String()
}

func (m *MemoryStore) read(rel string) string {
	data, err := os.ReadFile(filepath.Join(m.workspace, rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
