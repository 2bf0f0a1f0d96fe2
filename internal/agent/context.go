package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coopco/supportbot/internal/tools"
)

// BootstrapFiles are read from workspace in order to build the system prompt.
var BootstrapFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"TOOLS.md",
	"IDENTITY.md",
}

// ContextBuilder assembles per-session system prompts from workspace files,
// long-term memory and runtime context.
type ContextBuilder struct {
	workspace string
	memory    *MemoryStore
	tools     *tools.Registry
	now       func() time.Time
}

func NewContextBuilder(workspace string, toolRegistry *tools.Registry) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		memory:    NewMemoryStore(workspace),
		tools:     toolRegistry,
		now:       time.Now,
	}
}

// BuildSystemPrompt returns a fresh system prompt for sessionID. Files are
// re-read on every call so edits to the workspace apply to the next event.
func (c *ContextBuilder) BuildSystemPrompt(sessionID string) string {
	var parts []string

	for _, name := range BootstrapFiles {
		data, err := os.ReadFile(filepath.Join(c.workspace, name))
		if err != nil {
			continue
		}
		parts = append(parts, string(data))
	}

	base := strings.Join(parts, "\n\n---\n\n") + c.memory.Prompt(sessionID)

	var toolNames []string
	if c.tools != nil {
		toolNames = c.tools.Names()
	}

	base += fmt.Sprintf(
		"\n\n## Runtime Context\n- Current time: %s\n- Session: %s\n- Workspace: %s\n- Available tools: %s",
		c.now().Format(time.RFC3339),
		sessionID,
		c.workspace,
		strings.Join(toolNames, ", "),
	)
	base += "\n\nMessages starting with [EVENT:...] were triggered by a scheduled event, not typed by a user. " +
		"Start your reply with [SILENT] when nothing needs to be shown to the operator."

	return strings.TrimLeft(base, "\n")
}
