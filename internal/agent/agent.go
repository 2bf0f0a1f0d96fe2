package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coopco/supportbot/internal/providers"
	"github.com/coopco/supportbot/internal/session"
	"github.com/coopco/supportbot/internal/tools"
)

// ErrNotConnected is returned by Chat before Connect.
var ErrNotConnected = errors.New("agent not connected")

// ChatCallbacks receives side-channel information about a chat turn.
type ChatCallbacks struct {
	OnUsage func(providers.Usage)
}

// Agent is a session-scoped conversational agent.
type Agent interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetSystemPrompt(prompt string)
	Chat(ctx context.Context, message string, cb ChatCallbacks) (string, error)
}

// SessionAgentConfig holds all dependencies and settings for SessionAgent.
type SessionAgentConfig struct {
	SessionID     string
	Provider      providers.Provider
	Sessions      *session.Manager
	Tools         *tools.Registry
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
}

// SessionAgent runs the provider + tool loop against one persisted session.
type SessionAgent struct {
	cfg          SessionAgentConfig
	mu           sync.Mutex
	sess         *session.Session
	systemPrompt string
}

// NewSessionAgent creates a SessionAgent from the given config.
func NewSessionAgent(cfg SessionAgentConfig) *SessionAgent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 40
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	return &SessionAgent{cfg: cfg}
}

// Connect loads (or creates) the persisted session. Calling it again is a no-op.
func (a *SessionAgent) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return nil
	}
	a.sess = a.cfg.Sessions.GetOrCreate(a.cfg.SessionID)
	slog.Debug("agent connected", "session", a.cfg.SessionID, "history", len(a.sess.GetHistory()))
	return nil
}

// Disconnect saves the session and drops it from the manager cache.
func (a *SessionAgent) Disconnect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.cfg.Sessions.Save(a.sess)
	a.cfg.Sessions.Evict(a.cfg.SessionID)
	a.sess = nil
	slog.Debug("agent disconnected", "session", a.cfg.SessionID, "cached_sessions", a.cfg.Sessions.Cached())
	if err != nil {
		return fmt.Errorf("failed to save session on disconnect: %w", err)
	}
	return nil
}

func (a *SessionAgent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	a.systemPrompt = prompt
	a.mu.Unlock()
}

// Chat sends message through the tool loop and returns the final text.
// Usage is summed across every provider call of the turn.
func (a *SessionAgent) Chat(ctx context.Context, message string, cb ChatCallbacks) (string, error) {
	a.mu.Lock()
	sess, systemPrompt := a.sess, a.systemPrompt
	a.mu.Unlock()
	if sess == nil {
		return "", ErrNotConnected
	}

	messages := sessionToProviderMessages(sess.GetHistory())
	messages = append(messages, providers.Message{Role: "user", Content: message})

	finalContent, usage, err := a.runToolLoop(ctx, systemPrompt, messages)
	if cb.OnUsage != nil && usage.TotalTokens > 0 {
		cb.OnUsage(usage)
	}
	if err != nil {
		return "", err
	}

	sess.AppendMessage(session.Message{Role: "user", Content: message})
	sess.AppendMessage(session.Message{Role: "assistant", Content: finalContent})
	if err := a.cfg.Sessions.Save(sess); err != nil {
		slog.Error("failed to save session", "session", a.cfg.SessionID, "err", err)
	}
	return finalContent, nil
}

// runToolLoop executes the LLM + tool call loop and returns the final text response.
func (a *SessionAgent) runToolLoop(ctx context.Context, systemPrompt string, messages []providers.Message) (string, providers.Usage, error) {
	var total providers.Usage
	toolDefs := toolDefsToProviderTools(a.cfg.Tools.Definitions())

	for i := 0; i < a.cfg.MaxIterations; i++ {
		req := providers.ChatRequest{
			Model:        a.cfg.Model,
			Messages:     messages,
			Tools:        toolDefs,
			MaxTokens:    a.cfg.MaxTokens,
			Temperature:  a.cfg.Temperature,
			SystemPrompt: systemPrompt,
		}

		resp, err := a.cfg.Provider.Chat(ctx, req)
		if err != nil {
			return "", total, fmt.Errorf("provider chat error: %w", err)
		}
		total = total.Add(resp.Usage)

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return resp.Content, total, nil
		}

		for _, tc := range resp.ToolCalls {
			slog.Debug("executing tool", "session", a.cfg.SessionID, "name", tc.Name, "id", tc.ID)
			result := a.cfg.Tools.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments))
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	// Out of iterations: fall back to the last assistant text
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].Content != "" {
			return messages[i].Content, total, nil
		}
	}
	return "", total, fmt.Errorf("max iterations (%d) reached without a final response", a.cfg.MaxIterations)
}

// sessionToProviderMessages converts session history to provider message format.
func sessionToProviderMessages(history []session.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		pm := providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		msgs = append(msgs, pm)
	}
	return msgs
}

func toolDefsToProviderTools(defs []tools.ToolDefinition) []providers.ToolDef {
	result := make([]providers.ToolDef, len(defs))
	for i, d := range defs {
		result[i] = providers.ToolDef{
			Type: d.Type,
			Function: providers.FunctionDef{
				Name:        d.Function.Name,
				Description: d.Function.Description,
				Parameters:  d.Function.Parameters,
			},
		}
	}
	return result
}
