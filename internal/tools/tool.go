// Package tools holds the function-calling tools offered to the agent.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is a function the model can call. Parameters returns its JSON Schema.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}
