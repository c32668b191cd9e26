// Package llm wraps the model provider behind small interfaces: a
// multi-turn Conversation driver for the agent loop, a Summarizer for
// outcome summaries, and a Classifier for deterministic command scoring.
// The wire format is an implementation detail of this package.
package llm

import (
	"context"
	"errors"
)

// ErrProtocol marks an unparseable or malformed model response. The agent
// retries once with a simplified prompt before escalating.
var ErrProtocol = errors.New("llm protocol error")

// ToolDef is one entry in the tool manifest sent to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is a tool-use request returned by the model.
type ToolCall struct {
	ID     string
	Name   string
	Params map[string]any
}

// ToolResult feeds one executed tool call back into the conversation.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Reply is one model turn: free text plus zero or more tool-use requests.
// A reply without tool calls terminates the conversation.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Conversation drives one multi-turn exchange. Implementations hold the
// message history; callers alternate Send/SendToolResults until a reply
// carries no tool calls.
type Conversation interface {
	// Send appends a user message and returns the model's reply.
	Send(ctx context.Context, userText string) (*Reply, error)
	// SendToolResults appends results for the previous reply's tool calls
	// and returns the model's next reply.
	SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error)
}

// Driver creates conversations. The agent loop owns exactly one driver.
type Driver interface {
	NewConversation(system string, toolDefs []ToolDef) Conversation
}

// Summarizer condenses a finished session into a short outcome summary
// using a cheaper model.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Classifier assigns each command a destructiveness category. The category
// list is pinned (see Categories) and classification runs at temperature 0;
// identical input must yield identical output.
type Classifier interface {
	Classify(ctx context.Context, commands []string) (map[string]Category, error)
}
