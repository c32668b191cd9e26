package e2e

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsloop/operator/pkg/llm"
)

// ScriptedReply is one pre-programmed model turn.
type ScriptedReply struct {
	Reply *llm.Reply
	Err   error
}

// Say scripts a plain text reply. End a conversation with Say("resolved").
func Say(text string) ScriptedReply {
	return ScriptedReply{Reply: &llm.Reply{Text: text}}
}

// CallTool scripts a reply that requests one tool call.
func CallTool(name string, params map[string]any) ScriptedReply {
	return ScriptedReply{Reply: &llm.Reply{
		Text:      "Calling " + name + ".",
		ToolCalls: []llm.ToolCall{{ID: "call_" + name, Name: name, Params: params}},
	}}
}

// Fail scripts a driver error.
func Fail(err error) ScriptedReply {
	return ScriptedReply{Err: err}
}

// ScriptedDriver replays pre-programmed conversations in order. Each
// Script call enqueues the turns for one conversation; a conversation
// created with no script queued replays the last script again.
type ScriptedDriver struct {
	mu            sync.Mutex
	scripts       [][]ScriptedReply
	last          []ScriptedReply
	conversations int
}

// NewScriptedDriver creates an empty driver.
func NewScriptedDriver() *ScriptedDriver {
	return &ScriptedDriver{}
}

// Script enqueues one conversation's replies.
func (d *ScriptedDriver) Script(replies ...ScriptedReply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, replies)
}

// Conversations reports how many conversations were started.
func (d *ScriptedDriver) Conversations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conversations
}

// NewConversation implements llm.Driver.
func (d *ScriptedDriver) NewConversation(string, []llm.ToolDef) llm.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations++

	var replies []ScriptedReply
	if len(d.scripts) > 0 {
		replies = d.scripts[0]
		d.scripts = d.scripts[1:]
		d.last = replies
	} else {
		replies = d.last
	}
	return &scriptedConversation{replies: replies}
}

// Summarize implements llm.Summarizer.
func (d *ScriptedDriver) Summarize(context.Context, string) (string, error) {
	return "scripted summary", nil
}

type scriptedConversation struct {
	mu      sync.Mutex
	replies []ScriptedReply
	next    int
}

func (c *scriptedConversation) Send(ctx context.Context, _ string) (*llm.Reply, error) {
	return c.advance(ctx)
}

func (c *scriptedConversation) SendToolResults(ctx context.Context, _ []llm.ToolResult) (*llm.Reply, error) {
	return c.advance(ctx)
}

func (c *scriptedConversation) advance(ctx context.Context) (*llm.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.replies) {
		return nil, fmt.Errorf("scripted conversation exhausted after %d turns", c.next)
	}
	r := c.replies[c.next]
	c.next++
	return r.Reply, r.Err
}
