package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

const (
	conversationMaxTokens = 4096
	llmMaxRetries         = 3
	llmInitialBackoff     = 1 * time.Second
)

// AnthropicDriver implements Driver, Summarizer, and Classifier over the
// Anthropic Messages API.
type AnthropicDriver struct {
	client       anthropic.Client
	model        anthropic.Model
	summaryModel anthropic.Model
}

// NewAnthropicDriver creates a driver. model powers conversations;
// summaryModel powers the cheaper summarize/classify calls.
func NewAnthropicDriver(apiKey, model, summaryModel string) (*AnthropicDriver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key must not be empty")
	}
	return &AnthropicDriver{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:        anthropic.Model(model),
		summaryModel: anthropic.Model(summaryModel),
	}, nil
}

// NewConversation implements Driver.
func (d *AnthropicDriver) NewConversation(system string, toolDefs []ToolDef) Conversation {
	tools := make([]anthropic.ToolUnionParam, 0, len(toolDefs))
	for _, t := range toolDefs {
		properties := t.InputSchema["properties"]
		var required []string
		if r, ok := t.InputSchema["required"].([]string); ok {
			required = r
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return &anthropicConversation{
		driver: d,
		system: system,
		tools:  tools,
	}
}

type anthropicConversation struct {
	driver   *AnthropicDriver
	system   string
	tools    []anthropic.ToolUnionParam
	messages []anthropic.MessageParam
}

// Send implements Conversation.
func (c *anthropicConversation) Send(ctx context.Context, userText string) (*Reply, error) {
	c.messages = append(c.messages,
		anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))
	return c.complete(ctx)
}

// SendToolResults implements Conversation.
func (c *anthropicConversation) SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropic.NewToolResultBlock(r.ID, r.Content, r.IsError))
	}
	c.messages = append(c.messages, anthropic.NewUserMessage(blocks...))
	return c.complete(ctx)
}

func (c *anthropicConversation) complete(ctx context.Context) (*Reply, error) {
	params := anthropic.MessageNewParams{
		Model:     c.driver.model,
		MaxTokens: conversationMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: c.system}},
		Messages:  c.messages,
		Tools:     c.tools,
	}

	message, err := c.driver.callWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	reply, err := parseReply(message)
	if err != nil {
		return nil, err
	}
	c.messages = append(c.messages, message.ToParam())
	return reply, nil
}

func parseReply(message *anthropic.Message) (*Reply, error) {
	if len(message.Content) == 0 {
		return nil, fmt.Errorf("%w: response has no content blocks", ErrProtocol)
	}

	reply := &Reply{}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			if reply.Text != "" {
				reply.Text += "\n"
			}
			reply.Text += block.Text
		case "tool_use":
			var params map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &params); err != nil {
					return nil, fmt.Errorf("%w: tool input is not a JSON object: %v", ErrProtocol, err)
				}
			}
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:     block.ID,
				Name:   block.Name,
				Params: params,
			})
		}
	}
	if reply.Text == "" && len(reply.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: response carries neither text nor tool use", ErrProtocol)
	}
	return reply, nil
}

// callWithRetry issues one Messages call with exponential backoff on
// transient failures (429, 5xx, network timeouts).
func (d *AnthropicDriver) callWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var message *anthropic.Message

	operation := func() error {
		m, err := d.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		message = m
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = llmInitialBackoff
	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, llmMaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}
	return message, nil
}

func isRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
