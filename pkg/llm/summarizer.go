package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const summaryMaxTokens = 256

const summaryPrompt = `You are summarizing an SRE agent session transcript.
Reply with at most two sentences describing the outcome and the last concrete
action taken (e.g. "Restarted tikv0; cluster healthy."). No preamble.

Transcript:
%s`

// transcriptTailBytes bounds how much of the session log the summarizer
// sees; the tail carries the outcome.
const transcriptTailBytes = 12 * 1024

// Summarize implements Summarizer on the cheap model.
func (d *AnthropicDriver) Summarize(ctx context.Context, transcript string) (string, error) {
	if len(transcript) > transcriptTailBytes {
		transcript = "..." + transcript[len(transcript)-transcriptTailBytes:]
	}

	message, err := d.callWithRetry(ctx, anthropic.MessageNewParams{
		Model:     d.summaryModel,
		MaxTokens: summaryMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(summaryPrompt, transcript))),
		},
	})
	if err != nil {
		return "", err
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", fmt.Errorf("%w: summary response has no text block", ErrProtocol)
}
