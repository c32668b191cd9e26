package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/tools"
)

// ErrApprovalRequired is returned when approval mode gates a mutating tool
// call. The session escalates; a human drives the proposal out-of-band.
var ErrApprovalRequired = errors.New("approval required")

// consecutiveFailureQuota escalates the session after this many consecutive
// failed executions of the same tool call signature.
const consecutiveFailureQuota = 3

const retryInstruction = `Your previous reply could not be processed. Reply with either
plain text or a single tool call.`

// Outcome is the terminal classification of one conversation.
type Outcome struct {
	Status  models.SessionStatus
	Summary string
}

// conversation drives one ticket's LLM dialogue: reasoning turns, tool
// execution, audit logging, and termination classification.
type conversation struct {
	loop      *Loop
	ticket    *models.Ticket
	sessionID string
	log       *slog.Logger

	// transcript accumulates a plain-text rendering for the summarizer.
	transcript strings.Builder

	lastFailureSig      string
	consecutiveFailures int
	protocolRetried     bool
}

// run executes the conversation to termination. An error return means the
// session itself failed (as opposed to terminating with an escalated
// outcome).
func (c *conversation) run(ctx context.Context) (*Outcome, error) {
	conv := c.loop.driver.NewConversation(
		buildSystemPrompt(c.loop.subject, c.loop.cfg),
		toolManifest(c.loop.registry))

	reply, err := c.send(ctx, func() (*llm.Reply, error) {
		return conv.Send(ctx, renderTicket(c.ticket))
	}, conv)
	if err != nil {
		return c.escalateOn(ctx, err)
	}

	for turn := 1; turn <= c.loop.cfg.MaxTurns; turn++ {
		c.appendReasoning(ctx, reply.Text)

		if len(reply.ToolCalls) == 0 {
			return c.classifyFinal(ctx, reply.Text)
		}

		results, execErr := c.executeToolCalls(ctx, reply.ToolCalls)
		if execErr != nil {
			return c.escalateOn(ctx, execErr)
		}
		if c.consecutiveFailures >= consecutiveFailureQuota {
			return c.finish(ctx, models.SessionEscalated,
				fmt.Sprintf("tool failed %d times in a row", c.consecutiveFailures))
		}

		reply, err = c.send(ctx, func() (*llm.Reply, error) {
			return conv.SendToolResults(ctx, results)
		}, conv)
		if err != nil {
			return c.escalateOn(ctx, err)
		}
	}

	c.appendReasoning(ctx, reply.Text)
	return c.finish(ctx, models.SessionEscalated, "turn limit reached")
}

// send issues one model call, retrying a protocol failure once with a
// simplified instruction.
func (c *conversation) send(ctx context.Context, call func() (*llm.Reply, error), conv llm.Conversation) (*llm.Reply, error) {
	reply, err := call()
	if err == nil {
		return reply, nil
	}
	if !errors.Is(err, llm.ErrProtocol) || c.protocolRetried {
		return nil, err
	}
	c.protocolRetried = true
	c.log.Warn("Unparseable model reply, retrying with simplified prompt", "error", err)
	return conv.Send(ctx, retryInstruction)
}

// executeToolCalls runs each requested tool, auditing a tool_call and
// tool_result pair per call and tracking consecutive failures.
func (c *conversation) executeToolCalls(ctx context.Context, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := c.checkApprovalGate(ctx, call); err != nil {
			return nil, err
		}

		c.appendEntry(ctx, models.AgentLogEntry{
			EntryType:  models.EntryToolCall,
			ToolName:   call.Name,
			ToolParams: call.Params,
			Content:    renderCall(call),
		})

		res, err := c.loop.registry.Execute(ctx, call.Name, call.Params)
		if err != nil {
			// Dispatch failures (unknown tool, invalid params) feed back
			// to the model as an error result rather than killing the
			// session.
			res = &tools.Result{ExitCode: 1, Output: "error: " + err.Error()}
		}

		exitCode := res.ExitCode
		c.appendEntry(ctx, models.AgentLogEntry{
			EntryType: models.EntryToolResult,
			ToolName:  call.Name,
			Content:   res.Output,
			ExitCode:  &exitCode,
		})
		c.trackFailure(call, res.ExitCode)

		results = append(results, llm.ToolResult{
			ID:      call.ID,
			Content: res.Truncated(),
			IsError: res.ExitCode != 0,
		})
	}
	return results, nil
}

// checkApprovalGate records a proposal and aborts the conversation when
// approval mode gates this call.
func (c *conversation) checkApprovalGate(ctx context.Context, call llm.ToolCall) error {
	if !c.loop.cfg.ApprovalMode {
		return nil
	}
	tool, ok := c.loop.registry.Get(call.Name)
	if !ok || !tool.RequiresApproval || !tool.Mutating {
		return nil
	}
	// Read-only variants of gated tools pass (shell whitelist).
	if tool.ObservePermits != nil && tool.ObservePermits(call.Params) == nil {
		return nil
	}

	proposalID, err := c.loop.store.CreateProposal(ctx, c.ticket.ID, call.Name, call.Params)
	if err != nil {
		return fmt.Errorf("failed to record proposal: %w", err)
	}
	c.log.Info("Mutating call held for approval", "proposal_id", proposalID, "tool", call.Name)
	return fmt.Errorf("%w: proposal %d", ErrApprovalRequired, proposalID)
}

func (c *conversation) trackFailure(call llm.ToolCall, exitCode int) {
	if exitCode == 0 {
		c.lastFailureSig = ""
		c.consecutiveFailures = 0
		return
	}
	sig := callSignature(call)
	if sig == c.lastFailureSig {
		c.consecutiveFailures++
	} else {
		c.lastFailureSig = sig
		c.consecutiveFailures = 1
	}
}

// classifyFinal handles a tool-free reply: the sentinel completes the
// session, anything else escalates.
func (c *conversation) classifyFinal(ctx context.Context, text string) (*Outcome, error) {
	if isResolvedReply(text) {
		return c.finish(ctx, models.SessionCompleted, "")
	}
	return c.finish(ctx, models.SessionEscalated, "agent stopped without resolving")
}

// finish produces the outcome, asking the summarizer for a two-sentence
// description and falling back to the deterministic reason on failure.
func (c *conversation) finish(ctx context.Context, status models.SessionStatus, fallback string) (*Outcome, error) {
	summary := fallback
	if s, err := c.loop.summarizer.Summarize(ctx, c.transcript.String()); err == nil && s != "" {
		summary = s
	} else if err != nil {
		c.log.Warn("Summarizer failed, using fallback summary", "error", err)
		if summary == "" {
			summary = "session completed"
		}
	}
	if summary == "" {
		summary = "session completed"
	}
	return &Outcome{Status: status, Summary: summary}, nil
}

// escalateOn maps in-conversation failures to outcomes: approval gating and
// protocol exhaustion escalate the ticket; everything else is a session
// failure propagated to the caller.
func (c *conversation) escalateOn(ctx context.Context, err error) (*Outcome, error) {
	switch {
	case errors.Is(err, ErrApprovalRequired):
		return &Outcome{Status: models.SessionEscalated, Summary: err.Error()}, nil
	case errors.Is(err, llm.ErrProtocol):
		return &Outcome{Status: models.SessionEscalated, Summary: "model reply unparseable after retry"}, nil
	case ctx.Err() != nil:
		// Shutdown or timeout mid-conversation: the loop's finalizer
		// writes the escalation with the signal name.
		return nil, ctx.Err()
	default:
		return nil, err
	}
}

func (c *conversation) appendReasoning(ctx context.Context, text string) {
	if text == "" {
		return
	}
	c.appendEntry(ctx, models.AgentLogEntry{
		EntryType: models.EntryReasoning,
		Content:   text,
	})
}

// appendEntry writes to the audit log and the in-memory transcript. Audit
// failures are logged, never fatal: losing one entry is better than losing
// the session.
func (c *conversation) appendEntry(ctx context.Context, entry models.AgentLogEntry) {
	c.transcript.WriteString(string(entry.EntryType))
	c.transcript.WriteString(": ")
	c.transcript.WriteString(entry.Content)
	c.transcript.WriteString("\n")

	if _, err := c.loop.store.AppendLog(ctx, c.sessionID, entry); err != nil {
		c.log.Error("Failed to append audit entry", "entry_type", entry.EntryType, "error", err)
	}
}

// callSignature canonicalises a tool call (name + sorted params) for
// consecutive-failure detection.
func callSignature(call llm.ToolCall) string {
	keys := make([]string, 0, len(call.Params))
	for k := range call.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(call.Name)
	for _, k := range keys {
		v, _ := json.Marshal(call.Params[k])
		fmt.Fprintf(&sb, "|%s=%s", k, v)
	}
	return sb.String()
}

func renderCall(call llm.ToolCall) string {
	if cmd, ok := call.Params["command"].(string); ok && call.Name == "shell" {
		return cmd
	}
	b, _ := json.Marshal(call.Params)
	return call.Name + " " + string(b)
}
