package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/tools"
)

// resolvedSentinel terminates a conversation as completed when it appears as
// a whole word on the last line of a final (tool-free) reply.
const resolvedSentinel = "resolved"

const systemPromptTemplate = `You are an autonomous SRE operator responsible for remediating
infrastructure incidents.

Subject under management: %s
%s

You have been assigned a ticket describing an invariant violation. Diagnose
the root cause and remediate it using the tools available to you. Work
step by step: inspect state before acting, prefer the least invasive fix,
and verify the fix took effect before declaring success.

Safety mode: %s.%s

When the violation is fixed and verified, reply with a final message whose
last line is the single word: resolved
If you determine the problem cannot be fixed with your tools, say so plainly
and do not use the sentinel.`

const approvalNote = `
Approval mode is on: mutating tool calls are recorded as proposals for a
human operator and will not execute immediately.`

// buildSystemPrompt seeds the conversation with the operator role, subject
// identity, and safety posture. The tool manifest itself travels in the
// request's tools field, not the prompt text.
func buildSystemPrompt(subj subject.Subject, cfg *config.Config) string {
	note := ""
	if cfg.ApprovalMode {
		note = approvalNote
	}
	return fmt.Sprintf(systemPromptTemplate,
		subj.Name(), subj.Description(), cfg.SafetyMode, note)
}

// renderTicket formats the ticket as the conversation's first user message.
func renderTicket(ticket *models.Ticket) string {
	details, err := json.MarshalIndent(ticket.ViolationDetails, "", "  ")
	if err != nil {
		details = []byte("{}")
	}
	return fmt.Sprintf(`Ticket #%d
Invariant: %s
Subject: %s
Severity: %s
Opened: %s

Violation details:
%s`,
		ticket.ID, ticket.InvariantName, ticket.SubjectName, ticket.Severity,
		ticket.OpenedAt.Format("2006-01-02T15:04:05Z07:00"), string(details))
}

// isResolvedReply checks the sentinel: "resolved" as a whole word on the
// last non-empty line, case-insensitive.
func isResolvedReply(text string) bool {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 {
		return false
	}
	last := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	for _, word := range strings.Fields(strings.Map(stripPunct, last)) {
		if word == resolvedSentinel {
			return true
		}
	}
	return false
}

func stripPunct(r rune) rune {
	switch r {
	case '.', ',', '!', ':', ';':
		return ' '
	}
	return r
}

// toolManifest converts the registry into the model's tool definitions.
func toolManifest(registry *tools.Registry) []llm.ToolDef {
	list := registry.List()
	defs := make([]llm.ToolDef, 0, len(list))
	for _, t := range list {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}
