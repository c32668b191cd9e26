package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/models"
)

var auditLimitFlag int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect agent sessions and their audit logs",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Replay one session's conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditShow,
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimitFlag, "limit", 50, "maximum rows")
	auditCmd.AddCommand(auditListCmd, auditShowCmd)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(cmd.Context(), models.SessionFilter{Limit: auditLimitFlag})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"sessions": sessions})
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.SessionID,
			formatID(s.TicketID),
			statusCell(string(s.Status)),
			formatTimestamp(s.StartedAt),
			formatOptTime(s.EndedAt),
			truncateCell(s.OutcomeSummary, 48),
		})
	}
	printTable([]string{"SESSION", "TICKET", "STATUS", "STARTED", "ENDED", "OUTCOME"}, rows)
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	session, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	entries, err := st.GetSessionEntries(ctx, sessionID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"session": session, "entries": entries})
	}

	printKV([][2]string{
		{"Session", session.SessionID},
		{"Ticket", formatID(session.TicketID)},
		{"Status", statusCell(string(session.Status))},
		{"Started", formatTimestamp(session.StartedAt)},
		{"Ended", formatOptTime(session.EndedAt)},
		{"Outcome", orDash(session.OutcomeSummary)},
	})
	fmt.Println()

	for _, e := range entries {
		fmt.Println(renderEntry(e))
	}
	return nil
}

// renderEntry formats one audit record as a replay line:
//
//	[  3] 2026-08-20T12:00:05Z tool_call   shell command="docker ps -a"
func renderEntry(e *models.AgentLogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3d] %s %-11s", e.Seq, formatTimestamp(e.Timestamp), e.EntryType)

	switch e.EntryType {
	case models.EntryToolCall:
		fmt.Fprintf(&b, " %s %s", e.ToolName, formatDetails(e.ToolParams))
	case models.EntryToolResult:
		exit := "-"
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		fmt.Fprintf(&b, " %s exit=%s", e.ToolName, exit)
	}

	content := strings.TrimSpace(e.Content)
	if content != "" {
		b.WriteString("\n")
		for _, line := range strings.Split(content, "\n") {
			b.WriteString("      " + line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
