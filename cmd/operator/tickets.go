package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/models"
)

var (
	ticketStatusFlag string
	ticketLimitFlag  int
)

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Inspect invariant violation tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets, newest first",
	Args:  cobra.NoArgs,
	RunE:  runTicketsList,
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runTicketsShow,
}

func init() {
	ticketsListCmd.Flags().StringVar(&ticketStatusFlag, "status", "",
		"filter by status (open|in_progress|resolved|escalated)")
	ticketsListCmd.Flags().IntVar(&ticketLimitFlag, "limit", 50, "maximum rows")
	ticketsCmd.AddCommand(ticketsListCmd, ticketsShowCmd)
}

func runTicketsList(cmd *cobra.Command, args []string) error {
	filter := models.TicketFilter{
		Status: models.TicketStatus(ticketStatusFlag),
		Limit:  ticketLimitFlag,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("%w: unknown ticket status %q", config.ErrFatal, ticketStatusFlag)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tickets, err := st.ListTickets(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"tickets": tickets})
	}

	rows := make([][]string, 0, len(tickets))
	for _, t := range tickets {
		rows = append(rows, []string{
			formatID(t.ID),
			statusCell(string(t.Status)),
			string(t.Severity),
			t.InvariantName,
			t.SubjectName,
			truncateCell(t.ViolationKey, 32),
			formatTimestamp(t.OpenedAt),
		})
	}
	printTable([]string{"ID", "STATUS", "SEVERITY", "INVARIANT", "SUBJECT", "KEY", "OPENED"}, rows)
	return nil
}

func runTicketsShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ticket, err := st.GetTicket(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(ticket)
	}

	printKV([][2]string{
		{"ID", formatID(ticket.ID)},
		{"Status", statusCell(string(ticket.Status))},
		{"Severity", string(ticket.Severity)},
		{"Invariant", ticket.InvariantName},
		{"Subject", ticket.SubjectName},
		{"Violation key", ticket.ViolationKey},
		{"Opened", formatTimestamp(ticket.OpenedAt)},
		{"Resolved", formatOptTime(ticket.ResolvedAt)},
		{"Session", orDash(ticket.AssignedSessionID)},
		{"Details", formatDetails(ticket.ViolationDetails)},
		{"Diagnosis", orDash(ticket.Diagnosis)},
	})
	return nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a numeric id", config.ErrFatal, raw)
	}
	return id, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
