package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Output styling. Human mode renders bordered tables; --json emits one
// document on stdout and nothing else.
var (
	colorAccent = lipgloss.Color("12")
	colorMuted  = lipgloss.Color("240")
	colorWarn   = lipgloss.Color("11")
	colorBad    = lipgloss.Color("9")
	colorGood   = lipgloss.Color("10")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorAccent).
			Align(lipgloss.Center)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	borderStyle = lipgloss.NewStyle().Foreground(colorMuted)

	warnStyle = lipgloss.NewStyle().Foreground(colorWarn)
	badStyle  = lipgloss.NewStyle().Foreground(colorBad)
	goodStyle = lipgloss.NewStyle().Foreground(colorGood)
	keyStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorMuted)
)

// printJSON writes v as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders a bordered table with a styled header row.
func printTable(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Println(t)
}

// printKV renders an ordered key/value block for show commands.
func printKV(pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	for _, p := range pairs {
		fmt.Printf("%s  %s\n", keyStyle.Render(fmt.Sprintf("%-*s", width, p[0])), p[1])
	}
}

// statusCell colours lifecycle states: green for good terminals, red for
// bad ones, yellow for in-flight.
func statusCell(status string) string {
	switch status {
	case "resolved", "completed":
		return goodStyle.Render(status)
	case "escalated", "failed", "error", "timeout":
		return badStyle.Render(status)
	case "in_progress", "running":
		return warnStyle.Render(status)
	}
	return status
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTimestamp(*t)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func truncateCell(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return "-"
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprint(details)
	}
	return string(raw)
}
