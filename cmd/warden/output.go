package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func init() {
	// Plain text when piped.
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		for _, s := range []*lipgloss.Style{&headerStyle, &dimStyle, &okStyle, &warnStyle, &badStyle} {
			*s = lipgloss.NewStyle()
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateStyle colors a state or status word by how much attention it needs.
func stateStyle(s string) lipgloss.Style {
	switch strings.ToUpper(s) {
	case "COMPLETED", "CLOSED", "SENT", "APPROVED", "RETRIED", "OK":
		return okStyle
	case "FAILED", "OPEN", "DENIED", "TIMEOUT", "CRITICAL", "ERROR":
		return badStyle
	case "PENDING", "HALF_OPEN", "AWAITING_APPROVAL", "WARNING", "CANCELLED":
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

// table renders rows with column widths fitted to their content.
type table struct {
	headers []string
	rows    [][]string
	styles  map[int]func(string) lipgloss.Style
}

func newTable(headers ...string) *table {
	return &table{headers: headers, styles: map[int]func(string) lipgloss.Style{}}
}

// styleColumn colors column i per cell value.
func (t *table) styleColumn(i int, fn func(string) lipgloss.Style) *table {
	t.styles[i] = fn
	return t
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c))
			}
		}
	}
	line := func(cells []string, style func(i int, c string) lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style(i, c).Width(widths[i]).Render(c)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(w, line(t.headers, func(int, string) lipgloss.Style { return headerStyle }))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, func(i int, c string) lipgloss.Style {
			if fn, ok := t.styles[i]; ok {
				return fn(c)
			}
			return lipgloss.NewStyle()
		}))
	}
	if len(t.rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("(none)"))
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
