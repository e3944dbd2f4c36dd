package style

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column is one table column. Width is the content width in cells.
type Column struct {
	Name  string
	Width int
	Right bool // right-align, for counts and ports
}

// Table renders aligned columns for `jat list` and friends.
type Table struct {
	columns []Column
	rows    [][]string
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns}
}

// Row appends one row, padding missing cells.
func (t *Table) Row(values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	return t
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}
	var sb strings.Builder

	header := make([]string, len(t.columns))
	sep := 0
	for i, col := range t.columns {
		header[i] = pad(Header.Render(col.Name), col.Name, col.Width, false)
		sep += col.Width
	}
	sep += 2 * (len(t.columns) - 1)
	sb.WriteString(strings.Join(header, "  "))
	sb.WriteString("\n")
	sb.WriteString(Dim.Render(strings.Repeat("─", sep)))
	sb.WriteString("\n")

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			val := row[i]
			plain := stripStyles(val)
			if len([]rune(plain)) > col.Width {
				val = truncate(plain, col.Width)
				plain = val
			}
			cells[i] = pad(val, plain, col.Width, col.Right)
		}
		sb.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		sb.WriteString("\n")
	}
	return sb.String()
}

// pad aligns styled text to width using the plain text for measurement.
func pad(styled, plain string, width int, right bool) string {
	gap := width - lipgloss.Width(plain)
	if gap <= 0 {
		return styled
	}
	if right {
		return strings.Repeat(" ", gap) + styled
	}
	return styled + strings.Repeat(" ", gap)
}

// truncate cuts plain text to width with an ellipsis when it fits.
func truncate(plain string, width int) string {
	runes := []rune(plain)
	if width <= 1 {
		return string(runes[:width])
	}
	return string(runes[:width-1]) + "…"
}

// stripStyles removes ANSI sequences so cell widths measure correctly.
func stripStyles(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
