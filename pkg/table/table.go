// Package table renders the column tables printed by machlink info.
package table

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Style is the look of a table.
type Style struct {
	Header    lipgloss.Style
	Cell      lipgloss.Style
	Separator string
}

// PlainStyle has no colors.
func PlainStyle() Style {
	return Style{
		Header:    lipgloss.NewStyle().Bold(true).PaddingLeft(1).PaddingRight(1),
		Cell:      lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1),
		Separator: "|",
	}
}

// ColorStyle highlights the header row.
func ColorStyle() Style {
	return Style{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			PaddingLeft(1).
			PaddingRight(1),
		Cell:      lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1),
		Separator: "|",
	}
}

// Table is a header row plus data rows.
type Table struct {
	headers []string
	rows    [][]string
	align   []lipgloss.Position
	style   Style
}

// New table with the given column headers, all left aligned.
func New(headers ...string) *Table {
	t := &Table{
		headers: headers,
		align:   make([]lipgloss.Position, len(headers)),
		style:   PlainStyle(),
	}
	for i := range t.align {
		t.align[i] = lipgloss.Left
	}
	return t
}

// SetStyle changes the table style.
func (t *Table) SetStyle(s Style) { t.style = s }

// AlignRight right aligns the given columns, for numbers and addresses.
func (t *Table) AlignRight(cols ...int) {
	for _, c := range cols {
		if c >= 0 && c < len(t.align) {
			t.align[c] = lipgloss.Right
		}
	}
}

// Append adds a row. Missing cells are left empty and extra cells dropped.
func (t *Table) Append(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) widths() []int {
	w := make([]int, len(t.headers))
	for i, h := range t.headers {
		w[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); n > w[i] {
				w[i] = n
			}
		}
	}
	for i := range w {
		w[i] += 2
	}
	return w
}

func (t *Table) row(cells []string, style lipgloss.Style, widths []int) string {
	out := make([]string, len(cells))
	for i, cell := range cells {
		out[i] = style.Width(widths[i]).Align(t.align[i]).Render(cell)
	}
	return strings.Join(out, t.style.Separator)
}

// Render returns the table without a trailing newline.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	widths := t.widths()
	var sb strings.Builder
	sb.WriteString(t.row(t.headers, t.style.Header, widths))
	sb.WriteByte('\n')
	rules := make([]string, len(widths))
	for i, w := range widths {
		rules[i] = strings.Repeat("-", w)
	}
	sb.WriteString(strings.Join(rules, "+"))
	for _, r := range t.rows {
		sb.WriteByte('\n')
		sb.WriteString(t.row(r, t.style.Cell, widths))
	}
	return sb.String()
}

// WriteTo writes the rendered table and a newline.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, t.Render()+"\n")
	return int64(n), err
}
