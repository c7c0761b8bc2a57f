package reply

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var reTableSeparatorCell = regexp.MustCompile(`^:?-+:?$`)

// convertTables finds GFM tables outside code fences and renders them per
// mode: fenced verbatim (code), padded pipe rows (compact), or removed
// (drop). Non-table text passes through unchanged.
func convertTables(text string, mode TableMode) string {
	if mode == "" {
		mode = TableModeCode
	}

	lines := strings.Split(text, "\n")
	var out []string
	inFence := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if reFenceTop.MatchString(line) {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence || !isTableStart(lines, i) {
			out = append(out, line)
			continue
		}

		end := i + 2
		for end < len(lines) && isTableRow(lines[end]) {
			end++
		}
		out = append(out, renderTable(lines[i:end], mode)...)
		i = end - 1
	}
	return strings.Join(out, "\n")
}

// isTableStart reports whether a header row followed by a separator row
// begins at index i.
func isTableStart(lines []string, i int) bool {
	return isTableRow(lines[i]) && i+1 < len(lines) && isTableSeparator(lines[i+1])
}

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}

func isTableSeparator(line string) bool {
	cells := splitTableRow(line)
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		if !reTableSeparatorCell.MatchString(c) {
			return false
		}
	}
	return true
}

// splitTableRow splits "| a | b |" into trimmed cells, dropping the empty
// boundary cells produced by the outer pipes.
func splitTableRow(line string) []string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "|")
	trimmed = strings.TrimSuffix(trimmed, "|")
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func renderTable(tableLines []string, mode TableMode) []string {
	switch mode {
	case TableModeDrop:
		return nil
	case TableModeCompact:
		return renderCompactTable(tableLines)
	default:
		out := make([]string, 0, len(tableLines)+2)
		out = append(out, "```")
		out = append(out, tableLines...)
		out = append(out, "```")
		return out
	}
}

// renderCompactTable renders header and body rows as pipe-joined cells,
// each column padded to its widest cell. Widths use display width so CJK
// content lines up.
func renderCompactTable(tableLines []string) []string {
	var rows [][]string
	for i, line := range tableLines {
		if i == 1 {
			continue // separator row
		}
		rows = append(rows, splitTableRow(line))
	}

	var widths []int
	for _, row := range rows {
		for c, cell := range row {
			w := runewidth.StringWidth(cell)
			if c >= len(widths) {
				widths = append(widths, w)
			} else if w > widths[c] {
				widths[c] = w
			}
		}
	}

	out := make([]string, 0, len(rows))
	for _, row := range rows {
		padded := make([]string, len(row))
		for c, cell := range row {
			padded[c] = runewidth.FillRight(cell, widths[c])
		}
		out = append(out, strings.TrimRight(strings.Join(padded, " | "), " "))
	}
	return out
}
