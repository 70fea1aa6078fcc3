package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"dbchat/internal/models"
)

// stringify renders one cell for textual output. Large numbers get
// thousands separators, whole floats lose their decimals, everything
// else keeps two.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return formatFloat(float64(val))
	case int32:
		return formatFloat(float64(val))
	case int64:
		return formatFloat(float64(val))
	case float32:
		return formatFloat(float64(val))
	case float64:
		return formatFloat(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	if math.Abs(f) >= 1_000_000 {
		return groupThousands(strconv.FormatFloat(math.Round(f), 'f', 0, 64))
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func stringRows(res *models.QueryResult) [][]string {
	rows := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = stringify(v)
		}
		rows[i] = cells
	}
	return rows
}

// formatTable renders an aligned Markdown pipe table with outer pipes.
func formatTable(res *models.QueryResult) string {
	rows := stringRows(res)
	widths := make([]int, len(res.Columns))
	for i, col := range res.Columns {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString("\n")
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" " + cell + strings.Repeat(" ", w-len(cell)) + " |")
		}
		b.WriteString("\n")
	}
	writeRow(res.Columns)
	b.WriteString("|")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2) + "|")
	}
	b.WriteString("\n")
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

// formatText renders a plain pipe listing without alignment padding.
func formatText(res *models.QueryResult) string {
	var b strings.Builder
	b.WriteString(strings.Join(res.Columns, " | "))
	b.WriteString("\n")
	seps := make([]string, len(res.Columns))
	for i, col := range res.Columns {
		n := len(col)
		if n < 3 {
			n = 3
		}
		seps[i] = strings.Repeat("-", n)
	}
	b.WriteString(strings.Join(seps, " | "))
	b.WriteString("\n")
	for _, row := range stringRows(res) {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	return b.String()
}

// formatCSV renders RFC-4180 style CSV.
func formatCSV(res *models.QueryResult) string {
	var b strings.Builder
	writeLine := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteByte(',')
			}
			if strings.ContainsAny(cell, ",\"\n") {
				cell = "\"" + strings.ReplaceAll(cell, "\"", "\"\"") + "\""
			}
			b.WriteString(cell)
		}
		b.WriteString("\n")
	}
	writeLine(res.Columns)
	for _, row := range stringRows(res) {
		writeLine(row)
	}
	return b.String()
}
