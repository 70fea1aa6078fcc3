package agent

import (
	"strings"
)

// PostProcess repairs the model's final answer so the artifacts the
// run produced always appear in it: the chart payload, the largest
// query result table, the last SQL statement and its plan. The three
// rewrites are ordered and each one is idempotent.
func PostProcess(answer string, tr *RunTrace) string {
	if tr == nil {
		return answer
	}
	answer = injectChart(answer, tr.ChartJSON)
	answer = injectTable(answer, tr.QueryResults)
	answer = injectSQLPlan(answer, tr.LastSQL, tr.LastPlan)
	return answer
}

const chartFence = "```chart"

// injectChart guarantees a chart block carrying the tool's JSON. When
// the model emitted its own block but stripped the sql field, the
// block is replaced with the full payload. Fence matching ignores case.
func injectChart(answer, chartJSON string) string {
	if chartJSON == "" {
		return answer
	}
	start := strings.Index(strings.ToLower(answer), chartFence)
	if start < 0 {
		return chartFence + "\n" + chartJSON + "\n```\n\n" + answer
	}
	bodyStart := start + len(chartFence)
	if nl := strings.Index(answer[bodyStart:], "\n"); nl >= 0 {
		bodyStart += nl + 1
	}
	end := strings.Index(answer[bodyStart:], "```")
	if end < 0 {
		return answer
	}
	body := answer[bodyStart : bodyStart+end]
	if strings.Contains(body, `"sql"`) || !strings.Contains(chartJSON, `"sql"`) {
		return answer
	}
	return answer[:bodyStart] + chartJSON + "\n" + answer[bodyStart+end:]
}

// injectTable appends the largest tabular result of this run as a
// Markdown table, unless the answer already presents it.
func injectTable(answer string, results []string) string {
	var best [][]string
	for _, result := range results {
		rows := extractPipeRows(result)
		if len(rows) >= 2 && len(rows) >= len(best) {
			best = rows
		}
	}
	if best == nil {
		return answer
	}
	table := markdownTable(best)
	if hasMarkdownTable(answer) && containsNormalized(answer, best) {
		return answer
	}
	if strings.TrimSpace(answer) == "" {
		return table
	}
	return answer + "\n\n" + table
}

// extractPipeRows pulls the pipe-delimited rows out of one tool
// result: narrative lines before the first row are skipped, border and
// separator lines are dropped, capture stops at the first blank or
// non-row line, and rows with the wrong column count are ignored.
func extractPipeRows(text string) [][]string {
	var rows [][]string
	capturing := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !capturing {
			if !isPipeRow(trimmed) {
				continue
			}
			capturing = true
		}
		if trimmed == "" {
			break
		}
		if isBorderLine(trimmed) || isSeparatorLine(trimmed) {
			continue
		}
		if !isPipeRow(trimmed) {
			break
		}
		cells := splitPipeRow(trimmed)
		if len(rows) > 0 && len(cells) != len(rows[0]) {
			continue
		}
		rows = append(rows, cells)
	}
	return rows
}

func isPipeRow(line string) bool {
	return strings.Contains(line, "|") && !isSeparatorLine(line) && !isBorderLine(line)
}

// isBorderLine matches ASCII box borders like +----+----+.
func isBorderLine(line string) bool {
	if line == "" || !strings.ContainsAny(line, "-=") {
		return false
	}
	for _, r := range line {
		switch r {
		case '+', '-', '=', ' ':
		default:
			return false
		}
	}
	return true
}

// isSeparatorLine matches Markdown header separators like | --- | --- |.
func isSeparatorLine(line string) bool {
	if line == "" || !strings.Contains(line, "-") {
		return false
	}
	for _, r := range line {
		switch r {
		case '|', '-', ':', '+', ' ':
		default:
			return false
		}
	}
	return true
}

func splitPipeRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

func markdownTable(rows [][]string) string {
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("| " + strings.Join(cells, " | ") + " |")
	}
	writeRow(rows[0])
	b.WriteString("\n")
	seps := make([]string, len(rows[0]))
	for i := range seps {
		seps[i] = "---"
	}
	writeRow(seps)
	for _, row := range rows[1:] {
		b.WriteString("\n")
		writeRow(row)
	}
	return b.String()
}

// hasMarkdownTable requires a header row immediately followed by a
// separator row; a lone pipe-containing line does not count.
func hasMarkdownTable(answer string) bool {
	lines := strings.Split(answer, "\n")
	for i := 0; i+1 < len(lines); i++ {
		header := strings.TrimSpace(lines[i])
		sep := strings.TrimSpace(lines[i+1])
		if isPipeRow(header) && isSeparatorLine(sep) && strings.Contains(sep, "|") {
			return true
		}
	}
	return false
}

// containsNormalized checks whether every table row already appears in
// the answer, ignoring whitespace and commas to tolerate formatting
// drift.
func containsNormalized(answer string, rows [][]string) bool {
	normAnswer := normalizeForMatch(answer)
	for _, row := range rows {
		if !strings.Contains(normAnswer, normalizeForMatch(strings.Join(row, "|"))) {
			return false
		}
	}
	return true
}

func normalizeForMatch(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', ',':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// injectSQLPlan prepends a fenced SQL block with the last executed SQL
// and a [PLAN:...] marker immediately before it. Fence matching
// ignores case.
func injectSQLPlan(answer, sqlText, plan string) string {
	if sqlText != "" && !strings.Contains(strings.ToLower(answer), "```sql") {
		answer = "```sql\n" + sqlText + "\n```\n\n" + answer
	}
	if plan != "" && !strings.Contains(answer, "[PLAN:") {
		marker := "[PLAN:" + plan + "]"
		if idx := strings.Index(strings.ToLower(answer), "```sql"); idx >= 0 {
			answer = answer[:idx] + marker + "\n" + answer[idx:]
		} else {
			answer = marker + "\n\n" + answer
		}
	}
	return answer
}
