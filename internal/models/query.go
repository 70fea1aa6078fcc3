package models

// QueryResult is the structured outcome of one SQL execution against a
// project database.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Database  string   `json:"database"`
	Project   string   `json:"project"`
	Message   string   `json:"message,omitempty"`
}

// ChartData is the payload the chart tool returns, serialized verbatim
// into the final answer's chart block.
type ChartData struct {
	ChartType string         `json:"chartType"`
	Title     string         `json:"title"`
	XLabel    string         `json:"xLabel"`
	YLabel    string         `json:"yLabel"`
	Labels    []string       `json:"labels"`
	Datasets  []ChartDataset `json:"datasets"`
	SQL       string         `json:"sql"`
	Plan      string         `json:"plan,omitempty"`
	RowCount  int            `json:"row_count"`
	Truncated bool           `json:"truncated"`
}

type ChartDataset struct {
	Label string    `json:"label"`
	Data  []float64 `json:"data"`
}
