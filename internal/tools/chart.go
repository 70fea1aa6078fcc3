package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/datasvc"
	"dbchat/internal/models"
)

type chartTool struct {
	data   *datasvc.Service
	active *ActiveProject
}

type chartParams struct {
	SQL       string `json:"sql"`
	ChartType string `json:"chart_type"`
	Title     string `json:"title,omitempty"`
	XLabel    string `json:"x_label,omitempty"`
	YLabel    string `json:"y_label,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Database  string `json:"database,omitempty"`
	Project   string `json:"project,omitempty"`
}

func initChartTool(data *datasvc.Service, active *ActiveProject) tool.InvokableTool {
	ct := &chartTool{data: data, active: active}
	info := &schema.ToolInfo{
		Name: "chart",
		Desc: "Run a SQL query and return its result as chart data for rendering. " +
			"The first column becomes the labels; numeric columns become datasets.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"sql": {
				Desc:     "The SQL statement producing the data to chart.",
				Type:     schema.String,
				Required: true,
			},
			"chart_type": {
				Desc:     "The kind of chart to render.",
				Type:     schema.String,
				Enum:     []string{"bar", "horizontal-bar", "line", "pie", "scatter", "area"},
				Required: true,
			},
			"title": {
				Desc:     "Chart title.",
				Type:     schema.String,
				Required: false,
			},
			"x_label": {
				Desc:     "Label for the x axis.",
				Type:     schema.String,
				Required: false,
			},
			"y_label": {
				Desc:     "Label for the y axis.",
				Type:     schema.String,
				Required: false,
			},
			"plan": {
				Desc:     "Short description of what this chart is intended to show.",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, ct.run)
}

func (c *chartTool) run(ctx context.Context, params *chartParams) (string, error) {
	if params == nil || strings.TrimSpace(params.SQL) == "" {
		return "", errors.New("sql must not be empty")
	}
	if params.ChartType == "" {
		return "", errors.New("chart_type is required")
	}
	_, current := c.active.Get()
	target, err := c.data.Resolve(params.Database, params.Project, current)
	if err != nil {
		return "", err
	}
	res, err := c.data.Execute(ctx, target.Path, params.SQL)
	if err != nil {
		return "", err
	}
	if res.RowCount == 0 {
		return "", errors.New("query returned no rows to chart")
	}

	chart := buildChart(res, params)
	data, err := json.Marshal(chart)
	if err != nil {
		return "", fmt.Errorf("encode chart data: %w", err)
	}
	return string(data), nil
}

// buildChart shapes a query result into chart data. With a single
// column the row index becomes the label; with exactly three columns
// where only the last is numeric, the first two combine into one
// grouped label.
func buildChart(res *models.QueryResult, params *chartParams) *models.ChartData {
	chart := &models.ChartData{
		ChartType: params.ChartType,
		Title:     params.Title,
		XLabel:    params.XLabel,
		YLabel:    params.YLabel,
		SQL:       params.SQL,
		Plan:      params.Plan,
		RowCount:  res.RowCount,
		Truncated: res.Truncated,
	}

	if len(res.Columns) == 1 {
		data := make([]float64, len(res.Rows))
		for i, row := range res.Rows {
			chart.Labels = append(chart.Labels, strconv.Itoa(i+1))
			data[i] = toFloat(row[0])
		}
		chart.Datasets = []models.ChartDataset{{Label: res.Columns[0], Data: data}}
		return chart
	}

	if len(res.Columns) == 3 && columnNumeric(res, 2) && !columnNumeric(res, 1) {
		data := make([]float64, len(res.Rows))
		for i, row := range res.Rows {
			chart.Labels = append(chart.Labels, stringify(row[0])+"-"+stringify(row[1]))
			data[i] = toFloat(row[2])
		}
		chart.Datasets = []models.ChartDataset{{Label: res.Columns[2], Data: data}}
		return chart
	}

	for _, row := range res.Rows {
		chart.Labels = append(chart.Labels, stringify(row[0]))
	}
	for col := 1; col < len(res.Columns); col++ {
		data := make([]float64, len(res.Rows))
		for i, row := range res.Rows {
			data[i] = toFloat(row[col])
		}
		chart.Datasets = append(chart.Datasets, models.ChartDataset{Label: res.Columns[col], Data: data})
	}
	return chart
}

func columnNumeric(res *models.QueryResult, col int) bool {
	for _, row := range res.Rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		if _, ok := tryFloat(row[col]); !ok {
			return false
		}
	}
	return true
}

func toFloat(v any) float64 {
	f, _ := tryFloat(v)
	return f
}

func tryFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case []byte:
		f, err := strconv.ParseFloat(string(val), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
