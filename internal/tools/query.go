package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/datasvc"
	"dbchat/internal/schemadoc"
)

type queryTool struct {
	data   *datasvc.Service
	active *ActiveProject
}

type queryParams struct {
	SQL          string `json:"sql"`
	Plan         string `json:"plan,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	Database     string `json:"database,omitempty"`
	Project      string `json:"project,omitempty"`
}

func initQueryTool(data *datasvc.Service, active *ActiveProject) tool.InvokableTool {
	qt := &queryTool{data: data, active: active}
	info := &schema.ToolInfo{
		Name: "query",
		Desc: "Execute a SQL query against the active project database and return the result rows. " +
			"Include a short plan describing what the query is meant to answer.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"sql": {
				Desc:     "The SQL statement to execute.",
				Type:     schema.String,
				Required: true,
			},
			"plan": {
				Desc:     "Short description of what this query is intended to find out.",
				Type:     schema.String,
				Required: false,
			},
			"output_format": {
				Desc:     "Result rendering: text, table or csv. Defaults to table.",
				Type:     schema.String,
				Enum:     []string{"text", "table", "csv"},
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, qt.run)
}

func (q *queryTool) run(ctx context.Context, params *queryParams) (string, error) {
	if params == nil || strings.TrimSpace(params.SQL) == "" {
		return "", errors.New("sql must not be empty")
	}
	_, current := q.active.Get()
	target, err := q.data.Resolve(params.Database, params.Project, current)
	if err != nil {
		return "", err
	}

	res, err := q.data.Execute(ctx, target.Path, params.SQL)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s (project: %s)\n", target.Path, target.Name)
	if res.RowCount == 0 {
		b.WriteString("\n" + res.Message)
		return b.String(), nil
	}

	switch params.OutputFormat {
	case "csv":
		b.WriteString("\n" + formatCSV(res))
	case "text":
		b.WriteString("\n" + formatText(res))
	default:
		b.WriteString(formatTable(res))
	}
	if res.Truncated {
		fmt.Fprintf(&b, "\n(Results limited to first %d rows)", res.RowCount)
	}
	if notes := q.schemaNotes(ctx, target.Path, params.SQL); notes != "" {
		b.WriteString("\n" + notes)
	}
	return b.String(), nil
}

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// schemaNotes appends any documented descriptions for tables the query
// references, so the model sees the curated context alongside raw rows.
func (q *queryTool) schemaNotes(ctx context.Context, dbPath, sqlText string) string {
	mgr, err := schemadoc.Open(dbPath)
	if err != nil {
		log.Printf("schema doc unavailable for %s: %v", dbPath, err)
		return ""
	}
	referenced := make(map[string]bool)
	for _, ident := range identPattern.FindAllString(sqlText, -1) {
		referenced[strings.ToLower(ident)] = true
	}
	var notes []string
	for _, table := range mgr.TableNames() {
		if !referenced[strings.ToLower(table)] {
			continue
		}
		doc, ok := mgr.Table(table)
		if !ok || doc.ShortDescription == "" {
			continue
		}
		notes = append(notes, fmt.Sprintf("- %s: %s", table, doc.ShortDescription))
	}
	if len(notes) == 0 {
		return ""
	}
	return "Schema notes:\n" + strings.Join(notes, "\n")
}
