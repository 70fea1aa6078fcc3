package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/datasvc"
	"dbchat/internal/schemadoc"
)

type schemaTool struct {
	data   *datasvc.Service
	active *ActiveProject
}

type schemaParams struct {
	Action           string `json:"action"`
	TableName        string `json:"table_name,omitempty"`
	FieldName        string `json:"field_name,omitempty"`
	FieldsJSON       string `json:"fields_json,omitempty"`
	ShortDescription string `json:"short_description,omitempty"`
	LongDescription  string `json:"long_description,omitempty"`
	DataType         string `json:"data_type,omitempty"`
	Nullability      string `json:"nullability,omitempty"`
	Keyword          string `json:"keyword,omitempty"`
	Database         string `json:"database,omitempty"`
	Project          string `json:"project,omitempty"`
}

func initSchemaTool(data *datasvc.Service, active *ActiveProject) tool.InvokableTool {
	st := &schemaTool{data: data, active: active}
	info := &schema.ToolInfo{
		Name: "schema",
		Desc: "Inspect and document the active database schema: list tables and fields, read and " +
			"update their descriptions, search documented fields and manage saved queries.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"action": {
				Desc: "The schema operation to perform.",
				Type: schema.String,
				Enum: []string{
					"list_tables", "list_fields", "get_table_info", "list_saved_queries",
					"get_full_schema", "update_field", "update_table", "update_fields_batch",
					"infer_nullability", "search_fields",
				},
				Required: true,
			},
			"table_name": {
				Desc:     "Table to operate on; required for table- and field-level actions.",
				Type:     schema.String,
				Required: false,
			},
			"field_name": {
				Desc:     "Field to operate on; required for update_field.",
				Type:     schema.String,
				Required: false,
			},
			"fields_json": {
				Desc:     "JSON object mapping field names to {description, data_type, nullability}; used by update_fields_batch.",
				Type:     schema.String,
				Required: false,
			},
			"short_description": {
				Desc:     "One-line description for update_table, or field description for update_field.",
				Type:     schema.String,
				Required: false,
			},
			"long_description": {
				Desc:     "Extended description for update_table.",
				Type:     schema.String,
				Required: false,
			},
			"data_type": {
				Desc:     "Documented logical data type for update_field.",
				Type:     schema.String,
				Required: false,
			},
			"nullability": {
				Desc:     "Documented nullability for update_field, e.g. NOT NULL or NULLABLE.",
				Type:     schema.String,
				Required: false,
			},
			"keyword": {
				Desc:     "Search term for search_fields.",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, st.run)
}

func (s *schemaTool) run(ctx context.Context, params *schemaParams) (string, error) {
	if params == nil || params.Action == "" {
		return "", errors.New("action is required")
	}
	_, current := s.active.Get()
	target, err := s.data.Resolve(params.Database, params.Project, current)
	if err != nil {
		return "", err
	}
	docs, err := schemadoc.Open(target.Path)
	if err != nil {
		return "", err
	}

	switch params.Action {
	case "list_tables":
		return s.listTables(ctx, target, docs)
	case "list_fields":
		return s.listFields(ctx, target, docs, params.TableName)
	case "get_table_info":
		return s.tableInfo(ctx, target, docs, params.TableName)
	case "list_saved_queries":
		return listSavedQueries(docs), nil
	case "get_full_schema":
		return s.fullSchema(ctx, target, docs)
	case "update_table":
		if params.TableName == "" {
			return "", errors.New("table_name is required for update_table")
		}
		if err := docs.UpdateTable(params.TableName, params.ShortDescription, params.LongDescription); err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated documentation for table '%s'.", params.TableName), nil
	case "update_field":
		if params.TableName == "" || params.FieldName == "" {
			return "", errors.New("table_name and field_name are required for update_field")
		}
		if err := docs.UpdateField(params.TableName, params.FieldName,
			params.ShortDescription, params.DataType, params.Nullability); err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated documentation for field '%s.%s'.", params.TableName, params.FieldName), nil
	case "update_fields_batch":
		return s.updateFieldsBatch(docs, params)
	case "infer_nullability":
		return s.inferNullability(ctx, target, docs, params.TableName)
	case "search_fields":
		return searchFields(docs, params.Keyword)
	default:
		return "", fmt.Errorf("unknown schema action: %s", params.Action)
	}
}

func (s *schemaTool) listTables(ctx context.Context, target datasvc.ProjectInfo, docs *schemadoc.Manager) (string, error) {
	tables, err := s.data.Tables(ctx, target.Path)
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return fmt.Sprintf("No tables found in project '%s'.", target.Name), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tables in project '%s':\n", target.Name)
	for _, table := range tables {
		if doc, ok := docs.Table(table); ok && doc.ShortDescription != "" {
			fmt.Fprintf(&b, "- %s: %s\n", table, doc.ShortDescription)
		} else {
			fmt.Fprintf(&b, "- %s (undocumented)\n", table)
		}
	}
	return b.String(), nil
}

func (s *schemaTool) listFields(ctx context.Context, target datasvc.ProjectInfo, docs *schemadoc.Manager, table string) (string, error) {
	if table == "" {
		return "", errors.New("table_name is required for list_fields")
	}
	cols, err := s.data.Columns(ctx, target.Path, table)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fields in table '%s':\n", table)
	for _, col := range cols {
		line := fmt.Sprintf("- %s (%s", col.Name, col.Type)
		if col.NotNull {
			line += ", NOT NULL"
		}
		if col.PrimaryKey {
			line += ", PK"
		}
		line += ")"
		if doc, ok := docs.Field(table, col.Name); ok && doc.Description != "" {
			line += ": " + doc.Description
		}
		b.WriteString(line + "\n")
	}
	return b.String(), nil
}

func (s *schemaTool) tableInfo(ctx context.Context, target datasvc.ProjectInfo, docs *schemadoc.Manager, table string) (string, error) {
	if table == "" {
		return "", errors.New("table_name is required for get_table_info")
	}
	fields, err := s.listFields(ctx, target, docs, table)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Table '%s' in project '%s'\n", table, target.Name)
	if doc, ok := docs.Table(table); ok {
		if doc.ShortDescription != "" {
			fmt.Fprintf(&b, "Description: %s\n", doc.ShortDescription)
		}
		if doc.LongDescription != "" {
			fmt.Fprintf(&b, "Details: %s\n", doc.LongDescription)
		}
	}
	b.WriteString("\n" + fields)
	return b.String(), nil
}

func (s *schemaTool) fullSchema(ctx context.Context, target datasvc.ProjectInfo, docs *schemadoc.Manager) (string, error) {
	tables, err := s.data.Tables(ctx, target.Path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Schema for project '%s' (%s)\n", target.Name, target.Path)
	meta := docs.ProjectMeta()
	if meta.Description != "" {
		fmt.Fprintf(&b, "%s\n", meta.Description)
	}
	for _, table := range tables {
		b.WriteString("\n")
		info, err := s.tableInfo(ctx, target, docs, table)
		if err != nil {
			return "", err
		}
		b.WriteString(info)
	}
	return b.String(), nil
}

func listSavedQueries(docs *schemadoc.Manager) string {
	queries := docs.SavedQueries()
	if len(queries) == 0 {
		return "No saved queries."
	}
	var b strings.Builder
	b.WriteString("Saved queries:\n")
	for _, q := range queries {
		fmt.Fprintf(&b, "- [%s] %s: %s\n  %s\n", q.ID, q.Name, q.Description, q.SQL)
	}
	return b.String()
}

func (s *schemaTool) updateFieldsBatch(docs *schemadoc.Manager, params *schemaParams) (string, error) {
	if params.TableName == "" {
		return "", errors.New("table_name is required for update_fields_batch")
	}
	if params.FieldsJSON == "" {
		return "", errors.New("fields_json is required for update_fields_batch")
	}
	var raw map[string]struct {
		Description string `json:"description"`
		DataType    string `json:"data_type"`
		Nullability string `json:"nullability"`
	}
	if err := json.Unmarshal([]byte(params.FieldsJSON), &raw); err != nil {
		return "", fmt.Errorf("parse fields_json: %w", err)
	}
	fields := make(map[string]schemadoc.FieldDoc, len(raw))
	for name, f := range raw {
		fields[name] = schemadoc.FieldDoc{
			Description: f.Description,
			DataType:    f.DataType,
			Nullability: f.Nullability,
		}
	}
	if err := docs.UpdateFieldsBatch(params.TableName, fields); err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated documentation for %d fields of table '%s'.", len(fields), params.TableName), nil
}

func (s *schemaTool) inferNullability(ctx context.Context, target datasvc.ProjectInfo, docs *schemadoc.Manager, table string) (string, error) {
	if table == "" {
		return "", errors.New("table_name is required for infer_nullability")
	}
	cols, err := s.data.Columns(ctx, target.Path, table)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Nullability of table '%s':\n", table)
	for _, col := range cols {
		total, nulls, err := s.data.CountNulls(ctx, target.Path, table, col.Name)
		if err != nil {
			return "", err
		}
		nullability := "NOT NULL"
		if nulls > 0 {
			pct := float64(nulls) / float64(total) * 100
			nullability = fmt.Sprintf("NULLABLE (%.1f%% null)", pct)
		}
		if err := docs.UpdateField(table, col.Name, "", "", nullability); err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "- %s: %s\n", col.Name, nullability)
	}
	return b.String(), nil
}

func searchFields(docs *schemadoc.Manager, keyword string) (string, error) {
	if strings.TrimSpace(keyword) == "" {
		return "", errors.New("keyword is required for search_fields")
	}
	matches := docs.SearchFields(keyword)
	if len(matches) == 0 {
		return fmt.Sprintf("No documented fields match '%s'.", keyword), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fields matching '%s':\n", keyword)
	for _, m := range matches {
		line := fmt.Sprintf("- %s.%s", m.Table, m.Field)
		if m.Doc.Description != "" {
			line += ": " + m.Doc.Description
		}
		b.WriteString(line + "\n")
	}
	return b.String(), nil
}
