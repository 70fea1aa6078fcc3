package datasvc

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dbchat/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Service locates project database files and runs SQL against them.
// It is the single collaborator the tools use for database access.
type Service struct {
	dataDirs  []string
	defaultDB string
	rowLimit  int
}

// ProjectInfo identifies one discovered project database.
type ProjectInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

func New(dataDirs []string, defaultDB string, rowLimit int) *Service {
	if rowLimit <= 0 {
		rowLimit = 1000
	}
	return &Service{dataDirs: dataDirs, defaultDB: defaultDB, rowLimit: rowLimit}
}

// ProjectName derives the project name from a database file path.
func ProjectName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Discover lists the project database files found in the configured
// data directories, sorted by name.
func (s *Service) Discover() ([]ProjectInfo, error) {
	seen := make(map[string]bool)
	var projects []ProjectInfo
	for _, dir := range s.dataDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan data dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if ext != ".db" && ext != ".sqlite" {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if seen[path] {
				continue
			}
			seen[path] = true
			projects = append(projects, ProjectInfo{Name: ProjectName(path), Path: path})
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// Resolve picks the database a request should run against. Precedence:
// explicit database path, project name, the currently active database,
// the configured default, then a sole discovered database.
func (s *Service) Resolve(database, project, current string) (ProjectInfo, error) {
	if database != "" {
		if _, err := os.Stat(database); err == nil {
			return ProjectInfo{Name: ProjectName(database), Path: database}, nil
		}
		for _, dir := range s.dataDirs {
			path := filepath.Join(dir, database)
			if _, err := os.Stat(path); err == nil {
				return ProjectInfo{Name: ProjectName(path), Path: path}, nil
			}
		}
		return ProjectInfo{}, fmt.Errorf("database not found: %s", database)
	}
	if project != "" {
		projects, err := s.Discover()
		if err != nil {
			return ProjectInfo{}, err
		}
		for _, p := range projects {
			if strings.EqualFold(p.Name, project) {
				return p, nil
			}
		}
		return ProjectInfo{}, fmt.Errorf("project %q not found; available: %s", project, projectNames(projects))
	}
	if current != "" {
		return ProjectInfo{Name: ProjectName(current), Path: current}, nil
	}
	if s.defaultDB != "" {
		if _, err := os.Stat(s.defaultDB); err == nil {
			return ProjectInfo{Name: ProjectName(s.defaultDB), Path: s.defaultDB}, nil
		}
	}
	projects, err := s.Discover()
	if err != nil {
		return ProjectInfo{}, err
	}
	switch len(projects) {
	case 0:
		return ProjectInfo{}, fmt.Errorf("no project databases found")
	case 1:
		return projects[0], nil
	default:
		return ProjectInfo{}, fmt.Errorf("no project selected; available: %s", projectNames(projects))
	}
}

func projectNames(projects []ProjectInfo) string {
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

func (s *Service) open(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// Execute runs SQL against the database at path, capping captured rows
// at the configured limit.
func (s *Service) Execute(ctx context.Context, path, sqlText string) (*models.QueryResult, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &models.QueryResult{
		Columns:  cols,
		Database: path,
		Project:  ProjectName(path),
	}
	for rows.Next() {
		if len(result.Rows) >= s.rowLimit {
			result.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	if result.RowCount == 0 {
		result.Message = "Query executed successfully but returned no rows."
	}
	return result, nil
}

// Tables lists the user tables in the database at path.
func (s *Service) Tables(ctx context.Context, path string) ([]string, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Columns describes the columns of a table.
func (s *Service) Columns(ctx context.Context, path, table string) ([]ColumnInfo, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, ColumnInfo{Name: name, Type: ctype, NotNull: notNull != 0, PrimaryKey: pk != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table not found: %s", table)
	}
	return cols, nil
}

// CountNulls reports row and NULL counts for one column of a table.
func (s *Service) CountNulls(ctx context.Context, path, table, column string) (total, nulls int64, err error) {
	db, err := s.open(path)
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	q := fmt.Sprintf(`SELECT COUNT(*), COUNT(*) - COUNT(%q) FROM %q`, column, table)
	if err := db.QueryRowContext(ctx, q).Scan(&total, &nulls); err != nil {
		return 0, 0, fmt.Errorf("count nulls %s.%s: %w", table, column, err)
	}
	return total, nulls, nil
}
