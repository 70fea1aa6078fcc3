package schemadoc

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Package schemadoc maintains the human-written documentation for a
// project database: table and field descriptions, relationships and
// saved queries, kept in a JSON sidecar file next to the database.

// Document is the persisted sidecar content.
type Document struct {
	Project      ProjectMeta          `json:"project"`
	Tables       map[string]*TableDoc `json:"tables"`
	SavedQueries []SavedQuery         `json:"saved_queries,omitempty"`
}

type ProjectMeta struct {
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

type TableDoc struct {
	ShortDescription string               `json:"short_description,omitempty"`
	LongDescription  string               `json:"long_description,omitempty"`
	Fields           map[string]*FieldDoc `json:"fields,omitempty"`
}

type FieldDoc struct {
	DataType    string `json:"data_type,omitempty"`
	Description string `json:"description,omitempty"`
	Nullability string `json:"nullability,omitempty"`
}

type SavedQuery struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SQL         string    `json:"sql"`
	CreatedAt   time.Time `json:"created_at"`
}

// FieldMatch is one hit from SearchFields.
type FieldMatch struct {
	Table string
	Field string
	Doc   FieldDoc
}

// Manager guards one sidecar document. Mutators persist immediately.
type Manager struct {
	mu   sync.Mutex
	path string
	doc  *Document
}

// SidecarPath derives the documentation file path for a database file.
func SidecarPath(dbPath string) string {
	if idx := strings.LastIndex(dbPath, "."); idx > strings.LastIndex(dbPath, "/") {
		dbPath = dbPath[:idx]
	}
	return dbPath + ".schema.json"
}

// Open loads the sidecar for the given database, starting empty when
// no sidecar exists yet.
func Open(dbPath string) (*Manager, error) {
	path := SidecarPath(dbPath)
	doc := &Document{Tables: make(map[string]*TableDoc)}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parse schema doc %s: %w", path, err)
		}
		if doc.Tables == nil {
			doc.Tables = make(map[string]*TableDoc)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read schema doc %s: %w", path, err)
	}
	return &Manager{path: path, doc: doc}, nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema doc: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write schema doc %s: %w", m.path, err)
	}
	return nil
}

// ProjectMeta returns the project metadata block.
func (m *Manager) ProjectMeta() ProjectMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Project
}

// Table returns the documentation for one table, if any.
func (m *Manager) Table(name string) (TableDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.doc.Tables[name]
	if !ok {
		return TableDoc{}, false
	}
	return *t, true
}

// TableNames lists documented tables sorted by name.
func (m *Manager) TableNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.doc.Tables))
	for name := range m.doc.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the documentation for one field, if any.
func (m *Manager) Field(table, field string) (FieldDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.doc.Tables[table]
	if !ok || t.Fields == nil {
		return FieldDoc{}, false
	}
	f, ok := t.Fields[field]
	if !ok {
		return FieldDoc{}, false
	}
	return *f, true
}

// UpdateTable sets table descriptions; empty strings leave the current
// value untouched.
func (m *Manager) UpdateTable(table, short, long string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.ensureTable(table)
	if short != "" {
		t.ShortDescription = short
	}
	if long != "" {
		t.LongDescription = long
	}
	return m.save()
}

// UpdateField sets field metadata; empty strings leave the current
// value untouched.
func (m *Manager) UpdateField(table, field, description, dataType, nullability string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.ensureField(table, field)
	if description != "" {
		f.Description = description
	}
	if dataType != "" {
		f.DataType = dataType
	}
	if nullability != "" {
		f.Nullability = nullability
	}
	return m.save()
}

// UpdateFieldsBatch applies many field updates in one write.
func (m *Manager) UpdateFieldsBatch(table string, fields map[string]FieldDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, doc := range fields {
		f := m.ensureField(table, name)
		if doc.Description != "" {
			f.Description = doc.Description
		}
		if doc.DataType != "" {
			f.DataType = doc.DataType
		}
		if doc.Nullability != "" {
			f.Nullability = doc.Nullability
		}
	}
	return m.save()
}

// SearchFields returns all fields whose name or description contains
// the keyword, case-insensitively, ordered by table then field.
func (m *Manager) SearchFields(keyword string) []FieldMatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyword = strings.ToLower(keyword)
	var matches []FieldMatch
	for table, t := range m.doc.Tables {
		for field, f := range t.Fields {
			if strings.Contains(strings.ToLower(field), keyword) ||
				strings.Contains(strings.ToLower(f.Description), keyword) {
				matches = append(matches, FieldMatch{Table: table, Field: field, Doc: *f})
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Table != matches[j].Table {
			return matches[i].Table < matches[j].Table
		}
		return matches[i].Field < matches[j].Field
	})
	return matches
}

// SavedQueries lists saved queries in insertion order.
func (m *Manager) SavedQueries() []SavedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SavedQuery, len(m.doc.SavedQueries))
	copy(out, m.doc.SavedQueries)
	return out
}

// SaveQuery records a named query and returns its id.
func (m *Manager) SaveQuery(name, description, sqlText string) (SavedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := SavedQuery{
		ID:          fmt.Sprintf("q%d", time.Now().UnixNano()),
		Name:        name,
		Description: description,
		SQL:         sqlText,
		CreatedAt:   time.Now().UTC(),
	}
	m.doc.SavedQueries = append(m.doc.SavedQueries, q)
	if err := m.save(); err != nil {
		return SavedQuery{}, err
	}
	return q, nil
}

// DeleteQuery removes a saved query by id.
func (m *Manager) DeleteQuery(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.doc.SavedQueries {
		if q.ID == id {
			m.doc.SavedQueries = append(m.doc.SavedQueries[:i], m.doc.SavedQueries[i+1:]...)
			return m.save()
		}
	}
	return fmt.Errorf("saved query not found: %s", id)
}

func (m *Manager) ensureTable(table string) *TableDoc {
	t, ok := m.doc.Tables[table]
	if !ok {
		t = &TableDoc{}
		m.doc.Tables[table] = t
	}
	return t
}

func (m *Manager) ensureField(table, field string) *FieldDoc {
	t := m.ensureTable(table)
	if t.Fields == nil {
		t.Fields = make(map[string]*FieldDoc)
	}
	f, ok := t.Fields[field]
	if !ok {
		f = &FieldDoc{}
		t.Fields[field] = f
	}
	return f
}
