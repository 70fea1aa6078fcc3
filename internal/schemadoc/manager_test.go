package schemadoc

import (
	"path/filepath"
	"testing"
)

func TestSidecarPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/data/fleet.db", "/data/fleet.schema.json"},
		{"/data/fleet.sqlite", "/data/fleet.schema.json"},
		{"/data.dir/fleet", "/data.dir/fleet.schema.json"},
	}
	for _, tc := range cases {
		if got := SidecarPath(tc.in); got != tc.want {
			t.Fatalf("SidecarPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenStartsEmptyWithoutSidecar(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(m.TableNames()) != 0 {
		t.Fatalf("new document not empty: %v", m.TableNames())
	}
}

func TestUpdateTablePersistsAcrossOpens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fleet.db")

	m, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.UpdateTable("vehicles", "Vehicle catalog", "All vehicle types."); err != nil {
		t.Fatalf("update table: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	doc, ok := reopened.Table("vehicles")
	if !ok || doc.ShortDescription != "Vehicle catalog" || doc.LongDescription != "All vehicle types." {
		t.Fatalf("table doc not persisted: %+v, %v", doc, ok)
	}
}

func TestUpdateTableEmptyStringsKeepValues(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.UpdateTable("vehicles", "short", "long"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.UpdateTable("vehicles", "", "revised long"); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _ := m.Table("vehicles")
	if doc.ShortDescription != "short" || doc.LongDescription != "revised long" {
		t.Fatalf("partial update wrong: %+v", doc)
	}
}

func TestUpdateFieldAndBatch(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.UpdateField("vehicles", "id", "Primary key", "INTEGER", "NOT NULL"); err != nil {
		t.Fatalf("update field: %v", err)
	}
	if err := m.UpdateFieldsBatch("vehicles", map[string]FieldDoc{
		"name":     {Description: "Display name", DataType: "TEXT"},
		"capacity": {Description: "Seats", Nullability: "NULLABLE (33.3% null)"},
	}); err != nil {
		t.Fatalf("batch update: %v", err)
	}

	f, ok := m.Field("vehicles", "id")
	if !ok || f.DataType != "INTEGER" || f.Nullability != "NOT NULL" {
		t.Fatalf("field doc wrong: %+v", f)
	}
	if f, _ := m.Field("vehicles", "capacity"); f.Nullability != "NULLABLE (33.3% null)" {
		t.Fatalf("batch field wrong: %+v", f)
	}
}

func TestSearchFields(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.UpdateFieldsBatch("vehicles", map[string]FieldDoc{
		"capacity":   {Description: "Number of seats"},
		"name":       {Description: "Vehicle name"},
		"created_at": {Description: "When the row was added"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.UpdateField("drivers", "seat_pref", "Preferred seat position", "", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	matches := m.SearchFields("SEAT")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}
	if matches[0].Table != "drivers" || matches[0].Field != "seat_pref" {
		t.Fatalf("matches not ordered: %+v", matches)
	}
	if matches[1].Table != "vehicles" || matches[1].Field != "capacity" {
		t.Fatalf("description match missing: %+v", matches)
	}
}

func TestSavedQueryLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fleet.db")
	m, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	q, err := m.SaveQuery("top vehicles", "largest first", "SELECT * FROM vehicles ORDER BY capacity DESC")
	if err != nil {
		t.Fatalf("save query: %v", err)
	}
	if q.ID == "" || q.CreatedAt.IsZero() {
		t.Fatalf("saved query incomplete: %+v", q)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	queries := reopened.SavedQueries()
	if len(queries) != 1 || queries[0].Name != "top vehicles" {
		t.Fatalf("query not persisted: %+v", queries)
	}

	if err := reopened.DeleteQuery(q.ID); err != nil {
		t.Fatalf("delete query: %v", err)
	}
	if len(reopened.SavedQueries()) != 0 {
		t.Fatalf("query not deleted")
	}
	if err := reopened.DeleteQuery(q.ID); err == nil {
		t.Fatalf("expected error deleting unknown query")
	}
}
