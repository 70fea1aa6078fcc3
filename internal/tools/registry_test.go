package tools

import (
	"context"
	"testing"

	"dbchat/internal/datasvc"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	data := datasvc.New([]string{t.TempDir()}, "", 1000)
	return NewRegistry(data, &ActiveProject{})
}

func TestRegistryInfosDeclaresThreeTools(t *testing.T) {
	r := testRegistry(t)
	infos, err := r.Infos(context.Background())
	if err != nil {
		t.Fatalf("infos: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(infos))
	}
	want := []string{"query", "schema", "chart"}
	for i, name := range want {
		if infos[i].Name != name {
			t.Fatalf("tool %d = %q, want %q", i, infos[i].Name, name)
		}
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := testRegistry(t)
	got := r.Dispatch(context.Background(), "web_search", "{}")
	if got != "Unknown function: web_search" {
		t.Fatalf("unexpected dispatch result: %q", got)
	}
}

func TestDispatchToolErrorBecomesText(t *testing.T) {
	r := testRegistry(t)
	// No projects exist, so resolving a database fails inside the tool.
	got := r.Dispatch(context.Background(), "query", `{"sql":"SELECT 1"}`)
	if got == "" || got[:22] != "Error executing query:" {
		t.Fatalf("tool failure not converted to text: %q", got)
	}
}
