package tools

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/datasvc"
)

// Registry holds the fixed set of tools the engine may dispatch to.
// Exactly three tools exist: query, schema and chart.
type Registry struct {
	tools map[string]tool.InvokableTool
	order []string
}

// NewRegistry builds the registry over the shared data service and
// active-project pointer.
func NewRegistry(data *datasvc.Service, active *ActiveProject) *Registry {
	r := &Registry{tools: make(map[string]tool.InvokableTool)}
	r.register("query", initQueryTool(data, active))
	r.register("schema", initSchemaTool(data, active))
	r.register("chart", initChartTool(data, active))
	return r
}

func (r *Registry) register(name string, t tool.InvokableTool) {
	r.tools[name] = t
	r.order = append(r.order, name)
}

// Infos returns the declared tool schemas in registration order.
func (r *Registry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		info, err := r.tools[name].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info %s: %w", name, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Dispatch resolves and runs one tool call. Failures never escape as
// errors; they come back as text the model can read and react to.
func (r *Registry) Dispatch(ctx context.Context, name, arguments string) string {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Unknown function: %s", name)
	}
	result, err := t.InvokableRun(ctx, arguments)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return result
}
