// Package tools is the fixed set of effectful operations the model can
// invoke during a turn. Dispatch is a table from tool name to a schema and
// a run function.
package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/memory"
	"github.com/shrimp-assistant/shrimp/internal/shell"
)

// ErrUnknownTool is returned for names outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// RunFunc executes a tool against already-decoded arguments. Errors become
// structured {error} results on the caller's side.
type RunFunc func(ctx context.Context, args map[string]any) (any, error)

type tool struct {
	def llm.ToolDef
	run RunFunc
}

// Registry owns the tool table and the capabilities the tools touch.
type Registry struct {
	tools  map[string]tool
	order  []string
	shells *shell.Manager
	memory *memory.Store
	logger *slog.Logger
}

func NewRegistry(shells *shell.Manager, mem *memory.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]tool),
		shells: shells,
		memory: mem,
		logger: logger,
	}
	r.registerShellTools()
	r.registerFileTools()
	r.registerMemoryTools()
	return r
}

func (r *Registry) register(def llm.ToolDef, run RunFunc) {
	r.tools[def.Name] = tool{def: def, run: run}
	r.order = append(r.order, def.Name)
}

// Definitions returns the tool declarations in registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	if r == nil {
		return nil
	}
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// Run dispatches a tool by name.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (any, error) {
	if r == nil {
		return nil, ErrUnknownTool
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, ErrUnknownTool
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.run(ctx, args)
	if err != nil {
		r.logger.Debug("tool failed", "tool", name, "error", err)
	}
	return out, err
}
