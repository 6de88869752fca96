package tools

import (
	"context"

	"github.com/shrimp-assistant/shrimp/internal/llm"
)

func (r *Registry) registerMemoryTools() {
	r.register(llm.ToolDef{
		Name:        "update_system_prompt_memory",
		Description: "Store a short durable note that will be injected into the system prompt of future turns.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"memory": map[string]any{"type": "string", "description": "The note to remember. Max 400 characters."},
			},
			"required": []string{"memory"},
		},
	}, r.updateMemory)

	r.register(llm.ToolDef{
		Name:        "list_system_prompt_memory",
		Description: "List the stored persistent memory notes.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, r.listMemory)

	r.register(llm.ToolDef{
		Name:        "clear_system_prompt_memory",
		Description: "Delete all persistent memory notes.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, r.clearMemory)
}

func (r *Registry) updateMemory(_ context.Context, args map[string]any) (any, error) {
	item, err := requireString(args, "memory")
	if err != nil {
		return nil, err
	}
	items, err := r.memory.Add(item)
	if err != nil {
		return nil, err
	}
	return map[string]any{"saved": true, "count": len(items)}, nil
}

func (r *Registry) listMemory(_ context.Context, _ map[string]any) (any, error) {
	items, err := r.memory.List()
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []string{}
	}
	return map[string]any{"items": items}, nil
}

func (r *Registry) clearMemory(_ context.Context, _ map[string]any) (any, error) {
	if err := r.memory.Clear(); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}
