package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shrimp-assistant/shrimp/internal/llm"
)

const (
	defaultReadMaxBytes = 200_000
	hardReadMaxBytes    = 2_000_000
	defaultListEntries  = 500
	hardListEntries     = 5_000
)

func (r *Registry) registerFileTools() {
	r.register(llm.ToolDef{
		Name:        "read_file",
		Description: "Read a file as UTF-8 text. Large files are truncated.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":     map[string]any{"type": "string"},
				"maxBytes": map[string]any{"type": "integer", "description": "Byte cap, default 200000, max 2000000."},
			},
			"required": []string{"path"},
		},
	}, r.readFile)

	r.register(llm.ToolDef{
		Name:        "write_file",
		Description: "Write UTF-8 content to a file, creating parent directories.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":            map[string]any{"type": "string"},
				"content":         map[string]any{"type": "string"},
				"createIfMissing": map[string]any{"type": "boolean", "description": "Default true. When false, fail if the file does not exist."},
			},
			"required": []string{"path", "content"},
		},
	}, r.writeFile)

	r.register(llm.ToolDef{
		Name:        "edit_file",
		Description: "Replace line ranges in a file. Lines are 1-based; each patch replaces lines startLine through endLine inclusive with newText.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
				"patches": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"startLine": map[string]any{"type": "integer", "minimum": 1},
							"endLine":   map[string]any{"type": "integer", "minimum": 1},
							"newText":   map[string]any{"type": "string"},
						},
						"required": []string{"startLine", "endLine", "newText"},
					},
				},
			},
			"required": []string{"path", "patches"},
		},
	}, r.editFile)

	r.register(llm.ToolDef{
		Name:        "list_files",
		Description: "List directory entries, optionally recursive (breadth-first).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string"},
				"recursive":  map[string]any{"type": "boolean"},
				"maxEntries": map[string]any{"type": "integer", "description": "Default 500, max 5000."},
			},
			"required": []string{"path"},
		},
	}, r.listFiles)
}

func (r *Registry) readFile(_ context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	maxBytes, present, ok := argInt(args, "maxBytes")
	if !ok || (present && maxBytes <= 0) {
		return nil, fmt.Errorf("maxBytes must be a positive integer")
	}
	if !present {
		maxBytes = defaultReadMaxBytes
	}
	if maxBytes > hardReadMaxBytes {
		maxBytes = hardReadMaxBytes
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	truncated := false
	if int64(len(b)) > maxBytes {
		b = b[:maxBytes]
		truncated = true
	}
	return map[string]any{
		"path":      abs,
		"content":   strings.ToValidUTF8(string(b), "�"),
		"truncated": truncated,
	}, nil
}

func (r *Registry) writeFile(_ context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("missing required argument %q", "content")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if !argBool(args, "createIfMissing", true) {
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("file not found: %s", abs)
		}
	}
	if dir := filepath.Dir(abs); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": abs, "bytesWritten": len(content)}, nil
}

type patch struct {
	startLine int
	endLine   int
	newText   string
}

func decodePatches(raw any) ([]patch, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("patches must be a non-empty array")
	}
	out := make([]patch, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("patch %d must be an object", i)
		}
		start, _, okS := argInt(obj, "startLine")
		end, _, okE := argInt(obj, "endLine")
		text, okT := obj["newText"].(string)
		if !okS || !okE || !okT {
			return nil, fmt.Errorf("patch %d needs startLine, endLine and newText", i)
		}
		if start < 1 || end < start {
			return nil, fmt.Errorf("patch %d has an invalid range %d..%d", i, start, end)
		}
		out = append(out, patch{startLine: int(start), endLine: int(end), newText: text})
	}
	return out, nil
}

func (r *Registry) editFile(_ context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	patches, err := decodePatches(args["patches"])
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	lines := strings.Split(string(b), "\n")

	for i, p := range patches {
		if p.endLine > len(lines) {
			return nil, fmt.Errorf("patch %d range %d..%d is out of bounds (%d lines)", i, p.startLine, p.endLine, len(lines))
		}
	}

	// Descending start keeps lower line numbers valid while splicing.
	sort.Slice(patches, func(i, j int) bool { return patches[i].startLine > patches[j].startLine })
	for _, p := range patches {
		replacement := strings.Split(p.newText, "\n")
		next := make([]string, 0, len(lines)-(p.endLine-p.startLine+1)+len(replacement))
		next = append(next, lines[:p.startLine-1]...)
		next = append(next, replacement...)
		next = append(next, lines[p.endLine:]...)
		lines = next
	}

	if err := os.WriteFile(abs, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"applied": true, "hunksApplied": len(patches)}, nil
}

type listedEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size *int64 `json:"size,omitempty"`
}

func (r *Registry) listFiles(_ context.Context, args map[string]any) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	maxEntries, present, ok := argInt(args, "maxEntries")
	if !ok || (present && maxEntries <= 0) {
		return nil, fmt.Errorf("maxEntries must be a positive integer")
	}
	if !present {
		maxEntries = defaultListEntries
	}
	if maxEntries > hardListEntries {
		maxEntries = hardListEntries
	}
	recursive := argBool(args, "recursive", false)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	out := make([]listedEntry, 0, 32)
	queue := []string{abs}
	for len(queue) > 0 && int64(len(out)) < maxEntries {
		dir := queue[0]
		queue = queue[1:]
		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == abs {
				return nil, fmt.Errorf("list %s: %w", abs, err)
			}
			continue
		}
		for _, e := range entries {
			if int64(len(out)) >= maxEntries {
				break
			}
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				out = append(out, listedEntry{Path: full, Type: "dir"})
				if recursive {
					queue = append(queue, full)
				}
				continue
			}
			le := listedEntry{Path: full, Type: "file"}
			if info, err := e.Info(); err == nil {
				size := info.Size()
				le.Size = &size
			}
			out = append(out, le)
		}
	}
	return map[string]any{"entries": out, "truncated": int64(len(out)) >= maxEntries && len(queue) > 0}, nil
}
