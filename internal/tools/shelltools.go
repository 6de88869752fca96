package tools

import (
	"context"
	"fmt"

	"github.com/shrimp-assistant/shrimp/internal/llm"
	"github.com/shrimp-assistant/shrimp/internal/shell"
)

func (r *Registry) registerShellTools() {
	r.register(llm.ToolDef{
		Name:        "run_command",
		Description: "Run a shell command. Commands on the same sessionId share environment and working directory. Set interactive=true for commands that read stdin, then drive them with write_stdin.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string", "description": "The command to run."},
				"sessionId":   map[string]any{"type": "string", "description": "Shell session id. Omit to use the shared default session."},
				"cwd":         map[string]any{"type": "string", "description": "Working directory when a new session is created."},
				"timeoutMs":   map[string]any{"type": "integer", "description": "Timeout in milliseconds, max 300000. Default 30000."},
				"interactive": map[string]any{"type": "boolean", "description": "Run in a dedicated process that stays drivable via write_stdin."},
			},
			"required": []string{"command"},
		},
	}, r.runCommand)

	r.register(llm.ToolDef{
		Name:        "create_shell_session",
		Description: "Create a new persistent shell session and return its id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cwd": map[string]any{"type": "string", "description": "Initial working directory."},
			},
		},
	}, r.createShellSession)

	r.register(llm.ToolDef{
		Name:        "close_shell_session",
		Description: "Kill and remove a shell session.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sessionId": map[string]any{"type": "string"},
			},
			"required": []string{"sessionId"},
		},
	}, r.closeShellSession)

	r.register(llm.ToolDef{
		Name:        "write_stdin",
		Description: "Send input to the command currently running in a session, wait yieldMs, and return the new output. Use after a run_command timed out.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sessionId": map[string]any{"type": "string"},
				"chars":     map[string]any{"type": "string", "description": "Bytes to write. Include the trailing newline when answering a prompt."},
				"yieldMs":   map[string]any{"type": "integer", "description": "How long to wait for output, 0 to 300000. Default 100."},
			},
			"required": []string{"sessionId"},
		},
	}, r.writeStdin)
}

func (r *Registry) runCommand(ctx context.Context, args map[string]any) (any, error) {
	command, err := requireString(args, "command")
	if err != nil {
		return nil, err
	}
	timeoutMS, present, ok := argInt(args, "timeoutMs")
	if !ok {
		return nil, fmt.Errorf("timeoutMs must be an integer")
	}
	if present {
		if timeoutMS <= 0 {
			return nil, fmt.Errorf("timeoutMs must be a positive integer")
		}
		if timeoutMS > shell.MaxCommandTimeoutMS {
			return nil, fmt.Errorf("timeoutMs must be at most %d", shell.MaxCommandTimeoutMS)
		}
	}
	interactive := argBool(args, "interactive", false)

	res, err := r.shells.RunCommand(ctx, argString(args, "sessionId"), command, argString(args, "cwd"), timeoutMS, interactive)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Registry) createShellSession(_ context.Context, args map[string]any) (any, error) {
	s, err := r.shells.CreateSession(argString(args, "cwd"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sessionId": s.ID,
		"shell":     s.Shell,
		"os":        s.Platform,
		"cwd":       s.Cwd(),
	}, nil
}

func (r *Registry) closeShellSession(_ context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	return map[string]any{"closed": r.shells.CloseSession(id)}, nil
}

func (r *Registry) writeStdin(_ context.Context, args map[string]any) (any, error) {
	id, err := requireString(args, "sessionId")
	if err != nil {
		return nil, err
	}
	yieldMS, present, ok := argInt(args, "yieldMs")
	if !ok {
		return nil, fmt.Errorf("yieldMs must be an integer")
	}
	if !present {
		yieldMS = 100
	}
	res, err := r.shells.WriteStdin(id, argString(args, "chars"), yieldMS)
	if err != nil {
		return nil, err
	}
	return res, nil
}
