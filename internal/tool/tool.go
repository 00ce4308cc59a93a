// Package tool holds the named tools a todo can invoke with structured
// parameters, plus a small set of built-ins.
package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/andywolf/taskflow/internal/agent"
	"github.com/andywolf/taskflow/internal/security"
)

// Tool runs one operation on structured parameters.
type Tool interface {
	Name() string
	Run(ctx context.Context, params map[string]any) (agent.Response, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, params map[string]any) (agent.Response, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ID }

// Run implements Tool.
func (f Func) Run(ctx context.Context, params map[string]any) (agent.Response, error) {
	return f.Fn(ctx, params)
}

var (
	tools   = make(map[string]Tool)
	toolsMu sync.RWMutex
)

// Register adds t under its name, replacing an existing tool of that name.
func Register(t Tool) {
	toolsMu.Lock()
	defer toolsMu.Unlock()
	tools[t.Name()] = t
}

// Unregister removes the named tool.
func Unregister(name string) {
	toolsMu.Lock()
	defer toolsMu.Unlock()
	delete(tools, name)
}

// Lookup returns the named tool.
func Lookup(name string) (Tool, error) {
	toolsMu.RLock()
	defer toolsMu.RUnlock()
	t, ok := tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t, nil
}

// Names lists registered tools, sorted.
func Names() []string {
	toolsMu.RLock()
	defer toolsMu.RUnlock()
	out := make([]string, 0, len(tools))
	for name := range tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Executor runs a tool by name.
type Executor interface {
	RunTool(ctx context.Context, name string, params map[string]any) (agent.Response, error)
}

// RegistryExecutor resolves tool names through the package registry. When
// Root is set, a "path" parameter is resolved against it and rejected if it
// escapes.
type RegistryExecutor struct {
	Root string
}

// RunTool implements Executor.
func (e RegistryExecutor) RunTool(ctx context.Context, name string, params map[string]any) (agent.Response, error) {
	t, err := Lookup(name)
	if err != nil {
		return agent.Response{}, err
	}
	if e.Root != "" {
		if p := String(params, "path"); p != "" {
			resolved, err := security.ResolveWithin(e.Root, p)
			if err != nil {
				return agent.Response{Error: "invalid parameters: " + err.Error()}, nil
			}
			scoped := make(map[string]any, len(params))
			for k, v := range params {
				scoped[k] = v
			}
			scoped["path"] = resolved
			params = scoped
		}
	}
	return t.Run(ctx, params)
}

// String returns params[key] as a string, or "" when absent.
func String(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func echo(_ context.Context, params map[string]any) (agent.Response, error) {
	return agent.Response{Success: true, Data: String(params, "message")}, nil
}

func sleep(ctx context.Context, params map[string]any) (agent.Response, error) {
	d, err := time.ParseDuration(String(params, "duration"))
	if err != nil {
		return agent.Response{Error: fmt.Sprintf("invalid duration: %v", err)}, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return agent.Response{}, ctx.Err()
	case <-timer.C:
		return agent.Response{Success: true, Data: d.String()}, nil
	}
}

func writeFile(_ context.Context, params map[string]any) (agent.Response, error) {
	path := String(params, "path")
	if path == "" {
		return agent.Response{Error: "invalid parameters: path is required"}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return agent.Response{Error: err.Error()}, nil
		}
	}
	if err := os.WriteFile(path, []byte(String(params, "content")), 0o644); err != nil {
		return agent.Response{Error: err.Error()}, nil
	}
	return agent.Response{Success: true, Data: filepath.Clean(path)}, nil
}

func readFile(_ context.Context, params map[string]any) (agent.Response, error) {
	path := String(params, "path")
	if path == "" {
		return agent.Response{Error: "invalid parameters: path is required"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return agent.Response{Error: err.Error()}, nil
	}
	return agent.Response{Success: true, Data: string(data)}, nil
}

func init() {
	Register(Func{ID: "echo", Fn: echo})
	Register(Func{ID: "sleep", Fn: sleep})
	Register(Func{ID: "write_file", Fn: writeFile})
	Register(Func{ID: "read_file", Fn: readFile})
}
