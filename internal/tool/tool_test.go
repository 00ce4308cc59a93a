package tool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywolf/taskflow/internal/agent"
)

func TestBuiltinsRegistered(t *testing.T) {
	names := Names()
	for _, want := range []string{"echo", "read_file", "sleep", "write_file"} {
		assert.Contains(t, names, want)
	}
}

func TestWriteThenReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	exec := RegistryExecutor{}

	resp, err := exec.RunTool(context.Background(), "write_file", map[string]any{"path": path, "content": "hi"})
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	resp, err = exec.RunTool(context.Background(), "read_file", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Data)
}

func TestRootScopesPaths(t *testing.T) {
	root := t.TempDir()
	exec := RegistryExecutor{Root: root}
	params := map[string]any{"path": "reports/a.txt", "content": "ok"}

	resp, err := exec.RunTool(context.Background(), "write_file", params)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, filepath.Join(root, "reports", "a.txt"), resp.Data)
	assert.Equal(t, "reports/a.txt", params["path"], "caller params must not be rewritten")

	resp, err = exec.RunTool(context.Background(), "read_file", map[string]any{"path": "../outside.txt"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid parameters")
}

func TestReadFileMissing(t *testing.T) {
	resp, err := RegistryExecutor{}.RunTool(context.Background(), "read_file",
		map[string]any{"path": filepath.Join(t.TempDir(), "nope")})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.True(t, strings.Contains(resp.Error, "no such file"), resp.Error)
}

func TestWriteFileRequiresPath(t *testing.T) {
	resp, err := RegistryExecutor{}.RunTool(context.Background(), "write_file", map[string]any{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "invalid")
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RegistryExecutor{}.RunTool(ctx, "sleep", map[string]any{"duration": "1h"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepCompletes(t *testing.T) {
	start := time.Now()
	resp, err := RegistryExecutor{}.RunTool(context.Background(), "sleep", map[string]any{"duration": "5ms"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestUnknownTool(t *testing.T) {
	_, err := RegistryExecutor{}.RunTool(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegisterFunc(t *testing.T) {
	Register(Func{ID: "upper", Fn: func(_ context.Context, p map[string]any) (agent.Response, error) {
		return agent.Response{Success: true, Data: strings.ToUpper(String(p, "s"))}, nil
	}})
	t.Cleanup(func() { Unregister("upper") })

	resp, err := RegistryExecutor{}.RunTool(context.Background(), "upper", map[string]any{"s": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", resp.Data)
}

func TestString(t *testing.T) {
	p := map[string]any{"n": 3, "s": "x", "nil": nil}
	assert.Equal(t, "3", String(p, "n"))
	assert.Equal(t, "x", String(p, "s"))
	assert.Equal(t, "", String(p, "nil"))
	assert.Equal(t, "", String(p, "absent"))
}
