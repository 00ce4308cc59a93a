package correction

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnose(t *testing.T) {
	tests := []struct {
		errText string
		want    Category
	}{
		{"request timeout after 30s", CategoryTimeout},
		{"ECONNRESET network timeout", CategoryNetwork},
		{"socket hang up", CategoryNetwork},
		{"EACCES: permission denied", CategoryPermission},
		{"file not found", CategoryNotFound},
		{"ENOENT: no such file or directory", CategoryNotFound},
		{"invalid parameter 'x'", CategoryInvalid},
		{"Rate Limit exceeded", CategoryRateLimit},
		{"something odd happened", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			if got := Diagnose(tt.errText).Category; got != tt.want {
				t.Errorf("Diagnose(%q) = %q, want %q", tt.errText, got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		errText string
		want    bool
	}{
		{"timeout", true},
		{"network unreachable", true},
		{"rate limit hit", true},
		{"temporary failure in name resolution", true},
		{"invalid request: rate limit", true},
		{"permission denied", false},
		{"syntax error", false},
	}

	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			if got := ShouldRetry(tt.errText); got != tt.want {
				t.Errorf("ShouldRetry(%q) = %v, want %v", tt.errText, got, tt.want)
			}
		})
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		errText string
		want    time.Duration
	}{
		{"rate limit", 60 * time.Second},
		{"rate limit timeout", 60 * time.Second},
		{"ECONNRESET network timeout", 10 * time.Second},
		{"timeout", 5 * time.Second},
		{"weird", 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.errText, func(t *testing.T) {
			if got := RetryDelay(tt.errText); got != tt.want {
				t.Errorf("RetryDelay(%q) = %v, want %v", tt.errText, got, tt.want)
			}
		})
	}
}

func TestAnalyzeNetworkTimeout(t *testing.T) {
	a := New(nil, nil).Analyze("ECONNRESET network timeout")
	assert.Equal(t, CategoryNetwork, a.Diagnosis.Category)
	assert.True(t, a.ShouldRetry)
	assert.Equal(t, 10000*time.Millisecond, a.RetryDelay)
	assert.Equal(t, SolutionCheckConnectivity, a.Solution)
}

func TestSolutionForUnknown(t *testing.T) {
	assert.Equal(t, SolutionManualReview, SolutionFor(Diagnose("???")))
}

func TestExecuteCorrection(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)

	t.Run("create missing resources", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		ok, err := c.ExecuteCorrection(ctx, SolutionCreateMissing, &Target{WorkDir: dir})
		require.NoError(t, err)
		assert.True(t, ok)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("create missing resources only once", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "c")
		_, err := c.ExecuteCorrection(ctx, SolutionCreateMissing, &Target{WorkDir: dir})
		require.NoError(t, err)
		ok, err := c.ExecuteCorrection(ctx, SolutionCreateMissing, &Target{WorkDir: dir})
		require.NoError(t, err)
		assert.False(t, ok, "an existing directory is not a fix")
	})

	t.Run("check permissions walks the tree", func(t *testing.T) {
		root := t.TempDir()
		nested := filepath.Join(root, "out", "locked")
		require.NoError(t, os.MkdirAll(nested, 0o755))
		file := filepath.Join(nested, "result.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o400))
		require.NoError(t, os.Chmod(nested, 0o500))

		ok, err := c.ExecuteCorrection(ctx, SolutionCheckPermissions, &Target{WorkDir: root})
		require.NoError(t, err)
		assert.True(t, ok)

		info, err := os.Stat(nested)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
		info, err = os.Stat(file)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

		ok, err = c.ExecuteCorrection(ctx, SolutionCheckPermissions, &Target{WorkDir: root})
		require.NoError(t, err)
		assert.False(t, ok, "nothing left to fix")
	})

	t.Run("validate parameters", func(t *testing.T) {
		target := &Target{Params: map[string]any{" path ": "x"}}
		ok, err := c.ExecuteCorrection(ctx, SolutionValidateParameters, target)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]any{"path": "x"}, target.Params)

		clean := &Target{}
		ok, err = c.ExecuteCorrection(ctx, SolutionValidateParameters, clean)
		require.NoError(t, err)
		assert.False(t, ok, "nil params normalize to an empty map without counting as a fix")
		assert.NotNil(t, clean.Params)
	})

	t.Run("no local remedy", func(t *testing.T) {
		ok, err := c.ExecuteCorrection(ctx, SolutionManualReview, &Target{WorkDir: t.TempDir()})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no workdir", func(t *testing.T) {
		ok, err := c.ExecuteCorrection(ctx, SolutionCreateMissing, &Target{})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNormalizeParams(t *testing.T) {
	got, changed := NormalizeParams(map[string]any{" path ": "x", "": 1, "empty": nil})
	assert.Equal(t, map[string]any{"path": "x"}, got)
	assert.True(t, changed)

	got, changed = NormalizeParams(map[string]any{"path": "x"})
	assert.Equal(t, map[string]any{"path": "x"}, got)
	assert.False(t, changed)

	got, changed = NormalizeParams(nil)
	assert.NotNil(t, got)
	assert.False(t, changed)
}

type alwaysRetry struct{}

func (alwaysRetry) Analyze(string) Analysis {
	return Analysis{ShouldRetry: true, RetryDelay: time.Millisecond}
}

func TestCustomStrategy(t *testing.T) {
	a := New(alwaysRetry{}, nil).Analyze("permission denied")
	assert.True(t, a.ShouldRetry)
}

func TestTransientOnly(t *testing.T) {
	a := TransientOnly{}.Analyze("ENOENT: no such file")
	assert.Equal(t, CategoryNotFound, a.Diagnosis.Category)
	assert.Equal(t, SolutionManualReview, a.Solution)
	assert.False(t, a.ShouldRetry)

	a = TransientOnly{}.Analyze("429 too many requests")
	assert.True(t, a.ShouldRetry)
	assert.Equal(t, 60*time.Second, a.RetryDelay)
}
