package correction

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Target is what a remedy may touch: the todo's working directory and its
// parameters. Params is replaced in place by parameter normalization.
type Target struct {
	WorkDir string
	Params  map[string]any
}

// AutoCorrector analyzes failures through a Strategy and applies local
// remedies.
type AutoCorrector struct {
	strategy Strategy
	logger   *zap.Logger
}

// New creates an AutoCorrector. A nil strategy selects the keyword table and
// a nil logger disables logging.
func New(strategy Strategy, logger *zap.Logger) *AutoCorrector {
	if strategy == nil {
		strategy = Keywords{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoCorrector{strategy: strategy, logger: logger.Named("correction")}
}

// Analyze classifies errText.
func (c *AutoCorrector) Analyze(errText string) Analysis {
	a := c.strategy.Analyze(errText)
	c.logger.Debug("error analyzed",
		zap.String("category", string(a.Diagnosis.Category)),
		zap.String("solution", string(a.Solution)),
		zap.Bool("retry", a.ShouldRetry),
		zap.Duration("delay", a.RetryDelay))
	return a
}

// ExecuteCorrection applies the remedy for solution to target. It returns
// true only when the remedy changed something, so a retry has a chance the
// previous attempt did not. Solutions without a local remedy return false.
func (c *AutoCorrector) ExecuteCorrection(ctx context.Context, solution Solution, target *Target) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if target == nil {
		return false, nil
	}

	switch solution {
	case SolutionCheckPermissions:
		if target.WorkDir == "" {
			return false, nil
		}
		n, err := fixPermissions(ctx, target.WorkDir)
		if err != nil {
			return false, err
		}
		if n > 0 {
			c.logger.Info("fixed workspace permissions", zap.String("dir", target.WorkDir), zap.Int("entries", n))
		}
		return n > 0, nil

	case SolutionCreateMissing:
		if target.WorkDir == "" {
			return false, nil
		}
		if _, err := os.Stat(target.WorkDir); err == nil {
			return false, nil
		}
		if err := os.MkdirAll(target.WorkDir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", target.WorkDir, err)
		}
		c.logger.Info("created missing workspace", zap.String("dir", target.WorkDir))
		return true, nil

	case SolutionValidateParameters:
		params, changed := NormalizeParams(target.Params)
		target.Params = params
		if changed {
			c.logger.Info("normalized parameters", zap.Int("count", len(params)))
		}
		return changed, nil
	}
	return false, nil
}

// fixPermissions walks root and opens up every entry that is missing
// permission bits: directories become 0755 and files gain at least 0644.
// It returns how many entries were changed.
func fixPermissions(ctx context.Context, root string) (int, error) {
	changed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		perm := info.Mode().Perm()
		want := perm | 0o644
		if d.IsDir() {
			want = 0o755
		}
		if perm == want {
			return nil
		}
		if err := os.Chmod(path, want); err != nil {
			return err
		}
		changed++
		return nil
	})
	if err != nil {
		return changed, fmt.Errorf("failed to fix permissions under %s: %w", root, err)
	}
	return changed, nil
}

// NormalizeParams returns a non-nil copy of params with blank keys and nil
// values removed and keys trimmed, and whether any entry changed.
func NormalizeParams(params map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(params))
	changed := false
	for k, v := range params {
		trimmed := strings.TrimSpace(k)
		if trimmed == "" || v == nil {
			changed = true
			continue
		}
		if trimmed != k {
			changed = true
		}
		out[trimmed] = v
	}
	return out, changed
}
