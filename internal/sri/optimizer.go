package sri

import (
	"math"
	"strings"

	"go.uber.org/zap"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// OptimizerConfig tunes context optimization.
type OptimizerConfig struct {
	// ContextWindow is how many trailing messages survive stripping.
	ContextWindow int
	// RecallThreshold is the minimum relevance for an injected memory.
	RecallThreshold float64
	// MaxInjected caps the number of injected memories.
	MaxInjected int
}

// Defaults for OptimizerConfig.
const (
	DefaultContextWindow   = 3
	DefaultRecallThreshold = 0.3
	DefaultMaxInjected     = 5
)

func (c OptimizerConfig) withDefaults() OptimizerConfig {
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.RecallThreshold <= 0 {
		c.RecallThreshold = DefaultRecallThreshold
	}
	if c.MaxInjected <= 0 {
		c.MaxInjected = DefaultMaxInjected
	}
	return c
}

// Result describes one optimization.
type Result struct {
	TaskID              string   `json:"task_id"`
	AgentID             string   `json:"agent_id,omitempty"`
	Context             string   `json:"context"`
	OriginalTokens      int      `json:"original_tokens"`
	OptimizedTokens     int      `json:"optimized_tokens"`
	ReductionPercentage int      `json:"reduction_percentage"`
	Injected            []string `json:"injected,omitempty"`
}

// Recorder receives every optimization result, typically for metrics.
type Recorder interface {
	RecordOptimization(Result)
}

// Optimizer strips a conversation to its recent turns, recalls relevant
// memories, and injects them as compressed summaries.
type Optimizer struct {
	store    *Store
	counter  TokenCounter
	cfg      OptimizerConfig
	recorder Recorder
	logger   *zap.Logger
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithTokenCounter replaces the default chars/4 heuristic.
func WithTokenCounter(c TokenCounter) OptimizerOption {
	return func(o *Optimizer) {
		if c != nil {
			o.counter = c
		}
	}
}

// WithRecorder reports every result to r.
func WithRecorder(r Recorder) OptimizerOption {
	return func(o *Optimizer) {
		o.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) OptimizerOption {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l.Named("sri.optimizer")
		}
	}
}

// NewOptimizer creates an optimizer over store.
func NewOptimizer(store *Store, cfg OptimizerConfig, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		store:   store,
		counter: HeuristicCounter{},
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize builds the context for one step of taskID.
func (o *Optimizer) Optimize(messages []Message, taskID string) Result {
	return o.optimize(messages, taskID, "")
}

// OptimizeForAgent is Optimize with recall biased toward agentID.
func (o *Optimizer) OptimizeForAgent(agentID string, messages []Message, taskID string) Result {
	return o.optimize(messages, taskID, agentID)
}

func (o *Optimizer) optimize(messages []Message, taskID, agentID string) Result {
	original := FormatMessages(messages)
	stripped := Strip(messages, o.cfg.ContextWindow)

	var query strings.Builder
	if agentID != "" {
		query.WriteString("Agent: " + agentID + "\n")
	}
	for _, m := range stripped {
		query.WriteString(m.Content)
		query.WriteByte('\n')
	}

	recalled := o.store.Recall(query.String(), o.cfg.RecallThreshold)
	if len(recalled) > o.cfg.MaxInjected {
		recalled = recalled[:o.cfg.MaxInjected]
	}
	injected := make([]string, 0, len(recalled))
	for _, r := range recalled {
		injected = append(injected, Compress(r.Memory))
	}

	optimized := FormatMessages(stripped)
	if len(injected) > 0 {
		optimized += "\n## Relevant Memories:\n" + strings.Join(injected, "\n")
	}

	res := Result{
		TaskID:          taskID,
		AgentID:         agentID,
		Context:         optimized,
		OriginalTokens:  o.counter.Count(original),
		OptimizedTokens: o.counter.Count(optimized),
		Injected:        injected,
	}
	if res.OriginalTokens > 0 {
		saved := float64(res.OriginalTokens-res.OptimizedTokens) / float64(res.OriginalTokens)
		res.ReductionPercentage = int(math.Round(saved * 100))
	}

	o.logger.Debug("context optimized",
		zap.String("task_id", taskID),
		zap.Int("original_tokens", res.OriginalTokens),
		zap.Int("optimized_tokens", res.OptimizedTokens),
		zap.Int("injected", len(injected)))
	if o.recorder != nil {
		o.recorder.RecordOptimization(res)
	}
	return res
}

// Strip keeps the last window messages.
func Strip(messages []Message, window int) []Message {
	if window <= 0 || len(messages) <= window {
		return messages
	}
	return messages[len(messages)-window:]
}

// FormatMessages renders messages as "role: content" lines.
func FormatMessages(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
