package sri

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Complexity is a coarse size label for the task that produced a memory.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Memory is one salient experience.
type Memory struct {
	ID            string        `json:"id"`
	EmotionHash   string        `json:"emotion_hash"`
	Vector        EmotionVector `json:"vector"`
	Outcome       Outcome       `json:"outcome"`
	Policy        PolicyDelta   `json:"policy"`
	Context       string        `json:"context"`
	TaskID        string        `json:"task_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	Domain        string        `json:"domain"`
	Complexity    Complexity    `json:"complexity"`
	CreatedAt     time.Time     `json:"created_at"`
	LastAccessed  time.Time     `json:"last_accessed"`
	AccessCount   int           `json:"access_count"`
	Effectiveness float64       `json:"effectiveness"`
}

// Recalled pairs a memory with its relevance to a query.
type Recalled struct {
	Memory
	Relevance float64
}

// StoreConfig tunes the episodic store.
type StoreConfig struct {
	// EmotionThreshold is the minimum salience for a memory to be kept.
	EmotionThreshold float64
	// MaxMemories bounds the store size.
	MaxMemories int
	// MemoryDecay is the per-day effectiveness multiplier.
	MemoryDecay float64
}

// Defaults for StoreConfig.
const (
	DefaultEmotionThreshold = 0.7
	DefaultMaxMemories      = 1000
	DefaultMemoryDecay      = 0.95
)

// DefaultStoreConfig returns the default tuning.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EmotionThreshold: DefaultEmotionThreshold,
		MaxMemories:      DefaultMaxMemories,
		MemoryDecay:      DefaultMemoryDecay,
	}
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.EmotionThreshold <= 0 {
		c.EmotionThreshold = DefaultEmotionThreshold
	}
	if c.MaxMemories <= 0 {
		c.MaxMemories = DefaultMaxMemories
	}
	if c.MemoryDecay <= 0 || c.MemoryDecay > 1 {
		c.MemoryDecay = DefaultMemoryDecay
	}
	return c
}

// Store holds episodic memories keyed by emotion hash. It never holds more
// than MaxMemories entries. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	cfg      StoreConfig
	memories map[string]*Memory
	now      func() time.Time
	logger   *zap.Logger
}

// NewStore creates an empty store. A nil logger disables logging.
func NewStore(cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg.withDefaults(),
		memories: make(map[string]*Memory),
		now:      time.Now,
		logger:   logger.Named("sri.store"),
	}
}

// Config returns the effective configuration.
func (s *Store) Config() StoreConfig {
	return s.cfg
}

// Add persists m if its vector is salient enough. Missing ids, hashes,
// policies and timestamps are filled in. It returns the stored memory and
// whether it was kept.
func (s *Store) Add(m Memory) (Memory, bool) {
	salience := Salience(m.Vector)
	if salience < s.cfg.EmotionThreshold {
		s.logger.Debug("memory below salience threshold",
			zap.String("task_id", m.TaskID),
			zap.Float64("salience", salience),
			zap.Float64("threshold", s.cfg.EmotionThreshold))
		return m, false
	}

	now := s.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Vector.Timestamp.IsZero() {
		m.Vector.Timestamp = now
	}
	if m.EmotionHash == "" {
		m.EmotionHash = Hash(m.Vector)
	}
	if m.Policy.Action == "" {
		m.Policy = PolicyFor(m.Outcome, ContextCategory(m.Context))
	}
	if m.Domain == "" {
		m.Domain = m.Policy.Context
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.LastAccessed.IsZero() {
		m.LastAccessed = now
	}
	if m.Effectiveness == 0 {
		m.Effectiveness = m.Policy.Impact
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := m
	s.memories[m.EmotionHash] = &stored
	s.evictLocked()
	return m, true
}

// Len returns the number of stored memories.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memories)
}

// Get returns the memory with the given emotion hash.
func (s *Store) Get(hash string) (Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[hash]
	if !ok {
		return Memory{}, false
	}
	return *m, true
}

// Recall returns memories whose relevance to query is at least threshold,
// most relevant first. Each returned memory has its access statistics and
// effectiveness updated.
func (s *Store) Recall(query string, threshold float64) []Recalled {
	q := wordSet(query)
	category := ContextCategory(query)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Recalled
	for _, m := range s.memories {
		rel := relevance(q, category, m)
		if rel < threshold {
			continue
		}
		m.AccessCount++
		m.LastAccessed = now
		m.Effectiveness = math.Min(1, m.Effectiveness+0.1*rel)
		out = append(out, Recalled{Memory: *m, Relevance: rel})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		if out[i].Effectiveness != out[j].Effectiveness {
			return out[i].Effectiveness > out[j].Effectiveness
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// relevance scores m against the query words: each shared context word
// counts once, each word naming the memory's policy context counts twice,
// and a matching query category adds one. The sum is normalized by the
// larger word count and capped at 1.
func relevance(query map[string]struct{}, category string, m *Memory) float64 {
	if len(query) == 0 {
		return 0
	}
	ctx := wordSet(m.Context)
	policy := wordSet(m.Policy.Context)
	for _, t := range m.Policy.Triggers {
		for w := range wordSet(t) {
			policy[w] = struct{}{}
		}
	}

	score := 0.0
	for w := range query {
		if _, ok := ctx[w]; ok {
			score++
		}
		if _, ok := policy[w]; ok {
			score += 2
		}
	}
	if category != CategoryGeneral && category == m.Policy.Context {
		score++
	}

	denom := math.Max(float64(len(query)), float64(len(ctx)))
	return math.Min(1, score/denom)
}

// ByDomain returns memories in a domain, newest first.
func (s *Store) ByDomain(domain string) []Memory {
	return s.filter(func(m *Memory) bool { return m.Domain == domain })
}

// ByAgent returns memories produced by an agent, newest first.
func (s *Store) ByAgent(agentID string) []Memory {
	return s.filter(func(m *Memory) bool { return m.AgentID == agentID })
}

func (s *Store) filter(keep func(*Memory) bool) []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.memories {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MostEffective returns up to n memories with the highest effectiveness.
func (s *Store) MostEffective(n int) []Memory {
	all := s.Export()
	sort.SliceStable(all, func(i, j int) bool { return all[i].Effectiveness > all[j].Effectiveness })
	if n >= 0 && n < len(all) {
		all = all[:n]
	}
	return all
}

// ApplyDecay multiplies every memory's effectiveness by MemoryDecay.
func (s *Store) ApplyDecay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memories {
		m.Effectiveness *= s.cfg.MemoryDecay
	}
}

// RunDecay applies decay every interval until ctx is done.
func (s *Store) RunDecay(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ApplyDecay()
			s.logger.Debug("memory decay applied", zap.Int("memories", s.Len()))
		}
	}
}

// retention ranks a memory for eviction: effectiveness weighted by how
// recently it was used.
func (s *Store) retention(m *Memory, now time.Time) float64 {
	days := now.Sub(m.LastAccessed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return m.Effectiveness * math.Pow(s.cfg.MemoryDecay, days)
}

// evictLocked drops the lowest-retention memories until the store fits.
func (s *Store) evictLocked() {
	excess := len(s.memories) - s.cfg.MaxMemories
	if excess <= 0 {
		return
	}
	now := s.now()
	ranked := make([]*Memory, 0, len(s.memories))
	for _, m := range s.memories {
		ranked = append(ranked, m)
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := s.retention(ranked[i], now), s.retention(ranked[j], now)
		if ri != rj {
			return ri < rj
		}
		return ranked[i].LastAccessed.Before(ranked[j].LastAccessed)
	})
	for _, m := range ranked[:excess] {
		delete(s.memories, m.EmotionHash)
	}
	s.logger.Debug("evicted memories", zap.Int("count", excess))
}

// Export returns a copy of every memory, oldest first.
func (s *Store) Export() []Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Memory, 0, len(s.memories))
	for _, m := range s.memories {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Import loads memories as-is, bypassing the salience check, and evicts down
// to capacity. It returns the number of memories held afterwards.
func (s *Store) Import(memories []Memory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range memories {
		if m.EmotionHash == "" {
			m.EmotionHash = Hash(m.Vector)
		}
		s.memories[m.EmotionHash] = &m
	}
	s.evictLocked()
	return len(s.memories)
}
